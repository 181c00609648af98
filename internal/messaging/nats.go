package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"dms/internal/apperr"
	"dms/internal/config"
	"dms/internal/model"
)

// jetStreamPublisher is the subset of jetstream.JetStream used for publishing.
type jetStreamPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher publishes events to a JetStream stream. The event ID is sent as
// Nats-Msg-Id so redeliveries inside the stream's duplicate window are dropped
// by the server.
type NATSPublisher struct {
	conn    *nats.Conn
	js      jetStreamPublisher
	stream  string
	timeout time.Duration
	logger  *slog.Logger
}

var _ Publisher = (*NATSPublisher)(nil)

// NewNATS connects to NATS and ensures the event stream exists.
func NewNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrlRedacted())
		}),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", apperr.Transient(err))
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, StreamConfig(cfg)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Stream, err)
	}

	p := newNATSPublisher(js, cfg.Stream, time.Duration(cfg.PublishTimeoutSec)*time.Second, logger)
	p.conn = conn
	return p, nil
}

func newNATSPublisher(js jetStreamPublisher, stream string, timeout time.Duration, logger *slog.Logger) *NATSPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{js: js, stream: stream, timeout: timeout, logger: logger}
}

// StreamConfig is the JetStream stream holding document events.
func StreamConfig(cfg config.NATSConfig) jetstream.StreamConfig {
	window := time.Duration(cfg.DuplicateWindowSec) * time.Second
	if window <= 0 {
		window = 10 * time.Minute
	}
	return jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{StreamSubjects},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: window,
	}
}

// Publish sends evt and waits for the stream's acknowledgement.
func (p *NATSPublisher) Publish(ctx context.Context, evt model.DomainEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.ID, err)
	}

	subject := Subject(evt)
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(jetstream.MsgIDHeader, evt.ID)
	msg.Header.Set(HeaderEventType, string(evt.Type))
	msg.Header.Set(HeaderDocumentID, evt.DocumentID)
	msg.Header.Set(HeaderRevision, strconv.FormatInt(evt.Revision, 10))

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithExpectStream(p.stream))
	if err != nil {
		return apperr.Transient(fmt.Errorf("publish %s: %w", subject, err))
	}
	if ack.Duplicate {
		p.logger.DebugContext(ctx, "event already in stream", "event_id", evt.ID, "subject", subject, "seq", ack.Sequence)
	}
	return nil
}

// Ping reports whether the connection is up.
func (p *NATSPublisher) Ping(context.Context) error {
	if p.conn == nil || !p.conn.IsConnected() {
		return apperr.Transient(nats.ErrConnectionClosed)
	}
	return nil
}

// JetStream returns a JetStream handle on the publisher's connection.
func (p *NATSPublisher) JetStream() (jetstream.JetStream, error) {
	if p.conn == nil {
		return nil, nats.ErrConnectionClosed
	}
	return jetstream.New(p.conn)
}

// Close drains the connection, flushing in-flight publishes.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
