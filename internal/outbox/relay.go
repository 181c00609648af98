// Package outbox delivers domain events recorded in the transactional outbox.
//
// A mutation commits its document row and its event in one transaction. The
// service then calls Dispatch for the document; Run sweeps anything a crashed or
// failed Dispatch left behind. Events of one document are published in outbox
// order and a document never has two deliveries in flight inside a process.
// Redelivery across replicas carries the same event ID, which the broker dedups.
package outbox

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"dms/internal/logging"
	"dms/internal/messaging"
	"dms/internal/model"
	"dms/internal/repository"
	"dms/internal/retry"
)

const (
	defaultPollInterval = time.Second
	defaultGracePeriod  = 2 * time.Second
	defaultBatchSize    = 100
	stripeCount         = 64
)

// Relay publishes pending outbox entries.
type Relay struct {
	outbox repository.OutboxRepository
	pub    messaging.Publisher
	logger *slog.Logger
	now    func() time.Time

	pollInterval time.Duration
	gracePeriod  time.Duration
	batchSize    int
	policy       retry.Policy
	backoff      retry.Policy

	stripes [stripeCount]sync.Mutex

	published *prometheus.CounterVec
	failures  *prometheus.CounterVec
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// WithPollInterval sets how often Run looks for stranded entries.
func WithPollInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithGracePeriod sets how old an entry must be before Run picks it up, leaving
// fresh entries to the Dispatch call of the request that wrote them.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Relay) {
		if d >= 0 {
			r.gracePeriod = d
		}
	}
}

// WithBatchSize caps the entries read per sweep.
func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithRetryPolicy sets the per-entry publish retry used by Dispatch.
func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Relay) { r.policy = p }
}

// WithRegisterer registers the relay metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Relay) {
		if reg != nil {
			reg.MustRegister(r.published, r.failures)
		}
	}
}

// NewRelay creates a Relay reading from outbox and publishing to pub.
func NewRelay(outbox repository.OutboxRepository, pub messaging.Publisher, opts ...Option) *Relay {
	r := &Relay{
		outbox:       outbox,
		pub:          pub,
		logger:       slog.Default(),
		now:          time.Now,
		pollInterval: defaultPollInterval,
		gracePeriod:  defaultGracePeriod,
		batchSize:    defaultBatchSize,
		policy:       retry.DefaultPolicy(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dms_events_published_total",
			Help: "Domain events accepted by the broker.",
		}, []string{"type"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dms_event_publish_failures_total",
			Help: "Failed domain event publish attempts.",
		}, []string{"type"}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "outbox")
	r.backoff = retry.Policy{
		InitialInterval: r.pollInterval,
		MaxInterval:     30 * r.pollInterval,
	}
	return r
}

// Dispatch publishes every pending event of one document, oldest first. It stops
// at the first event that cannot be published so later events never overtake it.
func (r *Relay) Dispatch(ctx context.Context, documentID string) error {
	return r.flush(ctx, documentID, r.policy)
}

// Run sweeps the outbox until ctx is cancelled. Rounds that hit a publish failure
// back off exponentially up to thirty poll intervals.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "outbox_relay_start",
		"poll_interval_ms", r.pollInterval.Milliseconds(),
		"grace_period_ms", r.gracePeriod.Milliseconds())

	b := r.backoff.NewBackOff()
	for {
		wait := r.pollInterval
		if err := r.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			wait = b.NextBackOff()
			r.logger.WarnContext(ctx, "outbox_sweep_failed", logging.Error(err), "retry_in_ms", wait.Milliseconds())
		} else {
			b.Reset()
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			r.logger.InfoContext(ctx, "outbox_relay_stop")
			return nil
		case <-t.C:
		}
	}
	r.logger.InfoContext(ctx, "outbox_relay_stop")
	return nil
}

// Sweep makes one pass over entries older than the grace period. Each document
// is flushed with a single attempt per entry; the next sweep retries failures.
func (r *Relay) Sweep(ctx context.Context) error {
	entries, err := r.outbox.Pending(ctx, repository.PendingQuery{
		OlderThan: r.now().Add(-r.gracePeriod),
		Limit:     r.batchSize,
	})
	if err != nil {
		return err
	}

	var (
		seen = make(map[string]bool, len(entries))
		errs []error
	)
	once := retry.Policy{MaxAttempts: 1}
	for _, e := range entries {
		id := e.Event.DocumentID
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := r.flush(ctx, id, once); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Relay) flush(ctx context.Context, documentID string, p retry.Policy) error {
	mu := r.stripe(documentID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock: another flush may have published some of them.
	entries, err := r.outbox.Pending(ctx, repository.PendingQuery{DocumentID: documentID})
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := r.deliver(ctx, e, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) deliver(ctx context.Context, e model.OutboxEntry, p retry.Policy) error {
	evt := e.Event
	err := retry.Run(ctx, p, func(ctx context.Context) error {
		return r.pub.Publish(ctx, evt)
	}, func(err error, wait time.Duration) {
		r.failures.WithLabelValues(string(evt.Type)).Inc()
		r.logger.DebugContext(ctx, "event_publish_retry",
			logging.EventID(evt.ID), logging.Error(err), "retry_in_ms", wait.Milliseconds())
	})
	if err != nil {
		r.failures.WithLabelValues(string(evt.Type)).Inc()
		r.logger.WarnContext(ctx, "event_publish_failed",
			logging.EventID(evt.ID), logging.DocumentID(evt.DocumentID),
			"type", string(evt.Type), "attempts", e.Attempts+1, logging.Error(err))
		if markErr := r.outbox.MarkFailed(context.WithoutCancel(ctx), e.Seq, err.Error()); markErr != nil {
			r.logger.ErrorContext(ctx, "outbox_mark_failed_error", logging.EventID(evt.ID), logging.Error(markErr))
		}
		return err
	}

	r.published.WithLabelValues(string(evt.Type)).Inc()
	if err := r.outbox.MarkPublished(context.WithoutCancel(ctx), e.Seq, r.now().UTC()); err != nil {
		// The broker has the event; a later redelivery is deduplicated by its ID.
		r.logger.ErrorContext(ctx, "outbox_mark_published_error", logging.EventID(evt.ID), logging.Error(err))
		return err
	}
	r.logger.DebugContext(ctx, "event_published", logging.EventID(evt.ID), logging.DocumentID(evt.DocumentID), "type", string(evt.Type))
	return nil
}

func (r *Relay) stripe(documentID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(documentID))
	return &r.stripes[h.Sum32()%stripeCount]
}
