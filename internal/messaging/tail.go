package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"dms/internal/model"
)

// TailOptions selects which events Tail delivers.
type TailOptions struct {
	Stream     string
	DocumentID string
	// All replays the stream from the beginning instead of only new events.
	All bool
}

// Tail consumes document events with an ordered, ephemeral consumer and calls fn
// for each until ctx is cancelled or fn returns an error.
func Tail(ctx context.Context, js jetstream.JetStream, opts TailOptions, fn func(model.DomainEvent, *jetstream.MsgMetadata) error) error {
	filter := StreamSubjects
	if opts.DocumentID != "" {
		filter = SubjectPrefix + ".*." + opts.DocumentID
	}
	deliver := jetstream.DeliverNewPolicy
	if opts.All {
		deliver = jetstream.DeliverAllPolicy
	}

	cons, err := js.OrderedConsumer(ctx, opts.Stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filter},
		DeliverPolicy:  deliver,
	})
	if err != nil {
		return fmt.Errorf("create ordered consumer on %s: %w", opts.Stream, err)
	}

	errCh := make(chan error, 1)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var evt model.DomainEvent
		if err := json.Unmarshal(msg.Data(), &evt); err != nil {
			select {
			case errCh <- fmt.Errorf("decode event on %s: %w", msg.Subject(), err):
			default:
			}
			return
		}
		meta, _ := msg.Metadata()
		if err := fn(evt, meta); err != nil {
			select {
			case errCh <- err:
			default:
			}
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", opts.Stream, err)
	}
	defer cc.Stop()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
