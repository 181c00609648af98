package messaging

import (
	"context"
	"sync"

	"dms/internal/model"
)

// Recorder is an in-process Publisher that keeps every accepted event.
// It backs the memory development mode and tests.
type Recorder struct {
	mu      sync.Mutex
	events  []model.DomainEvent
	failure error
}

var _ Publisher = (*Recorder)(nil)

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(ctx context.Context, evt model.DomainEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		return r.failure
	}
	r.events = append(r.events, evt)
	return nil
}

// Fail makes Publish return err until Fail(nil) is called.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure = err
}

// Events returns a copy of the accepted events in publish order.
func (r *Recorder) Events() []model.DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.DomainEvent, len(r.events))
	copy(out, r.events)
	return out
}
