// Package memory is an in-process implementation of the document and outbox
// repositories, used for local development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"dms/internal/apperr"
	"dms/internal/model"
	"dms/internal/repository"
)

// Store keeps documents and their outbox in memory. It satisfies both
// repository.DocumentRepository and repository.OutboxRepository.
type Store struct {
	mu     sync.RWMutex
	docs   map[string]*model.Document
	outbox []model.OutboxEntry
	seq    int64
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{docs: make(map[string]*model.Document)}
}

var (
	_ repository.DocumentRepository = (*Store)(nil)
	_ repository.OutboxRepository   = (*Store)(nil)
)

func (s *Store) Create(ctx context.Context, doc *model.Document, evt model.DomainEvent) (*model.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[doc.ID]; ok {
		return nil, apperr.Conflict("document already exists")
	}
	s.docs[doc.ID] = doc.Clone()
	s.enqueue(evt)
	return doc.Clone(), nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*model.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.docs[id]
	if !ok {
		return nil, apperr.NotFound("document not found")
	}
	return d.Clone(), nil
}

// List orders documents newest first, like the postgres implementation.
func (s *Store) List(ctx context.Context, q repository.ListQuery) (*repository.PageResult[model.Document], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	matched := make([]model.Document, 0, len(s.docs))
	for _, d := range s.docs {
		if q.Owner == "" || d.Owner == q.Owner {
			matched = append(matched, *d.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := min(max(q.Offset, 0), total)
	end := total
	if q.Limit > 0 {
		end = min(start+q.Limit, total)
	}
	return &repository.PageResult[model.Document]{Items: matched[start:end], Total: total}, nil
}

func (s *Store) Update(ctx context.Context, doc *model.Document, expectedRevision int64, evt model.DomainEvent) (*model.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.docs[doc.ID]
	if !ok {
		return nil, apperr.NotFound("document not found")
	}
	if cur.Revision != expectedRevision {
		return nil, apperr.Conflict("document revision is stale")
	}
	next := doc.Clone()
	next.Owner = cur.Owner
	next.CreatedAt = cur.CreatedAt
	s.docs[doc.ID] = next
	s.enqueue(evt)
	return next.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, id string, expectedRevision int64, evt model.DomainEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.docs[id]
	if !ok {
		return apperr.NotFound("document not found")
	}
	if expectedRevision > 0 && cur.Revision != expectedRevision {
		return apperr.Conflict("document revision is stale")
	}
	delete(s.docs, id)
	s.enqueue(evt)
	return nil
}

func (s *Store) Pending(ctx context.Context, q repository.PendingQuery) ([]model.OutboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.OutboxEntry, 0)
	for _, e := range s.outbox {
		if e.PublishedAt != nil {
			continue
		}
		if q.DocumentID != "" && e.Event.DocumentID != q.DocumentID {
			continue
		}
		if !q.OlderThan.IsZero() && e.CreatedAt.After(q.OlderThan) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, seq int64, at time.Time) error {
	return s.update(ctx, seq, func(e *model.OutboxEntry) {
		t := at
		e.PublishedAt = &t
	})
}

func (s *Store) MarkFailed(ctx context.Context, seq int64, cause string) error {
	return s.update(ctx, seq, func(e *model.OutboxEntry) {
		e.Attempts++
		e.LastError = cause
	})
}

// Events returns every enqueued event in order, published or not.
func (s *Store) Events() []model.DomainEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DomainEvent, 0, len(s.outbox))
	for _, e := range s.outbox {
		out = append(out, e.Event)
	}
	return out
}

func (s *Store) update(ctx context.Context, seq int64, fn func(*model.OutboxEntry)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].Seq == seq {
			fn(&s.outbox[i])
			return nil
		}
	}
	return apperr.NotFound("outbox entry not found")
}

// enqueue must be called with mu held.
func (s *Store) enqueue(evt model.DomainEvent) {
	s.seq++
	s.outbox = append(s.outbox, model.OutboxEntry{
		Seq:       s.seq,
		Event:     evt,
		CreatedAt: evt.OccurredAt,
	})
}
