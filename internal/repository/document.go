// Package repository contains data access layer abstractions.
// Implementations live in subpackages (postgres, memory) and report failures
// with apperr kinds: NotFound, Conflict and Transient.
package repository

import (
	"context"
	"time"

	"dms/internal/model"
)

// DocumentRepository persists documents. Every mutation also stores its DomainEvent
// in the outbox atomically with the document change.
type DocumentRepository interface {
	// Create inserts doc and enqueues evt. doc.ID must be set by the caller.
	Create(ctx context.Context, doc *model.Document, evt model.DomainEvent) (*model.Document, error)

	// FindByID returns a document by its ID.
	FindByID(ctx context.Context, id string) (*model.Document, error)

	// List returns a paginated list of documents and total rows count for the given filter.
	List(ctx context.Context, q ListQuery) (*PageResult[model.Document], error)

	// Update replaces the stored document with doc if the stored revision equals
	// expectedRevision, and enqueues evt. doc.Revision must be expectedRevision+1.
	Update(ctx context.Context, doc *model.Document, expectedRevision int64, evt model.DomainEvent) (*model.Document, error)

	// Delete removes the document if the stored revision equals expectedRevision
	// (0 skips the check), and enqueues evt.
	Delete(ctx context.Context, id string, expectedRevision int64, evt model.DomainEvent) error
}

// OutboxRepository reads and settles outbox entries written by DocumentRepository.
type OutboxRepository interface {
	// Pending returns unpublished entries in enqueue order.
	Pending(ctx context.Context, q PendingQuery) ([]model.OutboxEntry, error)

	// MarkPublished records a successful publication.
	MarkPublished(ctx context.Context, seq int64, at time.Time) error

	// MarkFailed increments the attempt count and records the failure.
	MarkFailed(ctx context.Context, seq int64, cause string) error
}

// PageQuery holds limit/offset pagination parameters.
type PageQuery struct {
	Limit  int
	Offset int
}

// ListQuery filters a document listing. An empty Owner lists every owner.
type ListQuery struct {
	Owner string
	PageQuery
}

// PendingQuery selects unpublished outbox entries. Zero values disable a filter.
type PendingQuery struct {
	DocumentID string
	OlderThan  time.Time
	Limit      int
}

// PageResult is a generic pagination result wrapper.
// T is typically a model type.
type PageResult[T any] struct {
	Items []T
	Total int
}
