package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a document state change.
type EventType string

const (
	EventDocumentCreated EventType = "document.created"
	EventDocumentUpdated EventType = "document.updated"
	EventDocumentDeleted EventType = "document.deleted"
)

// DomainEvent describes one mutation of a Document. It is immutable once created
// and is published exactly once per mutation.
type DomainEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	DocumentID  string    `json:"document_id"`
	Revision    int64     `json:"revision"`
	Owner       string    `json:"owner"`
	Actor       string    `json:"actor"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// NewDomainEvent builds the event for a mutation of doc performed by actor.
func NewDomainEvent(t EventType, doc *Document, actor string, at time.Time) DomainEvent {
	return DomainEvent{
		ID:          uuid.NewString(),
		Type:        t,
		DocumentID:  doc.ID,
		Revision:    doc.Revision,
		Owner:       doc.Owner,
		Actor:       actor,
		Filename:    doc.Filename,
		ContentType: doc.ContentType,
		OccurredAt:  at.UTC(),
	}
}

// OutboxEntry is a DomainEvent waiting in, or delivered from, the transactional outbox.
type OutboxEntry struct {
	Seq         int64
	Event       DomainEvent
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	PublishedAt *time.Time
}
