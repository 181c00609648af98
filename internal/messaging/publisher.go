// Package messaging delivers DomainEvents to the message broker.
package messaging

import (
	"context"
	"strings"

	"dms/internal/model"
)

const (
	// SubjectPrefix roots every document event subject.
	SubjectPrefix = "dms.document"
	// StreamSubjects is the subject filter captured by the event stream.
	StreamSubjects = SubjectPrefix + ".>"

	HeaderEventType  = "Dms-Event-Type"
	HeaderDocumentID = "Dms-Document-Id"
	HeaderRevision   = "Dms-Revision"
)

// Publisher hands a DomainEvent to the broker. A nil error means the broker
// accepted the event; broker unavailability is reported as a transient error.
type Publisher interface {
	Publish(ctx context.Context, evt model.DomainEvent) error
}

// Subject returns the subject for evt: dms.document.<action>.<document_id>.
// Partitioning by document keeps a document's events on one subject per action
// and lets consumers filter on a single document with dms.document.*.<id>.
func Subject(evt model.DomainEvent) string {
	action := strings.TrimPrefix(string(evt.Type), "document.")
	return SubjectPrefix + "." + action + "." + evt.DocumentID
}
