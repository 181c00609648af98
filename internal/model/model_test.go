package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDomainEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	doc := &Document{
		ID:          "6f1c3a0e-8d2b-4b8e-9a53-0d7f0f4b9c11",
		Owner:       "alice",
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		Revision:    2,
	}

	evt := NewDomainEvent(EventDocumentUpdated, doc, "bob", at)

	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, EventDocumentUpdated, evt.Type)
	assert.Equal(t, doc.ID, evt.DocumentID)
	assert.Equal(t, int64(2), evt.Revision)
	assert.Equal(t, "alice", evt.Owner)
	assert.Equal(t, "bob", evt.Actor)
	assert.Equal(t, "report.pdf", evt.Filename)
	assert.Equal(t, "application/pdf", evt.ContentType)
	assert.Equal(t, time.UTC, evt.OccurredAt.Location())

	other := NewDomainEvent(EventDocumentUpdated, doc, "bob", at)
	assert.NotEqual(t, evt.ID, other.ID)
}

func TestDocumentClone(t *testing.T) {
	doc := &Document{ID: "1", Metadata: map[string]string{"k": "v"}}
	cp := doc.Clone()
	cp.Metadata["k"] = "changed"

	assert.Equal(t, "v", doc.Metadata["k"])
	assert.Nil(t, (*Document)(nil).Clone())
}
