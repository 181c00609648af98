package memory

import (
	"context"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dms/internal/apperr"
	"dms/internal/model"
	"dms/internal/repository"
)

func newDoc(owner string, createdAt time.Time) *model.Document {
	return &model.Document{
		ID:          gofakeit.UUID(),
		Owner:       owner,
		Filename:    gofakeit.Word() + ".pdf",
		ContentType: "application/pdf",
		Size:        10,
		Metadata:    map[string]string{"k": "v"},
		Revision:    1,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func created(d *model.Document) model.DomainEvent {
	return model.NewDomainEvent(model.EventDocumentCreated, d, d.Owner, d.CreatedAt)
}

func TestStore_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	doc := newDoc("alice", time.Now())

	_, err := s.Create(ctx, doc, created(doc))
	require.NoError(t, err)

	got, err := s.FindByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	got.Metadata["k"] = "changed"
	again, _ := s.FindByID(ctx, doc.ID)
	assert.Equal(t, "v", again.Metadata["k"], "returned documents must be copies")

	_, err = s.Create(ctx, doc, created(doc))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = s.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStore_UpdateRevision(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	doc := newDoc("alice", time.Now())
	_, err := s.Create(ctx, doc, created(doc))
	require.NoError(t, err)

	next := doc.Clone()
	next.Revision = 2
	next.Filename = "v2.pdf"
	evt := model.NewDomainEvent(model.EventDocumentUpdated, next, "alice", time.Now())

	_, err = s.Update(ctx, next, 7, evt)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	got, err := s.Update(ctx, next, 1, evt)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Revision)

	_, err = s.Update(ctx, next, 1, evt)
	assert.ErrorIs(t, err, apperr.ErrConflict, "the same stale write must not apply twice")

	missing := newDoc("alice", time.Now())
	_, err = s.Update(ctx, missing, 1, evt)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.Len(t, s.Events(), 2)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	doc := newDoc("alice", time.Now())
	_, err := s.Create(ctx, doc, created(doc))
	require.NoError(t, err)
	evt := model.NewDomainEvent(model.EventDocumentDeleted, doc, "alice", time.Now())

	assert.ErrorIs(t, s.Delete(ctx, doc.ID, 3, evt), apperr.ErrConflict)
	assert.NoError(t, s.Delete(ctx, doc.ID, 0, evt))
	assert.ErrorIs(t, s.Delete(ctx, doc.ID, 0, evt), apperr.ErrNotFound)
	assert.Len(t, s.Events(), 2)
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Now()
	var ids []string
	for i := 0; i < 3; i++ {
		d := newDoc("alice", base.Add(time.Duration(i)*time.Second))
		ids = append(ids, d.ID)
		_, err := s.Create(ctx, d, created(d))
		require.NoError(t, err)
	}
	other := newDoc("bob", base)
	_, err := s.Create(ctx, other, created(other))
	require.NoError(t, err)

	page, err := s.List(ctx, repository.ListQuery{Owner: "alice", PageQuery: repository.PageQuery{Limit: 2}})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[2], page.Items[0].ID)
	assert.Equal(t, ids[1], page.Items[1].ID)

	page, err = s.List(ctx, repository.ListQuery{Owner: "alice", PageQuery: repository.PageQuery{Limit: 2, Offset: 2}})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, ids[0], page.Items[0].ID)

	page, err = s.List(ctx, repository.ListQuery{PageQuery: repository.PageQuery{Offset: 10}})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Empty(t, page.Items)
}

func TestStore_Outbox(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	a := newDoc("alice", time.Now().Add(-time.Minute))
	b := newDoc("bob", time.Now())
	_, _ = s.Create(ctx, a, created(a))
	_, _ = s.Create(ctx, b, created(b))

	pending, err := s.Pending(ctx, repository.PendingQuery{})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Less(t, pending[0].Seq, pending[1].Seq)

	pending, err = s.Pending(ctx, repository.PendingQuery{OlderThan: time.Now().Add(-30 * time.Second)})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].Event.DocumentID)

	require.NoError(t, s.MarkFailed(ctx, pending[0].Seq, "boom"))
	require.NoError(t, s.MarkPublished(ctx, pending[0].Seq, time.Now()))

	pending, err = s.Pending(ctx, repository.PendingQuery{DocumentID: a.ID})
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, s.MarkPublished(ctx, 99, time.Now()), apperr.ErrNotFound)
}
