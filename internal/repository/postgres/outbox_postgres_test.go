package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dms/internal/apperr"
	"dms/internal/model"
	"dms/internal/repository"
)

func TestOutboxPostgres_Pending(t *testing.T) {
	ctx := context.Background()
	db, mock := newMock(t)
	repo := NewOutboxPostgres(db)

	doc := newTestDocument()
	evt := model.NewDomainEvent(model.EventDocumentCreated, doc, doc.Owner, doc.CreatedAt)
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	cutoff := time.Now().UTC()

	mock.ExpectQuery("SELECT seq, payload, attempts, last_error, created_at, published_at FROM outbox_events").
		WithArgs(doc.ID, cutoff, 5).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "payload", "attempts", "last_error", "created_at", "published_at"}).
			AddRow(int64(7), payload, 2, "nats: timeout", doc.CreatedAt, nil))

	entries, err := repo.Pending(ctx, repository.PendingQuery{DocumentID: doc.ID, OlderThan: cutoff, Limit: 5})

	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries[0].Seq)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Equal(t, "nats: timeout", entries[0].LastError)
	assert.Nil(t, entries[0].PublishedAt)
	assert.Equal(t, evt.ID, entries[0].Event.ID)
	assert.Equal(t, evt.Type, entries[0].Event.Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxPostgres_PendingDefaults(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOutboxPostgres(db)

	mock.ExpectQuery("FROM outbox_events").
		WithArgs("", nil, defaultPendingLimit).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "payload", "attempts", "last_error", "created_at", "published_at"}))

	entries, err := repo.Pending(context.Background(), repository.PendingQuery{})

	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxPostgres_Mark(t *testing.T) {
	ctx := context.Background()
	db, mock := newMock(t)
	repo := NewOutboxPostgres(db)
	at := time.Now().UTC()

	mock.ExpectExec("UPDATE outbox_events SET published_at").
		WithArgs(at, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE outbox_events SET attempts = attempts \\+ 1").
		WithArgs("nats: no responders", int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE outbox_events SET published_at").
		WithArgs(at, int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, repo.MarkPublished(ctx, 7, at))
	assert.NoError(t, repo.MarkFailed(ctx, 8, "nats: no responders"))
	assert.ErrorIs(t, repo.MarkPublished(ctx, 9, at), apperr.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
