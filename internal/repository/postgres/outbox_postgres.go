package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"dms/internal/apperr"
	"dms/internal/model"
	"dms/internal/repository"
)

const defaultPendingLimit = 100

// OutboxPostgres reads the outbox_events table filled by DocumentPostgres.
type OutboxPostgres struct {
	db *sql.DB
}

// NewOutboxPostgres creates a new OutboxPostgres repository.
func NewOutboxPostgres(db *sql.DB) *OutboxPostgres {
	return &OutboxPostgres{db: db}
}

var _ repository.OutboxRepository = (*OutboxPostgres)(nil)

// Pending returns unpublished entries ordered by sequence.
func (r *OutboxPostgres) Pending(ctx context.Context, pq repository.PendingQuery) ([]model.OutboxEntry, error) {
	limit := pq.Limit
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	var olderThan any
	if !pq.OlderThan.IsZero() {
		olderThan = pq.OlderThan
	}

	const q = `
		SELECT seq, payload, attempts, last_error, created_at, published_at
		FROM outbox_events
		WHERE published_at IS NULL
		  AND ($1 = '' OR document_id::text = $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		ORDER BY seq
		LIMIT $3`

	entries, err := queryMany(ctx, r.db, q, []any{pq.DocumentID, olderThan, limit}, scanEntry)
	if err != nil {
		return nil, mapError(fmt.Errorf("query outbox: %w", err), apperr.NotFound("outbox entry not found"))
	}
	return entries, nil
}

// MarkPublished stamps the entry as delivered.
func (r *OutboxPostgres) MarkPublished(ctx context.Context, seq int64, at time.Time) error {
	err := execExpectOne(ctx, r.db, `UPDATE outbox_events SET published_at = $1 WHERE seq = $2`, at, seq)
	return mapError(err, apperr.NotFound("outbox entry not found"))
}

// MarkFailed records a failed delivery attempt.
func (r *OutboxPostgres) MarkFailed(ctx context.Context, seq int64, cause string) error {
	err := execExpectOne(ctx, r.db,
		`UPDATE outbox_events SET attempts = attempts + 1, last_error = $1 WHERE seq = $2`,
		cause, seq)
	return mapError(err, apperr.NotFound("outbox entry not found"))
}

func scanEntry(s scanner) (model.OutboxEntry, error) {
	var (
		e         model.OutboxEntry
		payload   []byte
		published sql.NullTime
	)
	if err := s.Scan(&e.Seq, &payload, &e.Attempts, &e.LastError, &e.CreatedAt, &published); err != nil {
		return model.OutboxEntry{}, err
	}
	if err := json.Unmarshal(payload, &e.Event); err != nil {
		return model.OutboxEntry{}, fmt.Errorf("decode outbox payload %d: %w", e.Seq, err)
	}
	if published.Valid {
		t := published.Time
		e.PublishedAt = &t
	}
	return e, nil
}
