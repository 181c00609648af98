package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"dms/internal/apperr"
	"dms/internal/model"
	"dms/internal/repository"
)

const documentColumns = `id, owner, filename, content_type, size, checksum, metadata, revision, storage_path, created_at, updated_at`

// DocumentPostgres is a PostgreSQL implementation of repository.DocumentRepository.
// It uses database/sql with parameterized queries and contains no business logic.
type DocumentPostgres struct {
	db *sql.DB
}

// NewDocumentPostgres creates a new DocumentPostgres repository.
func NewDocumentPostgres(db *sql.DB) *DocumentPostgres {
	return &DocumentPostgres{db: db}
}

var _ repository.DocumentRepository = (*DocumentPostgres)(nil)

// Create inserts a new document row and its outbox event in one transaction.
func (r *DocumentPostgres) Create(ctx context.Context, doc *model.Document, evt model.DomainEvent) (*model.Document, error) {
	meta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return nil, err
	}

	const q = `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + documentColumns
	args := []any{
		doc.ID,
		doc.Owner,
		doc.Filename,
		doc.ContentType,
		doc.Size,
		doc.Checksum,
		meta,
		doc.Revision,
		doc.StoragePath,
		doc.CreatedAt,
		doc.UpdatedAt,
	}

	out, err := withTx(ctx, r.db, func(tx *sql.Tx) (model.Document, error) {
		d, err := queryOne(ctx, tx, q, args, scanDocument)
		if err != nil {
			return model.Document{}, err
		}
		if err := insertEvent(ctx, tx, evt); err != nil {
			return model.Document{}, err
		}
		return d, nil
	})
	if err != nil {
		return nil, mapError(err, apperr.NotFound("document not found"))
	}
	return &out, nil
}

// FindByID fetches a single document by its ID.
func (r *DocumentPostgres) FindByID(ctx context.Context, id string) (*model.Document, error) {
	const q = `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`

	d, err := queryOne(ctx, r.db, q, []any{id}, scanDocument)
	if err != nil {
		return nil, mapError(err, apperr.NotFound("document not found"))
	}
	return &d, nil
}

// List returns documents using LIMIT/OFFSET pagination and a total count,
// newest first. An empty owner matches every document.
func (r *DocumentPostgres) List(ctx context.Context, lq repository.ListQuery) (*repository.PageResult[model.Document], error) {
	const qCount = `SELECT COUNT(*) FROM documents WHERE ($1 = '' OR owner = $1)`
	var total int
	if err := r.db.QueryRowContext(ctx, qCount, lq.Owner).Scan(&total); err != nil {
		return nil, mapError(fmt.Errorf("count documents: %w", err), apperr.NotFound("document not found"))
	}

	const qList = `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE ($1 = '' OR owner = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	items, err := queryMany(ctx, r.db, qList, []any{lq.Owner, lq.Limit, lq.Offset}, scanDocument)
	if err != nil {
		return nil, mapError(fmt.Errorf("query documents: %w", err), apperr.NotFound("document not found"))
	}

	return &repository.PageResult[model.Document]{
		Items: items,
		Total: total,
	}, nil
}

// Update writes doc when the stored revision still equals expectedRevision.
func (r *DocumentPostgres) Update(ctx context.Context, doc *model.Document, expectedRevision int64, evt model.DomainEvent) (*model.Document, error) {
	meta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return nil, err
	}

	const q = `
		UPDATE documents
		SET filename = $1, content_type = $2, size = $3, checksum = $4, metadata = $5,
		    revision = $6, storage_path = $7, updated_at = $8
		WHERE id = $9 AND revision = $10
		RETURNING ` + documentColumns
	args := []any{
		doc.Filename,
		doc.ContentType,
		doc.Size,
		doc.Checksum,
		meta,
		doc.Revision,
		doc.StoragePath,
		doc.UpdatedAt,
		doc.ID,
		expectedRevision,
	}

	out, err := withTx(ctx, r.db, func(tx *sql.Tx) (model.Document, error) {
		d, err := queryOne(ctx, tx, q, args, scanDocument)
		if err != nil {
			return model.Document{}, missingOrStale(ctx, tx, doc.ID, err)
		}
		if err := insertEvent(ctx, tx, evt); err != nil {
			return model.Document{}, err
		}
		return d, nil
	})
	if err != nil {
		return nil, mapError(err, apperr.NotFound("document not found"))
	}
	return &out, nil
}

// Delete removes a document row. A positive expectedRevision must match the stored one.
func (r *DocumentPostgres) Delete(ctx context.Context, id string, expectedRevision int64, evt model.DomainEvent) error {
	q := `DELETE FROM documents WHERE id = $1`
	args := []any{id}
	if expectedRevision > 0 {
		q += ` AND revision = $2`
		args = append(args, expectedRevision)
	}

	_, err := withTx(ctx, r.db, func(tx *sql.Tx) (struct{}, error) {
		if err := execExpectOne(ctx, tx, q, args...); err != nil {
			return struct{}{}, missingOrStale(ctx, tx, id, err)
		}
		if err := insertEvent(ctx, tx, evt); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return mapError(err, apperr.NotFound("document not found"))
}

// missingOrStale resolves a guarded write that matched no row: the document is
// either gone (NotFound) or at another revision (Conflict).
func missingOrStale(ctx context.Context, tx *sql.Tx, id string, err error) error {
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return apperr.Conflict("document revision is stale")
	}
	return apperr.NotFound("document not found")
}

func insertEvent(ctx context.Context, tx *sql.Tx, evt model.DomainEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	const q = `
		INSERT INTO outbox_events (event_id, event_type, document_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.ExecContext(ctx, q, evt.ID, string(evt.Type), evt.DocumentID, string(payload), evt.OccurredAt); err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}
	return nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func scanDocument(s scanner) (model.Document, error) {
	var (
		d    model.Document
		meta []byte
	)
	if err := s.Scan(
		&d.ID,
		&d.Owner,
		&d.Filename,
		&d.ContentType,
		&d.Size,
		&d.Checksum,
		&meta,
		&d.Revision,
		&d.StoragePath,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return model.Document{}, err
	}
	d.Metadata = map[string]string{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &d.Metadata); err != nil {
			return model.Document{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return d, nil
}
