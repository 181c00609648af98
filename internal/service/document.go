package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"dms/internal/apperr"
	"dms/internal/auth"
	"dms/internal/logging"
	"dms/internal/model"
	"dms/internal/repository"
	"dms/internal/retry"
	"dms/internal/storage"
)

const (
	DefaultMaxBytes    = 5 << 20
	DefaultAdminScope  = "dms.admin"
	DefaultLinkExpiry  = 15 * time.Minute
	MaxLinkExpiry      = 7 * 24 * time.Hour
	MaxMetadataEntries = 32
	maxFilenameLength  = 255
	defaultListLimit   = 10
	maxListLimit       = 100
	maxDeleteReloads   = 3
)

// CreateInput describes a new document. Content is read once, up to the size limit.
type CreateInput struct {
	Filename    string
	ContentType string
	Content     io.Reader
	Metadata    map[string]string
}

// UpdateInput replaces parts of a document at Revision. Empty Filename or
// ContentType, nil Content and nil Metadata keep the current values.
type UpdateInput struct {
	Revision    int64
	Filename    string
	ContentType string
	Content     io.Reader
	Metadata    map[string]string
}

// ListInput selects a page of documents. Owner is only honoured for admins;
// other callers always list their own documents.
type ListInput struct {
	Owner  string
	Limit  int
	Offset int
}

// DocumentListResult is the service-level DTO for paginated documents.
type DocumentListResult struct {
	Items []model.Document `json:"data"`
	Total int              `json:"total"`
}

// Link is a time-limited download URL.
type Link struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DocumentService defines the use cases for handling documents. Every method
// requires an auth.SecurityContext in ctx.
type DocumentService interface {
	// Create stores the content, then the document row and its created event.
	Create(ctx context.Context, in CreateInput) (*model.Document, error)

	// Get returns a single document by its ID.
	Get(ctx context.Context, id string) (*model.Document, error)

	// Open returns a document with a stream of its content. The caller closes it.
	Open(ctx context.Context, id string) (*model.Document, io.ReadCloser, error)

	// PresignContent returns a download link valid for expiry (0 means the default).
	PresignContent(ctx context.Context, id string, expiry time.Duration) (*Link, error)

	// List returns documents using limit/offset and a total count.
	List(ctx context.Context, in ListInput) (*DocumentListResult, error)

	// Update applies in when the stored revision equals in.Revision.
	Update(ctx context.Context, id string, in UpdateInput) (*model.Document, error)

	// Delete removes a document. revision 0 deletes whatever revision is stored.
	Delete(ctx context.Context, id string, revision int64) error
}

// Dispatcher publishes the pending events of a document.
type Dispatcher interface {
	Dispatch(ctx context.Context, documentID string) error
}

// documentService is a concrete implementation of DocumentService.
type documentService struct {
	store      storage.Storage
	repo       repository.DocumentRepository
	events     Dispatcher
	logger     *slog.Logger
	policy     retry.Policy
	maxBytes   int64
	adminScope string
	now        func() time.Time
}

// Option configures the document service.
type Option func(*documentService)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *documentService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRetryPolicy bounds retries of transient store failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *documentService) { s.policy = p }
}

// WithMaxBytes caps the content size.
func WithMaxBytes(n int64) Option {
	return func(s *documentService) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithAdminScope names the scope allowed to access every owner's documents.
func WithAdminScope(scope string) Option {
	return func(s *documentService) {
		if scope != "" {
			s.adminScope = scope
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *documentService) { s.now = now }
}

// NewDocumentService constructs a new DocumentService. events may be nil, in
// which case the outbox relay alone delivers events.
func NewDocumentService(store storage.Storage, repo repository.DocumentRepository, events Dispatcher, opts ...Option) DocumentService {
	s := &documentService{
		store:      store,
		repo:       repo,
		events:     events,
		logger:     slog.Default(),
		policy:     retry.DefaultPolicy(),
		maxBytes:   DefaultMaxBytes,
		adminScope: DefaultAdminScope,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "document_service")
	return s
}

func (s *documentService) Create(ctx context.Context, in CreateInput) (*model.Document, error) {
	sc, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	filename, err := validFilename(in.Filename)
	if err != nil {
		return nil, err
	}
	if err := validMetadata(in.Metadata); err != nil {
		return nil, err
	}
	if in.Content == nil {
		return nil, apperr.Validation("content is required")
	}
	data, err := s.readContent(in.Content)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, apperr.Validation("content is required")
	}

	now := s.timestamp()
	doc := &model.Document{
		ID:          uuid.NewString(),
		Owner:       sc.Name(),
		Filename:    filename,
		ContentType: contentTypeOr(in.ContentType, model.DefaultContentType),
		Metadata:    cloneMetadata(in.Metadata),
		Revision:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.putContent(ctx, doc, data); err != nil {
		return nil, err
	}

	evt := model.NewDomainEvent(model.EventDocumentCreated, doc, sc.Name(), now)
	attempt := 0
	stored, err := retry.Do(ctx, s.policy, func(ctx context.Context) (*model.Document, error) {
		attempt++
		d, err := s.repo.Create(ctx, doc, evt)
		// The ID is fresh, so a conflict after a failed attempt means that attempt committed.
		if attempt > 1 && errors.Is(err, apperr.ErrConflict) {
			return s.repo.FindByID(ctx, doc.ID)
		}
		return d, err
	}, s.notify(ctx, "create_document", doc.ID))
	if err != nil {
		found, ferr := s.settleFailedWrite(ctx, err, doc.ID, doc.StoragePath, func(found *model.Document) bool {
			return found.StoragePath == doc.StoragePath
		})
		if ferr != nil {
			return nil, ferr
		}
		stored = found
	}

	s.logger.InfoContext(ctx, "document_created", logging.DocumentID(stored.ID), "size", stored.Size)
	s.dispatch(ctx, stored.ID)
	return stored, nil
}

// Get returns a document by ID.
func (s *documentService) Get(ctx context.Context, id string) (*model.Document, error) {
	sc, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, sc, id)
}

func (s *documentService) Open(ctx context.Context, id string) (*model.Document, io.ReadCloser, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	type object struct {
		rc   io.ReadCloser
		info storage.ObjectInfo
	}
	obj, err := retry.Do(ctx, s.policy, func(ctx context.Context) (object, error) {
		rc, info, err := s.store.Get(ctx, doc.StoragePath)
		return object{rc: rc, info: info}, err
	}, s.notify(ctx, "open_document", id))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil, apperr.NotFound("document content not found")
		}
		return nil, nil, err
	}
	return doc, obj.rc, nil
}

func (s *documentService) PresignContent(ctx context.Context, id string, expiry time.Duration) (*Link, error) {
	switch {
	case expiry == 0:
		expiry = DefaultLinkExpiry
	case expiry < time.Second || expiry > MaxLinkExpiry:
		return nil, apperr.Validation("expiry must be between 1s and 168h")
	}

	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	u, err := retry.Do(ctx, s.policy, func(ctx context.Context) (string, error) {
		return s.store.PresignGet(ctx, doc.StoragePath, expiry)
	}, s.notify(ctx, "presign_document", id))
	if err != nil {
		return nil, err
	}
	return &Link{URL: u, ExpiresAt: s.now().UTC().Add(expiry)}, nil
}

// List returns paginated documents without exposing repository types.
func (s *documentService) List(ctx context.Context, in ListInput) (*DocumentListResult, error) {
	sc, err := principal(ctx)
	if err != nil {
		return nil, err
	}

	owner := sc.Name()
	if sc.HasScope(s.adminScope) {
		owner = in.Owner
	} else if in.Owner != "" && in.Owner != owner {
		return nil, apperr.Forbidden("cannot list documents of another owner")
	}

	limit, offset := in.Limit, in.Offset
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	q := repository.ListQuery{Owner: owner, PageQuery: repository.PageQuery{Limit: limit, Offset: offset}}
	res, err := retry.Do(ctx, s.policy, func(ctx context.Context) (*repository.PageResult[model.Document], error) {
		return s.repo.List(ctx, q)
	}, s.notify(ctx, "list_documents", ""))
	if err != nil {
		return nil, err
	}
	items := res.Items
	if items == nil {
		items = []model.Document{}
	}
	return &DocumentListResult{Items: items, Total: res.Total}, nil
}

func (s *documentService) Update(ctx context.Context, id string, in UpdateInput) (*model.Document, error) {
	sc, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	if in.Revision < 1 {
		return nil, apperr.Validation("revision is required")
	}
	if err := validMetadata(in.Metadata); err != nil {
		return nil, err
	}
	var data []byte
	if in.Content != nil {
		if data, err = s.readContent(in.Content); err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, apperr.Validation("content must not be empty")
		}
	}

	current, err := s.load(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	if current.Revision != in.Revision {
		return nil, apperr.Conflict("document revision is stale")
	}

	next := current.Clone()
	next.Revision = current.Revision + 1
	next.UpdatedAt = s.timestamp()
	if strings.TrimSpace(in.Filename) != "" {
		if next.Filename, err = validFilename(in.Filename); err != nil {
			return nil, err
		}
	}
	if in.ContentType != "" {
		next.ContentType = in.ContentType
	}
	if in.Metadata != nil {
		next.Metadata = cloneMetadata(in.Metadata)
	}
	if data != nil {
		if err := s.putContent(ctx, next, data); err != nil {
			return nil, err
		}
	}

	evt := model.NewDomainEvent(model.EventDocumentUpdated, next, sc.Name(), next.UpdatedAt)
	attempt := 0
	stored, err := retry.Do(ctx, s.policy, func(ctx context.Context) (*model.Document, error) {
		attempt++
		d, err := s.repo.Update(ctx, next, in.Revision, evt)
		if attempt > 1 && errors.Is(err, apperr.ErrConflict) {
			if found, ferr := s.repo.FindByID(ctx, id); ferr == nil && sameWrite(found, next) {
				return found, nil
			}
		}
		return d, err
	}, s.notify(ctx, "update_document", id))
	if err != nil {
		uploaded := ""
		if next.StoragePath != current.StoragePath {
			uploaded = next.StoragePath
		}
		found, ferr := s.settleFailedWrite(ctx, err, id, uploaded, func(found *model.Document) bool {
			return sameWrite(found, next)
		})
		if ferr != nil {
			return nil, ferr
		}
		stored = found
	}

	if stored.StoragePath != current.StoragePath {
		s.removeObject(ctx, current.StoragePath)
	}
	s.logger.InfoContext(ctx, "document_updated", logging.DocumentID(id), "revision", stored.Revision)
	s.dispatch(ctx, id)
	return stored, nil
}

// Delete removes the document row first, then its content. Revision 0 deletes
// whatever revision is current, reloading when a concurrent update wins.
func (s *documentService) Delete(ctx context.Context, id string, revision int64) error {
	sc, err := principal(ctx)
	if err != nil {
		return err
	}
	if revision < 0 {
		return apperr.Validation("revision must not be negative")
	}

	for reloads := 0; ; reloads++ {
		current, err := s.load(ctx, sc, id)
		if err != nil {
			return err
		}
		if revision > 0 && current.Revision != revision {
			return apperr.Conflict("document revision is stale")
		}

		err = s.deleteRow(ctx, sc, current)
		if revision == 0 && reloads < maxDeleteReloads && errors.Is(err, apperr.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}

		s.removeObject(ctx, current.StoragePath)
		s.logger.InfoContext(ctx, "document_deleted", logging.DocumentID(id), "revision", current.Revision)
		s.dispatch(ctx, id)
		return nil
	}
}

// deleteRow deletes current at its loaded revision so the event describes the
// row that was actually removed.
func (s *documentService) deleteRow(ctx context.Context, sc *auth.SecurityContext, current *model.Document) error {
	evt := model.NewDomainEvent(model.EventDocumentDeleted, current, sc.Name(), s.timestamp())
	attempt := 0
	return retry.Run(ctx, s.policy, func(ctx context.Context) error {
		attempt++
		err := s.repo.Delete(ctx, current.ID, current.Revision, evt)
		// The row existed when loaded; a miss on a retry means the earlier attempt committed.
		if attempt > 1 && errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}, s.notify(ctx, "delete_document", current.ID))
}

// load fetches id and enforces ownership.
func (s *documentService) load(ctx context.Context, sc *auth.SecurityContext, id string) (*model.Document, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.Validation("invalid document id")
	}
	doc, err := retry.Do(ctx, s.policy, func(ctx context.Context) (*model.Document, error) {
		return s.repo.FindByID(ctx, id)
	}, s.notify(ctx, "find_document", id))
	if err != nil {
		return nil, err
	}
	if doc.Owner != sc.Name() && !sc.HasScope(s.adminScope) {
		return nil, apperr.Forbidden("document belongs to another owner")
	}
	return doc, nil
}

// putContent uploads data under a key unique to this write and records its
// location, size and checksum on doc.
func (s *documentService) putContent(ctx context.Context, doc *model.Document, data []byte) error {
	key := objectKey(doc.ID, doc.Revision, doc.Filename)
	sum := sha256.Sum256(data)
	info, err := retry.Do(ctx, s.policy, func(ctx context.Context) (storage.ObjectInfo, error) {
		return s.store.Put(ctx, key, bytes.NewReader(data), storage.PutObjectOptions{
			Size:        int64(len(data)),
			ContentType: doc.ContentType,
			Metadata: map[string]string{
				"original-filename": doc.Filename,
				"document-id":       doc.ID,
			},
		})
	}, s.notify(ctx, "put_content", doc.ID))
	if err != nil {
		return err
	}

	doc.StoragePath = info.Key
	doc.Size = int64(len(data))
	doc.Checksum = hex.EncodeToString(sum[:])
	return nil
}

// settleFailedWrite resolves a row write that returned writeErr after uploaded
// was stored. A transient failure or cancellation may hide a commit, so the row is
// re-read: committed reports whether it carries this write, in which case it is
// returned as the result. uploaded is removed only once no row can reference it;
// when the row cannot be read the object is kept and logged for reconciliation.
func (s *documentService) settleFailedWrite(ctx context.Context, writeErr error, id, uploaded string, committed func(*model.Document) bool) (*model.Document, error) {
	if !apperr.IsTransient(writeErr) && ctx.Err() == nil {
		s.removeObject(ctx, uploaded)
		return nil, writeErr
	}

	found, err := s.repo.FindByID(context.WithoutCancel(ctx), id)
	switch {
	case err == nil && committed(found):
		s.logger.InfoContext(ctx, "write_committed_after_error", logging.DocumentID(id), logging.Error(writeErr))
		return found, nil
	case err == nil || errors.Is(err, apperr.ErrNotFound):
		s.removeObject(ctx, uploaded)
	case uploaded != "":
		s.logger.WarnContext(ctx, "object_retained", logging.DocumentID(id), "key", uploaded,
			"detail", "write outcome unknown", logging.Error(err))
	}
	return nil, writeErr
}

// removeObject deletes content that no row references any more. Failure leaves
// an orphaned object, which is logged and not returned.
func (s *documentService) removeObject(ctx context.Context, key string) {
	if key == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := retry.Run(ctx, s.policy, func(ctx context.Context) error {
		return s.store.Delete(ctx, key)
	}); err != nil {
		s.logger.WarnContext(ctx, "object_cleanup_failed", "key", key, logging.Error(err))
	}
}

// dispatch publishes the events a mutation just committed. A failure does not
// fail the request: the event is durable in the outbox and the relay retries it.
func (s *documentService) dispatch(ctx context.Context, id string) {
	if s.events == nil {
		return
	}
	if err := s.events.Dispatch(context.WithoutCancel(ctx), id); err != nil {
		s.logger.WarnContext(ctx, "event_dispatch_deferred", logging.DocumentID(id), logging.Error(err))
	}
}

func (s *documentService) readContent(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return nil, apperr.Validation("cannot read content")
	}
	if int64(len(data)) > s.maxBytes {
		return nil, apperr.TooLarge("content exceeds %d bytes", s.maxBytes)
	}
	return data, nil
}

func (s *documentService) notify(ctx context.Context, op, id string) retry.Notify {
	return func(err error, wait time.Duration) {
		s.logger.WarnContext(ctx, "store_retry", "op", op, logging.DocumentID(id),
			logging.Error(err), "retry_in_ms", wait.Milliseconds())
	}
}

// timestamp is truncated to the database's microsecond precision so stored and
// returned values compare equal.
func (s *documentService) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func principal(ctx context.Context) (*auth.SecurityContext, error) {
	sc, ok := auth.FromContext(ctx)
	if !ok || sc.Subject == "" {
		return nil, apperr.Unauthenticated(nil, "authentication required")
	}
	return sc, nil
}

func validFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", apperr.Validation("filename is required")
	case utf8.RuneCountInString(name) > maxFilenameLength:
		return "", apperr.Validation("filename is too long")
	case strings.ContainsAny(name, "/\\\x00"):
		return "", apperr.Validation("filename must not contain path separators")
	}
	return name, nil
}

func validMetadata(m map[string]string) error {
	if len(m) > MaxMetadataEntries {
		return apperr.Validation("at most 32 metadata entries are allowed")
	}
	for k := range m {
		if strings.TrimSpace(k) == "" {
			return apperr.Validation("metadata keys must not be empty")
		}
	}
	return nil
}

func cloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func contentTypeOr(ct, fallback string) string {
	if ct = strings.TrimSpace(ct); ct != "" {
		return ct
	}
	return fallback
}

// objectKey is documents/<id>/<revision>-<uuid><ext>. The random part keeps
// concurrent writers of the same revision from overwriting each other's upload.
func objectKey(id string, revision int64, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if len(ext) > 16 || strings.ContainsFunc(ext[min(1, len(ext)):], func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		ext = ""
	}
	return path.Join("documents", id, strconv.FormatInt(revision, 10)+"-"+uuid.NewString()+ext)
}

// sameWrite reports whether found is the row next was written as.
func sameWrite(found, next *model.Document) bool {
	return found.Revision == next.Revision &&
		found.StoragePath == next.StoragePath &&
		found.UpdatedAt.Equal(next.UpdatedAt)
}
