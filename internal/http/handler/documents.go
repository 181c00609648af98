package handler

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"dms/internal/apperr"
	"dms/internal/model"
	"dms/internal/service"
)

// documentBody is the JSON form of a create or update request. Content is
// plain text unless Encoding is "base64".
type documentBody struct {
	Revision    int64             `json:"revision"`
	Filename    string            `json:"filename"`
	ContentType string            `json:"content_type"`
	Content     *string           `json:"content"`
	Encoding    string            `json:"encoding"`
	Metadata    map[string]string `json:"metadata"`
}

// documentForm is a parsed create or update request.
type documentForm struct {
	revision    int64
	filename    string
	contentType string
	content     io.Reader
	metadata    map[string]string
	closer      io.Closer
}

func (f *documentForm) close() {
	if f.closer != nil {
		_ = f.closer.Close()
	}
}

// ListDocuments handles GET /v1/documents?limit&offset&owner.
func ListDocuments(svc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit, err := strconv.Atoi(c.Query("limit", "10"))
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, apperr.CodeValidation, "invalid limit")
		}
		offset, err := strconv.Atoi(c.Query("offset", "0"))
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, apperr.CodeValidation, "invalid offset")
		}

		res, err := svc.List(c.UserContext(), service.ListInput{
			Owner:  c.Query("owner"),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

// CreateDocument handles POST /v1/documents, either multipart/form-data (field
// "file", optional "metadata" JSON) or a JSON documentBody.
func CreateDocument(svc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		form, err := parseDocument(c, true)
		if err != nil {
			return err
		}
		defer form.close()

		doc, err := svc.Create(c.UserContext(), service.CreateInput{
			Filename:    form.filename,
			ContentType: form.contentType,
			Content:     form.content,
			Metadata:    form.metadata,
		})
		if err != nil {
			return err
		}

		c.Location("/v1/documents/" + doc.ID)
		c.Set(fiber.HeaderETag, etag(doc))
		return c.Status(fiber.StatusCreated).JSON(doc)
	}
}

// GetDocument handles GET /v1/documents/:id. The metadata is returned as JSON
// unless the Accept header excludes application/json, in which case the content
// is streamed as from /content.
func GetDocument(svc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := documentID(c)
		if err != nil {
			return err
		}
		c.Vary(fiber.HeaderAccept)
		if c.Get(fiber.HeaderAccept) != "" && c.Accepts(fiber.MIMEApplicationJSON) == "" {
			return sendContent(c, svc, id)
		}

		doc, err := svc.Get(c.UserContext(), id)
		if err != nil {
			return err
		}

		tag := etag(doc)
		c.Set(fiber.HeaderETag, tag)
		if c.Get(fiber.HeaderIfNoneMatch) == tag {
			return c.SendStatus(fiber.StatusNotModified)
		}
		return c.JSON(doc)
	}
}

// GetDocumentContent handles GET /v1/documents/:id/content.
func GetDocumentContent(svc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := documentID(c)
		if err != nil {
			return err
		}
		return sendContent(c, svc, id)
	}
}

func sendContent(c *fiber.Ctx, svc service.DocumentService, id string) error {
	doc, rc, err := svc.Open(c.UserContext(), id)
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, doc.ContentType)
	c.Set(fiber.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": doc.Filename}))
	c.Set(fiber.HeaderETag, etag(doc))
	// fasthttp closes rc once the body is written.
	return c.Status(fiber.StatusOK).SendStream(rc, int(doc.Size))
}

// GetDocumentLink handles GET /v1/documents/:id/link?expires_in=<seconds>.
func GetDocumentLink(svc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := documentID(c)
		if err != nil {
			return err
		}
		secs, err := strconv.Atoi(c.Query("expires_in", "0"))
		if err != nil || secs < 0 {
			return writeError(c, fiber.StatusBadRequest, apperr.CodeValidation, "invalid expires_in")
		}

		link, err := svc.PresignContent(c.UserContext(), id, time.Duration(secs)*time.Second)
		if err != nil {
			return err
		}
		return c.JSON(link)
	}
}

// UpdateDocument handles PUT /v1/documents/:id. The expected revision comes from
// the body or from If-Match.
func UpdateDocument(svc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := documentID(c)
		if err != nil {
			return err
		}
		form, err := parseDocument(c, false)
		if err != nil {
			return err
		}
		defer form.close()

		revision, err := expectedRevision(c, form.revision)
		if err != nil {
			return err
		}
		if revision == 0 {
			return apperr.Validation("revision is required")
		}

		doc, err := svc.Update(c.UserContext(), id, service.UpdateInput{
			Revision:    revision,
			Filename:    form.filename,
			ContentType: form.contentType,
			Content:     form.content,
			Metadata:    form.metadata,
		})
		if err != nil {
			return err
		}
		c.Set(fiber.HeaderETag, etag(doc))
		return c.JSON(doc)
	}
}

// DeleteDocument handles DELETE /v1/documents/:id with an optional If-Match or
// ?revision= guard.
func DeleteDocument(svc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := documentID(c)
		if err != nil {
			return err
		}
		var query int64
		if q := c.Query("revision"); q != "" {
			if query, err = strconv.ParseInt(q, 10, 64); err != nil || query < 1 {
				return apperr.Validation("invalid revision")
			}
		}
		revision, err := expectedRevision(c, query)
		if err != nil {
			return err
		}

		if err := svc.Delete(c.UserContext(), id, revision); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func documentID(c *fiber.Ctx) (string, error) {
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return "", apperr.Validation("invalid id format")
	}
	return id, nil
}

func etag(doc *model.Document) string {
	return `"` + strconv.FormatInt(doc.Revision, 10) + `"`
}

// expectedRevision reconciles a revision from the request body or query with
// If-Match. Zero means none was given.
func expectedRevision(c *fiber.Ctx, fromBody int64) (int64, error) {
	header := strings.TrimSpace(c.Get(fiber.HeaderIfMatch))
	if header == "" || header == "*" {
		return fromBody, nil
	}
	header = strings.Trim(strings.TrimPrefix(header, "W/"), `"`)
	rev, err := strconv.ParseInt(header, 10, 64)
	if err != nil || rev < 1 {
		return 0, apperr.Validation("invalid If-Match revision")
	}
	if fromBody != 0 && fromBody != rev {
		return 0, apperr.Validation("If-Match does not match the body revision")
	}
	return rev, nil
}

func parseDocument(c *fiber.Ctx, create bool) (*documentForm, error) {
	ct := strings.ToLower(c.Get(fiber.HeaderContentType))
	switch {
	case strings.HasPrefix(ct, fiber.MIMEMultipartForm):
		return parseMultipart(c, create)
	case strings.HasPrefix(ct, fiber.MIMEApplicationJSON):
		return parseJSON(c)
	case !create && len(c.Body()) == 0:
		return &documentForm{}, nil
	default:
		return nil, apperr.Validation("expected multipart/form-data or application/json")
	}
}

func parseMultipart(c *fiber.Ctx, create bool) (*documentForm, error) {
	form := &documentForm{
		filename:    c.FormValue("filename"),
		contentType: c.FormValue("content_type"),
	}
	if raw := c.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &form.metadata); err != nil {
			return nil, apperr.Validation("metadata must be a JSON object of strings")
		}
	}
	if raw := c.FormValue("revision"); raw != "" {
		rev, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || rev < 1 {
			return nil, apperr.Validation("invalid revision")
		}
		form.revision = rev
	}

	fh, err := c.FormFile("file")
	switch {
	case err == nil:
		if err := attachFile(form, fh); err != nil {
			return nil, err
		}
	case create:
		return nil, apperr.Validation("file is required")
	}
	return form, nil
}

func attachFile(form *documentForm, fh *multipart.FileHeader) error {
	f, err := fh.Open()
	if err != nil {
		return apperr.Validation("cannot open uploaded file")
	}
	form.content = f
	form.closer = f
	if form.filename == "" {
		form.filename = fh.Filename
	}
	if form.contentType == "" {
		form.contentType = fh.Header.Get(fiber.HeaderContentType)
	}
	return nil
}

func parseJSON(c *fiber.Ctx) (*documentForm, error) {
	var body documentBody
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return nil, apperr.Validation("malformed JSON body")
	}
	if body.Revision < 0 {
		return nil, apperr.Validation("invalid revision")
	}

	form := &documentForm{
		revision:    body.Revision,
		filename:    body.Filename,
		contentType: body.ContentType,
		metadata:    body.Metadata,
	}
	if body.Content == nil {
		return form, nil
	}
	switch strings.ToLower(body.Encoding) {
	case "", "utf-8", "text":
		form.content = strings.NewReader(*body.Content)
	case "base64":
		data, err := base64.StdEncoding.DecodeString(*body.Content)
		if err != nil {
			return nil, apperr.Validation("content is not valid base64")
		}
		form.content = bytes.NewReader(data)
	default:
		return nil, apperr.Validation("unsupported content encoding")
	}
	return form, nil
}
