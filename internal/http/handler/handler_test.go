package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dms/internal/apperr"
	"dms/internal/auth/authtest"
	"dms/internal/logging"
	"dms/internal/messaging"
	"dms/internal/model"
	"dms/internal/outbox"
	"dms/internal/repository/memory"
	"dms/internal/service"
	serviceMocks "dms/internal/service/mocks"
	"dms/internal/storage"
)

func newTestApp() *fiber.App {
	return fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logging.Discard())})
}

func decodeError(t *testing.T, resp *http.Response) errorPayload {
	t.Helper()
	var body errorPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func multipartBody(t *testing.T, filename, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func readContent(r io.Reader) string {
	if r == nil {
		return ""
	}
	b, _ := io.ReadAll(r)
	return string(b)
}

func TestHealthCheck(t *testing.T) {
	db, dbMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	app := newTestApp()
	app.Get("/health", HealthCheck(map[string]Pinger{"database": PingFunc(db.PingContext)}, logging.Discard()))

	t.Run("healthy", func(t *testing.T) {
		dbMock.ExpectPing().WillReturnError(nil)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]string
		json.NewDecoder(resp.Body).Decode(&body)
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("unhealthy", func(t *testing.T) {
		dbMock.ExpectPing().WillReturnError(errors.New("db error"))

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "SERVICE_UNAVAILABLE", decodeError(t, resp).Error.Code)
	})
}

func TestLivenessProbe(t *testing.T) {
	app := fiber.New()
	app.Get("/healthz", LivenessProbe())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp, _ := app.Test(req)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListDocuments(t *testing.T) {
	mockSvc := new(serviceMocks.MockDocumentService)
	app := newTestApp()
	app.Get("/v1/documents", ListDocuments(mockSvc))

	t.Run("success", func(t *testing.T) {
		expectedRes := &service.DocumentListResult{
			Items: []model.Document{{ID: uuid.New().String(), Filename: "test.pdf"}},
			Total: 1,
		}
		mockSvc.On("List", mock.Anything, service.ListInput{Owner: "bob", Limit: 5, Offset: 10}).Return(expectedRes, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/v1/documents?limit=5&offset=10&owner=bob", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var result service.DocumentListResult
		json.NewDecoder(resp.Body).Decode(&result)
		assert.Len(t, result.Items, 1)
		assert.Equal(t, 1, result.Total)
		mockSvc.AssertExpectations(t)
	})

	t.Run("invalid limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/documents?limit=abc", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decodeError(t, resp)
		assert.Equal(t, apperr.CodeValidation, body.Error.Code)
		assert.Equal(t, "invalid limit", body.Error.Message)
	})

	t.Run("service error", func(t *testing.T) {
		mockSvc.On("List", mock.Anything, service.ListInput{Limit: 10}).Return(nil, errors.New("service error")).Once()

		req := httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		body := decodeError(t, resp)
		assert.Equal(t, apperr.CodeInternal, body.Error.Code)
		assert.NotContains(t, body.Error.Message, "service error")
		mockSvc.AssertExpectations(t)
	})
}

func TestCreateDocument(t *testing.T) {
	mockSvc := new(serviceMocks.MockDocumentService)
	app := newTestApp()
	app.Post("/v1/documents", CreateDocument(mockSvc))

	t.Run("multipart", func(t *testing.T) {
		body, ct := multipartBody(t, "test.txt", "hello world", map[string]string{"metadata": `{"project":"apollo"}`})

		expectedDoc := &model.Document{ID: uuid.New().String(), Filename: "test.txt", Revision: 1}
		mockSvc.On("Create", mock.Anything, mock.MatchedBy(func(in service.CreateInput) bool {
			return in.Filename == "test.txt" &&
				in.ContentType == "application/octet-stream" &&
				in.Metadata["project"] == "apollo"
		})).Run(func(args mock.Arguments) {
			assert.Equal(t, "hello world", readContent(args.Get(1).(service.CreateInput).Content))
		}).Return(expectedDoc, nil).Once()

		req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
		req.Header.Set("Content-Type", ct)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, "/v1/documents/"+expectedDoc.ID, resp.Header.Get("Location"))
		assert.Equal(t, `"1"`, resp.Header.Get("ETag"))

		var result model.Document
		json.NewDecoder(resp.Body).Decode(&result)
		assert.Equal(t, expectedDoc.ID, result.ID)
		mockSvc.AssertExpectations(t)
	})

	t.Run("json base64", func(t *testing.T) {
		expectedDoc := &model.Document{ID: uuid.New().String(), Filename: "a.bin"}
		mockSvc.On("Create", mock.Anything, mock.MatchedBy(func(in service.CreateInput) bool {
			return in.Filename == "a.bin"
		})).Run(func(args mock.Arguments) {
			assert.Equal(t, "hi", readContent(args.Get(1).(service.CreateInput).Content))
		}).Return(expectedDoc, nil).Once()

		req := httptest.NewRequest(http.MethodPost, "/v1/documents",
			strings.NewReader(`{"filename":"a.bin","content":"aGk=","encoding":"base64"}`))
		req.Header.Set("Content-Type", "application/json")
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		mockSvc.AssertExpectations(t)
	})

	badRequests := []struct {
		name        string
		contentType string
		body        string
		message     string
	}{
		{name: "no file", contentType: "multipart/form-data; boundary=x", body: "--x--\r\n", message: "file is required"},
		{name: "no content type", body: "raw", message: "expected multipart/form-data or application/json"},
		{name: "malformed json", contentType: "application/json", body: "{", message: "malformed JSON body"},
		{name: "bad base64", contentType: "application/json", body: `{"filename":"a","content":"%%","encoding":"base64"}`, message: "content is not valid base64"},
	}
	for _, tc := range badRequests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/documents", strings.NewReader(tc.body))
			if tc.contentType != "" {
				req.Header.Set("Content-Type", tc.contentType)
			}
			resp, _ := app.Test(req)

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decodeError(t, resp)
			assert.Equal(t, apperr.CodeValidation, body.Error.Code)
			assert.Equal(t, tc.message, body.Error.Message)
		})
	}

	t.Run("service errors keep their status", func(t *testing.T) {
		tests := []struct {
			err    error
			status int
			code   string
		}{
			{err: apperr.TooLarge("content exceeds 5 bytes"), status: http.StatusRequestEntityTooLarge, code: apperr.CodeTooLarge},
			{err: apperr.Transient(errors.New("minio down")), status: http.StatusServiceUnavailable, code: apperr.CodeUnavailable},
			{err: apperr.Unauthenticated(nil, "authentication required"), status: http.StatusUnauthorized, code: apperr.CodeUnauthenticated},
		}
		for _, tc := range tests {
			mockSvc.On("Create", mock.Anything, mock.Anything).Return(nil, tc.err).Once()

			req := httptest.NewRequest(http.MethodPost, "/v1/documents", strings.NewReader(`{"filename":"a","content":"x"}`))
			req.Header.Set("Content-Type", "application/json")
			resp, _ := app.Test(req)

			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.code, decodeError(t, resp).Error.Code)
			switch tc.status {
			case http.StatusServiceUnavailable:
				assert.NotEmpty(t, resp.Header.Get("Retry-After"))
			case http.StatusUnauthorized:
				assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
			}
		}
		mockSvc.AssertExpectations(t)
	})
}

func TestGetDocument(t *testing.T) {
	mockSvc := new(serviceMocks.MockDocumentService)
	app := newTestApp()
	app.Get("/v1/documents/:id", GetDocument(mockSvc))

	t.Run("success", func(t *testing.T) {
		id := uuid.New().String()
		expectedDoc := &model.Document{ID: id, Filename: "test.txt", Revision: 3, StoragePath: "documents/secret"}
		mockSvc.On("Get", mock.Anything, id).Return(expectedDoc, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/v1/documents/"+id, nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, `"3"`, resp.Header.Get("ETag"))

		raw, _ := io.ReadAll(resp.Body)
		assert.NotContains(t, string(raw), "documents/secret")
		var result model.Document
		require.NoError(t, json.Unmarshal(raw, &result))
		assert.Equal(t, id, result.ID)
		mockSvc.AssertExpectations(t)
	})

	t.Run("not modified", func(t *testing.T) {
		id := uuid.New().String()
		mockSvc.On("Get", mock.Anything, id).Return(&model.Document{ID: id, Revision: 2}, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/v1/documents/"+id, nil)
		req.Header.Set("If-None-Match", `"2"`)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	})

	t.Run("not found", func(t *testing.T) {
		id := uuid.New().String()
		mockSvc.On("Get", mock.Anything, id).Return(nil, apperr.NotFound("document not found")).Once()

		req := httptest.NewRequest(http.MethodGet, "/v1/documents/"+id, nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "NOT_FOUND", decodeError(t, resp).Error.Code)
		mockSvc.AssertExpectations(t)
	})

	t.Run("forbidden", func(t *testing.T) {
		id := uuid.New().String()
		mockSvc.On("Get", mock.Anything, id).Return(nil, apperr.Forbidden("document belongs to another owner")).Once()

		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/v1/documents/"+id, nil))

		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, apperr.CodeForbidden, decodeError(t, resp).Error.Code)
	})

	t.Run("invalid id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/documents/invalid-uuid", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decodeError(t, resp)
		assert.Equal(t, apperr.CodeValidation, body.Error.Code)
		assert.Equal(t, "invalid id format", body.Error.Message)
	})

	t.Run("content when json is not acceptable", func(t *testing.T) {
		id := uuid.New().String()
		doc := &model.Document{ID: id, Filename: "notes.txt", ContentType: "text/plain", Size: 5, Revision: 4}
		mockSvc.On("Open", mock.Anything, id).Return(doc, io.NopCloser(strings.NewReader("hello")), nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/v1/documents/"+id, nil)
		req.Header.Set("Accept", "text/plain")
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
		assert.Equal(t, `"4"`, resp.Header.Get("ETag"))
		assert.Contains(t, resp.Header.Get("Vary"), "Accept")
		raw, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "hello", string(raw))
		mockSvc.AssertExpectations(t)
	})

	t.Run("metadata when json is among the accepted types", func(t *testing.T) {
		id := uuid.New().String()
		mockSvc.On("Get", mock.Anything, id).Return(&model.Document{ID: id, Revision: 1}, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/v1/documents/"+id, nil)
		req.Header.Set("Accept", "text/html, application/json;q=0.9, */*;q=0.1")
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
		mockSvc.AssertExpectations(t)
	})
}

func TestGetDocumentContent(t *testing.T) {
	mockSvc := new(serviceMocks.MockDocumentService)
	app := newTestApp()
	app.Get("/v1/documents/:id/content", GetDocumentContent(mockSvc))

	id := uuid.New().String()
	doc := &model.Document{ID: id, Filename: "q1 report.pdf", ContentType: "application/pdf", Size: 4, Revision: 1}
	mockSvc.On("Open", mock.Anything, id).Return(doc, io.NopCloser(strings.NewReader("%PDF")), nil).Once()

	resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/v1/documents/"+id+"/content", nil))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="q1 report.pdf"`, resp.Header.Get("Content-Disposition"))
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "%PDF", string(raw))
	mockSvc.AssertExpectations(t)
}

func TestGetDocumentLink(t *testing.T) {
	mockSvc := new(serviceMocks.MockDocumentService)
	app := newTestApp()
	app.Get("/v1/documents/:id/link", GetDocumentLink(mockSvc))

	id := uuid.New().String()
	expires := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	mockSvc.On("PresignContent", mock.Anything, id, 10*time.Minute).
		Return(&service.Link{URL: "https://minio/x", ExpiresAt: expires}, nil).Once()

	resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/v1/documents/"+id+"/link?expires_in=600", nil))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var link service.Link
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&link))
	assert.Equal(t, "https://minio/x", link.URL)
	assert.True(t, expires.Equal(link.ExpiresAt))

	resp, _ = app.Test(httptest.NewRequest(http.MethodGet, "/v1/documents/"+id+"/link?expires_in=-1", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	mockSvc.AssertExpectations(t)
}

func TestUpdateDocument(t *testing.T) {
	mockSvc := new(serviceMocks.MockDocumentService)
	app := newTestApp()
	app.Put("/v1/documents/:id", UpdateDocument(mockSvc))
	id := uuid.New().String()

	t.Run("revision from If-Match", func(t *testing.T) {
		mockSvc.On("Update", mock.Anything, id, mock.MatchedBy(func(in service.UpdateInput) bool {
			return in.Revision == 4 && in.Content == nil && in.Metadata["k"] == "v"
		})).Return(&model.Document{ID: id, Revision: 5}, nil).Once()

		req := httptest.NewRequest(http.MethodPut, "/v1/documents/"+id, strings.NewReader(`{"metadata":{"k":"v"}}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("If-Match", `W/"4"`)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, `"5"`, resp.Header.Get("ETag"))
	})

	t.Run("multipart with revision field", func(t *testing.T) {
		body, ct := multipartBody(t, "v2.txt", "B", map[string]string{"revision": "2"})
		mockSvc.On("Update", mock.Anything, id, mock.MatchedBy(func(in service.UpdateInput) bool {
			return in.Revision == 2 && in.Filename == "v2.txt" && in.Content != nil
		})).Run(func(args mock.Arguments) {
			assert.Equal(t, "B", readContent(args.Get(2).(service.UpdateInput).Content))
		}).Return(&model.Document{ID: id, Revision: 3}, nil).Once()

		req := httptest.NewRequest(http.MethodPut, "/v1/documents/"+id, body)
		req.Header.Set("Content-Type", ct)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("stale revision", func(t *testing.T) {
		mockSvc.On("Update", mock.Anything, id, mock.Anything).Return(nil, apperr.Conflict("document revision is stale")).Once()

		req := httptest.NewRequest(http.MethodPut, "/v1/documents/"+id, strings.NewReader(`{"revision":1}`))
		req.Header.Set("Content-Type", "application/json")
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, apperr.CodeConflict, decodeError(t, resp).Error.Code)
	})

	validation := []struct {
		name    string
		body    string
		ifMatch string
		message string
	}{
		{name: "missing revision", body: `{"filename":"x"}`, message: "revision is required"},
		{name: "mismatched revisions", body: `{"revision":2}`, ifMatch: `"3"`, message: "If-Match does not match the body revision"},
		{name: "bad If-Match", body: `{}`, ifMatch: `"abc"`, message: "invalid If-Match revision"},
	}
	for _, tc := range validation {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/v1/documents/"+id, strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			if tc.ifMatch != "" {
				req.Header.Set("If-Match", tc.ifMatch)
			}
			resp, _ := app.Test(req)

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tc.message, decodeError(t, resp).Error.Message)
		})
	}
	mockSvc.AssertExpectations(t)
}

func TestDeleteDocument(t *testing.T) {
	mockSvc := new(serviceMocks.MockDocumentService)
	app := newTestApp()
	app.Delete("/v1/documents/:id", DeleteDocument(mockSvc))

	t.Run("unconditional", func(t *testing.T) {
		id := uuid.New().String()
		mockSvc.On("Delete", mock.Anything, id, int64(0)).Return(nil).Once()

		req := httptest.NewRequest(http.MethodDelete, "/v1/documents/"+id, nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		mockSvc.AssertExpectations(t)
	})

	t.Run("query revision", func(t *testing.T) {
		id := uuid.New().String()
		mockSvc.On("Delete", mock.Anything, id, int64(3)).Return(nil).Once()

		resp, _ := app.Test(httptest.NewRequest(http.MethodDelete, "/v1/documents/"+id+"?revision=3", nil))

		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		mockSvc.AssertExpectations(t)
	})

	t.Run("not found", func(t *testing.T) {
		id := uuid.New().String()
		mockSvc.On("Delete", mock.Anything, id, int64(2)).Return(apperr.NotFound("document not found")).Once()

		req := httptest.NewRequest(http.MethodDelete, "/v1/documents/"+id, nil)
		req.Header.Set("If-Match", `"2"`)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "NOT_FOUND", decodeError(t, resp).Error.Code)
		mockSvc.AssertExpectations(t)
	})

	t.Run("invalid revision", func(t *testing.T) {
		resp, _ := app.Test(httptest.NewRequest(http.MethodDelete, "/v1/documents/"+uuid.New().String()+"?revision=x", nil))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestRouting(t *testing.T) {
	app := newTestApp()

	mockSvc := new(serviceMocks.MockDocumentService)
	issuer := authtest.NewIssuer()
	RegisterRoutes(app, Deps{
		Documents:  mockSvc,
		Verifier:   issuer.Verifier(),
		Gatherer:   prometheus.NewRegistry(),
		ReadScope:  "dms.read",
		WriteScope: "dms.write",
		Logger:     logging.Discard(),
	})

	t.Run("not found route", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/non-existent", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "NOT_FOUND", decodeError(t, resp).Error.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		// Liveness endpoint only allows GET
		req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
		resp, _ := app.Test(req)

		// Fiber returns 405 by default if route exists but method doesn't match
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		assert.Equal(t, "METHOD_NOT_ALLOWED", decodeError(t, resp).Error.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("documents require a token and the service is never called", func(t *testing.T) {
		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/v1/documents", nil))

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, `Bearer realm="dms"`, resp.Header.Get("WWW-Authenticate"))
		assert.Equal(t, apperr.CodeUnauthenticated, decodeError(t, resp).Error.Code)
		mockSvc.AssertNotCalled(t, "List", mock.Anything, mock.Anything)
	})

	t.Run("write scope is enforced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/v1/documents/"+uuid.New().String(), nil)
		req.Header.Set("Authorization", "Bearer "+issuer.Token("alice", "dms.read"))
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		mockSvc.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestDocumentLifecycle(t *testing.T) {
	store := memory.NewStore()
	objects := storage.NewMemory()
	rec := messaging.NewRecorder()
	relay := outbox.NewRelay(store, rec, outbox.WithLogger(logging.Discard()))
	svc := service.NewDocumentService(objects, store, relay, service.WithLogger(logging.Discard()))
	issuer := authtest.NewIssuer()

	app := newTestApp()
	RegisterRoutes(app, Deps{
		Documents:  svc,
		Verifier:   issuer.Verifier(),
		ReadScope:  "dms.read",
		WriteScope: "dms.write",
		Logger:     logging.Discard(),
	})
	token := "Bearer " + issuer.Token("alice", "dms.read", "dms.write")

	do := func(method, target, contentType string, body io.Reader, headers ...string) *http.Response {
		t.Helper()
		req := httptest.NewRequest(method, target, body)
		req.Header.Set("Authorization", token)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for i := 0; i+1 < len(headers); i += 2 {
			req.Header.Set(headers[i], headers[i+1])
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp
	}

	body, ct := multipartBody(t, "a.txt", "A", nil)
	resp := do(http.MethodPost, "/v1/documents", ct, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created model.Document
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "alice", created.Owner)
	assert.Equal(t, int64(1), created.Revision)

	resp = do(http.MethodGet, "/v1/documents/"+created.ID+"/content", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "A", string(raw))

	resp = do(http.MethodPut, "/v1/documents/"+created.ID, "application/json",
		strings.NewReader(`{"content":"B"}`), "If-Match", `"7"`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(http.MethodPut, "/v1/documents/"+created.ID, "application/json",
		strings.NewReader(`{"content":"B"}`), "If-Match", `"1"`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `"2"`, resp.Header.Get("ETag"))

	resp = do(http.MethodGet, "/v1/documents", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page service.DocumentListResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Equal(t, 1, page.Total)

	var types []model.EventType
	for _, evt := range rec.Events() {
		if evt.DocumentID == created.ID {
			types = append(types, evt.Type)
		}
	}
	assert.Equal(t, []model.EventType{model.EventDocumentCreated, model.EventDocumentUpdated}, types)

	other := httptest.NewRequest(http.MethodGet, "/v1/documents/"+created.ID, nil)
	other.Header.Set("Authorization", "Bearer "+issuer.Token("mallory", "dms.read"))
	resp, err := app.Test(other)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
