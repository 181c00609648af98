package handler

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dms/internal/auth"
	"dms/internal/http/middleware"
	"dms/internal/ratelimit"
	"dms/internal/service"
)

// Deps are the collaborators the HTTP routes need.
type Deps struct {
	Documents  service.DocumentService
	Verifier   auth.TokenVerifier
	Limiter    ratelimit.Limiter // nil disables rate limiting
	RateWindow time.Duration
	Checks     map[string]Pinger   // dependencies reported by /health
	Gatherer   prometheus.Gatherer // nil disables /metrics
	ReadScope  string
	WriteScope string
	Logger     *slog.Logger
}

// RegisterRoutes attaches HTTP routes to the provided Fiber app. Document routes
// require a bearer token with the read or write scope.
func RegisterRoutes(app *fiber.App, d Deps) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	app.Get("/health", HealthCheck(d.Checks, d.Logger))
	// Backward-compatible simple liveness probe
	app.Get("/healthz", LivenessProbe())
	if d.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	guards := []fiber.Handler{middleware.Authenticate(d.Verifier)}
	if d.Limiter != nil {
		guards = append(guards, middleware.RateLimit(d.Limiter, d.RateWindow, d.Logger))
	}
	docs := app.Group("/v1/documents", guards...)

	read := middleware.RequireScope(d.ReadScope)
	write := middleware.RequireScope(d.WriteScope)

	docs.Get("/", read, ListDocuments(d.Documents))
	docs.Post("/", write, CreateDocument(d.Documents))
	docs.Get("/:id", read, GetDocument(d.Documents))
	docs.Get("/:id/content", read, GetDocumentContent(d.Documents))
	docs.Get("/:id/link", read, GetDocumentLink(d.Documents))
	docs.Put("/:id", write, UpdateDocument(d.Documents))
	docs.Delete("/:id", write, DeleteDocument(d.Documents))
}
