// Package api is the HTTP and WebSocket surface of the control plane.
//
// The REST half accepts generation requests, reports job status, and serves
// deletions; the WebSocket half upgrades live-session connections and hands
// them to the mediator. A separate callback endpoint lets the render worker
// push video artifacts back without polling.
//
// Routing is chi; cross-cutting concerns are middleware, applied outermost to
// innermost: panic recovery, request ids, CORS, observability, rate limiting,
// then authentication on the /api subtree.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/visage-ai/visage/internal/auth"
	"github.com/visage-ai/visage/internal/avatar"
	"github.com/visage-ai/visage/internal/health"
	"github.com/visage-ai/visage/internal/mediator"
	"github.com/visage-ai/visage/internal/observe"
	"github.com/visage-ai/visage/internal/quota"
	"github.com/visage-ai/visage/pkg/blob"
	"github.com/visage-ai/visage/pkg/store"
)

// DefaultRateLimit is the per-caller request budget per minute.
const DefaultRateLimit = 60

// Submitter hands accepted job ids to the scheduler. jobs.Scheduler
// implements it.
type Submitter interface {
	Submit(ctx context.Context, jobID string) error
}

// Deps are the collaborators a Server requires.
type Deps struct {
	Jobs      store.JobStore
	Avatars   *avatar.Service
	Blobs     blob.Store
	Usage     *quota.Accountant
	Scheduler Submitter

	// Verifier checks end-user bearer tokens.
	Verifier auth.Verifier

	// Keys resolves x-api-key credentials. Nil disables machine callers.
	Keys *auth.Keys

	// Mediator runs live sessions. Nil disables the WebSocket surface.
	Mediator *mediator.Mediator

	// Health serves GET /health. Nil disables the endpoint.
	Health *health.Handler
}

// Server owns the HTTP surface. Build it with [New] and mount [Server.Router].
type Server struct {
	jobs      store.JobStore
	avatars   *avatar.Service
	blobs     blob.Store
	usage     *quota.Accountant
	scheduler Submitter
	verifier  auth.Verifier
	keys      *auth.Keys
	med       *mediator.Mediator
	health    *health.Handler
	metrics   *observe.Metrics

	frontendURL string
	workerToken string
	rateLimit   int
	now         func() time.Time
}

// Option is a functional option for configuring a [Server].
type Option func(*Server)

// WithFrontendURL sets the browser origin allowed by CORS and the WebSocket
// upgrade. A trailing slash is tolerated. Empty allows no cross-origin
// callers.
func WithFrontendURL(url string) Option {
	return func(s *Server) { s.frontendURL = url }
}

// WithWorkerToken sets the shared secret the render worker presents on
// callbacks. Empty rejects every callback.
func WithWorkerToken(token string) Option {
	return func(s *Server) { s.workerToken = token }
}

// WithRateLimit overrides the per-caller requests-per-minute budget.
func WithRateLimit(perMinute int) Option {
	return func(s *Server) { s.rateLimit = perMinute }
}

// WithMetrics replaces the metrics instance. Primarily used in tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock overrides the time source. Primarily used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a Server over the given dependencies.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{
		jobs:      deps.Jobs,
		avatars:   deps.Avatars,
		blobs:     deps.Blobs,
		usage:     deps.Usage,
		scheduler: deps.Scheduler,
		verifier:  deps.Verifier,
		keys:      deps.Keys,
		med:       deps.Mediator,
		health:    deps.Health,
		metrics:   observe.DefaultMetrics(),
		rateLimit: DefaultRateLimit,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the full route tree with the middleware chain applied.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(s.corsMiddleware)
	r.Use(observe.Middleware(s.metrics))
	r.Use(s.rateLimiter())

	if s.health != nil {
		r.Get("/health", s.health.Health)
	}
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/worker/callback", s.handleWorkerCallback)

	if s.med != nil {
		r.Get("/voice-chat", s.handleVoiceChat)
		r.Get("/video-chat", s.handleVideoChat)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Route("/audio-generation", func(r chi.Router) {
			r.Post("/generate", s.handleAudioGenerate)
			r.Get("/status/{taskId}", s.handleAudioStatus)
			r.Delete("/{id}", s.handleAudioDelete)
		})
		r.Route("/video-generation", func(r chi.Router) {
			r.Post("/generate", s.handleVideoGenerate)
			r.Get("/status/{taskId}", s.handleVideoStatus)
			r.Delete("/{id}", s.handleVideoDelete)
		})
	})

	return r
}
