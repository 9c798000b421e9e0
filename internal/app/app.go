// Package app wires all Visage subsystems into a running control plane.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in reverse-init order.
//
// For testing, inject mock implementations via functional options
// (WithStores, WithBlobStore, WithLLMProvider, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/visage-ai/visage/internal/api"
	"github.com/visage-ai/visage/internal/apperr"
	"github.com/visage-ai/visage/internal/auth"
	"github.com/visage-ai/visage/internal/avatar"
	"github.com/visage-ai/visage/internal/config"
	"github.com/visage-ai/visage/internal/health"
	"github.com/visage-ai/visage/internal/jobs"
	"github.com/visage-ai/visage/internal/mediator"
	"github.com/visage-ai/visage/internal/observe"
	"github.com/visage-ai/visage/internal/quota"
	"github.com/visage-ai/visage/internal/resilience"
	"github.com/visage-ai/visage/pkg/blob"
	"github.com/visage-ai/visage/pkg/provider/llm"
	"github.com/visage-ai/visage/pkg/provider/llm/anyllm"
	"github.com/visage-ai/visage/pkg/provider/llm/openai"
	"github.com/visage-ai/visage/pkg/provider/video"
	"github.com/visage-ai/visage/pkg/provider/voice"
	"github.com/visage-ai/visage/pkg/store"
	"github.com/visage-ai/visage/pkg/store/postgres"
	"github.com/visage-ai/visage/pkg/types"
)

// shutdownGrace is the window in-flight requests and jobs get once the run
// context is cancelled.
const shutdownGrace = 15 * time.Second

// Stores bundles the persistence interfaces the control plane consumes. A
// fully populated Stores injected via [WithStores] keeps New away from
// PostgreSQL.
type Stores struct {
	Jobs     store.JobStore
	Avatars  store.AvatarStore
	Usage    store.UsageStore
	Sessions store.SessionStore
	Keys     store.KeyStore
}

func (s Stores) complete() bool {
	return s.Jobs != nil && s.Avatars != nil && s.Usage != nil && s.Sessions != nil && s.Keys != nil
}

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	stores Stores
	db     *postgres.Store
	blobs  blob.Store

	synth     voice.Synthesizer
	voiceDial voice.StreamDialer
	renders   video.JobClient
	videoSess video.SessionClient
	videoDial video.StreamDialer
	provider  llm.Provider
	verifier  auth.Verifier

	scheduler *jobs.Scheduler
	reaper    *jobs.Reaper
	med       *mediator.Mediator
	server    *http.Server

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStores injects the persistence layer instead of dialing PostgreSQL.
// All five stores must be set.
func WithStores(s Stores) Option {
	return func(a *App) { a.stores = s }
}

// WithBlobStore injects an object store instead of creating one from config.
func WithBlobStore(b blob.Store) Option {
	return func(a *App) { a.blobs = b }
}

// WithLLMProvider injects a conversation model instead of creating one from
// config.
func WithLLMProvider(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithVerifier injects a bearer-token verifier instead of creating one from
// config.
func WithVerifier(v auth.Verifier) Option {
	return func(a *App) { a.verifier = v }
}

// WithSynthesizer injects the speech synthesizer used by the generation
// pipelines.
func WithSynthesizer(s voice.Synthesizer) Option {
	return func(a *App) { a.synth = s }
}

// WithVoiceDialer injects the conversational voice stream dialer.
func WithVoiceDialer(d voice.StreamDialer) Option {
	return func(a *App) { a.voiceDial = d }
}

// WithVideoService injects the video service clients: the REST job client,
// the live-session control client, and the stream dialer.
func WithVideoService(renders video.JobClient, sessions video.SessionClient, dial video.StreamDialer) Option {
	return func(a *App) {
		a.renders = renders
		a.videoSess = sessions
		a.videoDial = dial
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: store connection, object-store client, upstream provider
// clients, pipeline runners, and the HTTP surface.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}
	if err := a.initBlobs(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	a.initPipelines()
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStores connects PostgreSQL unless a complete store bundle was injected.
func (a *App) initStores(ctx context.Context) error {
	if a.stores.complete() {
		return nil
	}

	db, err := postgres.New(ctx, a.cfg.Database.URL)
	if err != nil {
		return err
	}
	a.db = db
	a.stores = Stores{
		Jobs:     db.Jobs(),
		Avatars:  db.Avatars(),
		Usage:    db.Usage(),
		Sessions: db.Sessions(),
		Keys:     db.Keys(),
	}
	a.closers = append(a.closers, func() error {
		db.Close()
		return nil
	})
	return nil
}

// initBlobs creates the S3 client if one wasn't injected.
func (a *App) initBlobs(ctx context.Context) error {
	if a.blobs != nil {
		return nil
	}
	s3, err := blob.NewS3(ctx, blob.S3Config{
		Endpoint:        a.cfg.Storage.Endpoint,
		Region:          a.cfg.Storage.Region,
		AccessKeyID:     a.cfg.Storage.AccessKeyID,
		SecretAccessKey: a.cfg.Storage.SecretAccessKey,
		Bucket:          a.cfg.Storage.Bucket,
	})
	if err != nil {
		return err
	}
	a.blobs = s3
	return nil
}

// initProviders builds the upstream service clients that weren't injected.
func (a *App) initProviders() error {
	if a.synth == nil {
		c, err := voice.NewClient(a.cfg.Voice.BaseURL)
		if err != nil {
			return fmt.Errorf("voice client: %w", err)
		}
		a.synth = c
	}
	if a.voiceDial == nil {
		d, err := voice.NewDialer(a.cfg.Voice.WSURL, a.cfg.Voice.SecretKey)
		if err != nil {
			return fmt.Errorf("voice dialer: %w", err)
		}
		a.voiceDial = d
	}
	if a.renders == nil || a.videoSess == nil {
		c, err := video.NewClient(a.cfg.Video.URL, a.cfg.Video.APIKey)
		if err != nil {
			return fmt.Errorf("video client: %w", err)
		}
		if a.renders == nil {
			a.renders = c
		}
		if a.videoSess == nil {
			a.videoSess = c
		}
	}
	if a.videoDial == nil {
		d, err := video.NewDialer(a.cfg.Video.WSURL, a.cfg.Video.APIKey)
		if err != nil {
			return fmt.Errorf("video dialer: %w", err)
		}
		a.videoDial = d
	}
	if a.provider == nil {
		p, err := buildLLM(a.cfg.LLM)
		if err != nil {
			return fmt.Errorf("llm provider: %w", err)
		}
		a.provider = p
	}
	if a.verifier == nil {
		if a.cfg.Auth.VerifyURL == "" {
			a.verifier = denyAllVerifier{}
		} else {
			v, err := auth.NewHTTPVerifier(a.cfg.Auth.VerifyURL)
			if err != nil {
				return fmt.Errorf("auth verifier: %w", err)
			}
			a.verifier = v
		}
	}
	return nil
}

// buildLLM selects the conversation model implementation: "openai" uses the
// OpenAI SDK directly, every other vendor goes through any-llm.
func buildLLM(cfg config.LLMConfig) (llm.Provider, error) {
	if cfg.Provider == "openai" {
		var opts []openai.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(cfg.APIKey, cfg.Model, opts...)
	}

	var opts []anyllmlib.Option
	if cfg.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}
	return anyllm.New(cfg.Provider, cfg.Model, opts...)
}

// initPipelines builds the generation runners, scheduler, reaper, and the
// live-session mediator.
func (a *App) initPipelines() {
	avatars := avatar.NewService(a.stores.Avatars)
	usage := quota.New(a.stores.Usage, a.metrics)

	audioRunner := jobs.NewAudioRunner(a.stores.Jobs, avatars, a.synth, a.blobs, usage)
	videoRunner := jobs.NewVideoRunner(a.stores.Jobs, avatars, a.synth, a.renders,
		a.blobs, usage, a.cfg.Jobs.VideoCompletion)

	a.scheduler = jobs.NewScheduler(a.stores.Jobs, map[types.JobKind]jobs.Runner{
		types.JobAudio: audioRunner,
		types.JobVideo: videoRunner,
	},
		jobs.WithWorkers(a.cfg.Jobs.MaxConcurrent),
		jobs.WithMetrics(a.metrics),
	)
	a.reaper = jobs.NewReaper(a.stores.Jobs, jobs.WithReaperMetrics(a.metrics))

	a.med = mediator.New(avatars, a.voiceDial, a.videoSess, a.videoDial,
		llm.NewConversations(a.provider), a.stores.Sessions, usage,
		mediator.WithMetrics(a.metrics))
}

// initServer assembles the HTTP surface.
func (a *App) initServer() {
	avatars := avatar.NewService(a.stores.Avatars)
	usage := quota.New(a.stores.Usage, a.metrics)

	srv := api.New(api.Deps{
		Jobs:      a.stores.Jobs,
		Avatars:   avatars,
		Blobs:     a.blobs,
		Usage:     usage,
		Scheduler: a.scheduler,
		Verifier:  a.verifier,
		Keys:      auth.NewKeys(a.stores.Keys),
		Mediator:  a.med,
		Health:    health.New(a.healthCheckers()...),
	},
		api.WithFrontendURL(a.cfg.Server.FrontendURL),
		api.WithWorkerToken(a.cfg.Jobs.WorkerCallbackToken),
		api.WithMetrics(a.metrics),
	)

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// healthCheckers builds the probe list: the database when this App owns the
// connection, and the two synthesis services over their health endpoints.
func (a *App) healthCheckers() []health.Checker {
	var checkers []health.Checker
	if a.db != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: a.db.Ping})
	}
	if a.cfg.Voice.BaseURL != "" {
		checkers = append(checkers, health.Checker{
			Name:  "voice_service",
			Check: httpProbe(a.cfg.Voice.BaseURL + "/health"),
		})
	}
	if a.cfg.Video.URL != "" {
		checkers = append(checkers, health.Checker{
			Name:  "video_service",
			Check: httpProbe(a.cfg.Video.URL + "/health"),
		})
	}
	return checkers
}

// httpProbe returns a checker that GETs url and demands a 2xx. A circuit
// breaker sits in front so a dead upstream answers immediately instead of
// eating the probe timeout on every health request.
func httpProbe(url string) func(ctx context.Context) error {
	client := &http.Client{Timeout: 5 * time.Second}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: url})
	return func(ctx context.Context) error {
		return breaker.Execute(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
			}
			return nil
		})
	}
}

// Handler exposes the assembled route tree, primarily for tests that drive
// the App through httptest instead of a real listener.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the worker pool, the reaper, and the HTTP listener, then blocks
// until ctx is cancelled or the listener fails. On cancellation the HTTP
// server and the scheduler drain within [shutdownGrace].
func (a *App) Run(ctx context.Context) error {
	a.scheduler.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.reaper.Run(gctx)
		return nil
	})

	g.Go(func() error {
		observe.Logger(gctx).Info("listening",
			"addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)
		err := a.listen()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.server.Shutdown(shutCtx); err != nil {
			observe.Logger(shutCtx).Warn("http shutdown error", "error", err)
		}
		if err := a.scheduler.Drain(shutCtx); err != nil {
			observe.Logger(shutCtx).Warn("scheduler drain cut short", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func (a *App) listen() error {
	if tls := a.cfg.Server.TLS; tls != nil {
		return a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	}
	return a.server.ListenAndServe()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down owned resources in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, the remaining
// ones are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		log := observe.Logger(ctx)
		log.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				log.Warn("closer error", "index", i, "error", err)
			}
		}

		log.Info("shutdown complete")
	})
	return shutdownErr
}

// denyAllVerifier rejects every bearer token. Installed when no verify URL is
// configured, leaving API keys as the only way in.
type denyAllVerifier struct{}

func (denyAllVerifier) Verify(ctx context.Context, token string) (string, error) {
	return "", apperr.New(apperr.KindUnauthorized, "no token verifier configured")
}
