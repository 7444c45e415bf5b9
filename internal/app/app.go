// Package app wires all Babblefish subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject mock providers via functional options
// (WithASRProvider, WithTranslator). When an option is not provided, New
// creates real implementations through the config registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/babblefish/babblefish/internal/config"
	"github.com/babblefish/babblefish/internal/health"
	"github.com/babblefish/babblefish/internal/observe"
	"github.com/babblefish/babblefish/internal/pipeline"
	"github.com/babblefish/babblefish/internal/resilience"
	"github.com/babblefish/babblefish/internal/room"
	"github.com/babblefish/babblefish/internal/transport"
	"github.com/babblefish/babblefish/pkg/language"
	"github.com/babblefish/babblefish/pkg/provider/asr"
	"github.com/babblefish/babblefish/pkg/provider/asr/whisper"
	"github.com/babblefish/babblefish/pkg/provider/translate"
	"github.com/babblefish/babblefish/pkg/provider/translate/anyllm"
	translateoai "github.com/babblefish/babblefish/pkg/provider/translate/openai"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	logLevel *slog.LevelVar

	langs      *language.Registry
	metrics    *observe.Metrics
	asr        asr.Provider
	translator translate.Provider
	pipe       *pipeline.Pipeline
	manager    *room.Manager
	ws         *transport.Server
	server     *http.Server
	watcher    *config.Watcher

	// closers are called in order during Shutdown, after the server and
	// manager are down.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry replaces the provider factory registry. Defaults to
// [DefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithASRProvider injects a speech recognition backend instead of creating
// one from config.
func WithASRProvider(p asr.Provider) Option {
	return func(a *App) { a.asr = p }
}

// WithTranslator injects a translation backend instead of creating one from
// config.
func WithTranslator(p translate.Provider) Option {
	return func(a *App) { a.translator = p }
}

// WithLogLevelVar hands the process log level to the app so config reloads
// can adjust it.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// DefaultRegistry returns the factory registry with every built-in provider
// registered: whisper.cpp for ASR, the native OpenAI client, and the
// any-llm-go backends for the remaining translation providers.
func DefaultRegistry() *config.Registry {
	r := config.NewRegistry()

	r.RegisterASR("whisper", func(c config.ASRConfig) (asr.Provider, error) {
		var opts []whisper.Option
		if c.Language != "" {
			opts = append(opts, whisper.WithLanguage(c.Language))
		}
		if c.Threads > 0 {
			opts = append(opts, whisper.WithThreads(uint(c.Threads)))
		}
		return whisper.New(c.ModelPath, opts...)
	})

	r.RegisterTranslate("openai", func(c config.TranslateConfig) (translate.Provider, error) {
		var opts []translateoai.Option
		if c.BaseURL != "" {
			opts = append(opts, translateoai.WithBaseURL(c.BaseURL))
		}
		return translateoai.New(c.APIKey, c.Model, opts...)
	})

	for _, name := range []string{"anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"} {
		r.RegisterTranslate(name, func(c config.TranslateConfig) (translate.Provider, error) {
			var opts []anyllmlib.Option
			if c.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(c.APIKey))
			}
			if c.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(c.BaseURL))
			}
			return anyllm.New(name, c.Model, opts...)
		})
	}

	return r
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: telemetry, inference
// providers, the serialized pipeline, the room manager, and the HTTP surface
// (WebSocket endpoint, health probes, Prometheus metrics).
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:   cfg,
		langs: language.NewRegistry(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = DefaultRegistry()
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.closers = append(a.closers, otelShutdown)
	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		a.runClosers(context.Background())
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.metrics = m

	// ── 2. Inference providers ───────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		a.runClosers(context.Background())
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 3. Pipeline ──────────────────────────────────────────────────────
	a.pipe = pipeline.New(a.asr, a.translator, a.langs,
		pipeline.WithPermits(cfg.Pipeline.Permits),
		pipeline.WithDeadline(cfg.Pipeline.Deadline()),
		pipeline.WithMetrics(a.metrics),
	)

	// ── 4. Room manager ──────────────────────────────────────────────────
	a.manager = room.NewManager(room.ManagerConfig{
		MaxRooms:        cfg.Rooms.MaxRooms,
		MaxParticipants: cfg.Rooms.MaxParticipantsPerRoom,
		RoomTimeout:     cfg.Rooms.RoomTimeout(),
		HardCapSeconds:  cfg.Pipeline.UtteranceHardCapSeconds,
	}, a.pipe, a.langs, room.WithManagerMetrics(a.metrics))

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

// initProviders creates the ASR and translation backends from config unless
// test doubles were injected.
func (a *App) initProviders() error {
	if a.asr == nil {
		p, err := a.registry.CreateASR(a.cfg.Providers.ASR)
		if err != nil {
			return fmt.Errorf("create asr provider %q: %w", a.cfg.Providers.ASR.Name, err)
		}
		a.asr = p
		a.closers = append(a.closers, func(context.Context) error { return p.Close() })
		slog.Info("asr provider ready",
			"name", a.cfg.Providers.ASR.Name, "model", a.cfg.Providers.ASR.ModelPath)
	}

	if a.translator == nil {
		p, err := a.registry.CreateTranslate(a.cfg.Providers.Translate)
		if err != nil {
			return fmt.Errorf("create translate provider %q: %w", a.cfg.Providers.Translate.Name, err)
		}
		// The breaker stops hammering a provider that keeps failing; with a
		// single backend it degrades translation fast instead of stalling
		// every utterance on timeouts.
		wrapped := resilience.NewTranslateFallback(p, a.cfg.Providers.Translate.Name, resilience.FallbackConfig{})
		a.translator = wrapped
		a.closers = append(a.closers, func(context.Context) error { return wrapped.Close() })
		slog.Info("translate provider ready",
			"name", a.cfg.Providers.Translate.Name, "model", a.cfg.Providers.Translate.Model)
	}

	return nil
}

// buildHandler assembles the HTTP mux: WebSocket endpoint, health probes,
// and the Prometheus scrape endpoint, all behind the metrics middleware.
func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()

	a.ws = transport.NewServer(a.manager,
		transport.WithIdleTimeout(a.cfg.Rooms.IdleConnectionTimeout()),
		transport.WithServerMetrics(a.metrics),
	)
	a.ws.Register(mux)

	health.New(a.statsSnapshot,
		health.Checker{Name: "asr", Check: a.checkASR},
		health.Checker{Name: "translate", Check: a.checkTranslate},
	).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(a.metrics)(mux)
}

func (a *App) statsSnapshot() health.Stats {
	rooms, participants := a.manager.Stats()
	return health.Stats{ActiveRooms: rooms, ActiveParticipants: participants}
}

func (a *App) checkASR(context.Context) error {
	if a.asr == nil {
		return errors.New("asr provider not initialised")
	}
	return nil
}

func (a *App) checkTranslate(context.Context) error {
	if a.translator == nil {
		return errors.New("translate provider not initialised")
	}
	return nil
}

// Handler returns the root HTTP handler. Useful for serving the app from an
// existing server or test harness.
func (a *App) Handler() http.Handler { return a.server.Handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if t := a.cfg.Server.TLS; t != nil {
			err = a.server.ListenAndServeTLS(t.CertFile, t.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("babblefish listening",
		"addr", a.cfg.Server.ListenAddr,
		"tls", a.cfg.Server.TLS != nil,
		"max_rooms", a.cfg.Rooms.MaxRooms,
		"max_participants", a.cfg.Rooms.MaxParticipantsPerRoom)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// WatchConfig starts polling path for changes and applies the
// hot-reloadable subset on each valid reload.
func (a *App) WatchConfig(path string) error {
	w, err := config.NewWatcher(path, a.applyConfigChange)
	if err != nil {
		return fmt.Errorf("app: watch config: %w", err)
	}
	a.watcher = w
	slog.Info("watching config for changes", "path", path)
	return nil
}

// applyConfigChange applies the hot-reloadable fields of a config change.
// Provider, listener, and pipeline changes require a restart.
func (a *App) applyConfigChange(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.Empty() {
		slog.Info("config reloaded, no hot-reloadable changes")
		return
	}

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RoomTimeoutChanged {
		a.manager.SetRoomTimeout(time.Duration(d.NewRoomTimeout) * time.Second)
		slog.Info("room timeout changed", "seconds", d.NewRoomTimeout)
	}
	if d.IdleTimeoutChanged {
		a.ws.SetIdleTimeout(time.Duration(d.NewIdleTimeout) * time.Second)
		slog.Info("idle connection timeout changed", "seconds", d.NewIdleTimeout)
	}
	if d.MaxParticipantsChanged {
		a.manager.SetMaxParticipants(d.NewMaxParticipants)
		slog.Info("max participants changed (applies to new rooms)", "max", d.NewMaxParticipants)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears everything down: the room manager first so every client is
// told to go, then the HTTP server, then providers and telemetry. In-flight
// pipeline jobs run to completion; their results are discarded.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if a.watcher != nil {
			a.watcher.Stop()
		}

		a.manager.Close()

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("forcing server close", "err", err)
			_ = a.server.Close()
			shutdownErr = err
		}

		a.runClosers(ctx)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers calls the registered closers in order, respecting the context
// deadline.
func (a *App) runClosers(ctx context.Context) {
	for i, closer := range a.closers {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return
		default:
		}
		if err := closer(ctx); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
