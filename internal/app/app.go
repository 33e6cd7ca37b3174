// Package app wires all Voxline subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the telephony and admin endpoints until the context
// is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxline-ai/voxline/internal/call"
	"github.com/voxline-ai/voxline/internal/callstore"
	"github.com/voxline-ai/voxline/internal/config"
	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/internal/telephony"
	"github.com/voxline-ai/voxline/pkg/provider/llm"
	"github.com/voxline-ai/voxline/pkg/provider/stt"
	"github.com/voxline-ai/voxline/pkg/provider/tts"
)

// Providers holds the engine implementations selected by the config
// registry. All three are required. Populated by main.go.
type Providers struct {
	STT     stt.Provider
	STTName string
	LLM     llm.Provider
	LLMName string
	TTS     tts.Provider
	TTSName string
}

// App owns all subsystem lifetimes and serves the call orchestrator.
type App struct {
	cfg       *config.Config
	providers *Providers

	store    callstore.Store
	metrics  *observe.Metrics
	registry *call.Registry
	mux      http.Handler
	httpSrv  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a call store instead of creating one from config.
func WithStore(s callstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics set instead of using the global provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring the call store, session registry, telephony
// handler, and admin API together. The providers struct comes from main.go
// (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.LLM == nil || providers.TTS == nil {
		return nil, fmt.Errorf("app: stt, llm, and tts providers are all required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	a.registry = call.NewRegistry(call.RegistryConfig{
		Call:    cfg.Call,
		Agent:   cfg.Agent,
		STT:     providers.STT,
		STTName: providers.STTName,
		LLM:     providers.LLM,
		LLMName: providers.LLMName,
		TTS:     providers.TTS,
		TTSName: providers.TTSName,
		Metrics: a.metrics,
	})

	if err := a.initRoutes(); err != nil {
		return nil, err
	}
	a.checkVoice(ctx)
	return a, nil
}

// checkVoice verifies the configured agent voice against the TTS provider's
// catalogue. A missing voice is only a warning: synthesis falls back to the
// provider default, and some backends restrict the voices endpoint.
func (a *App) checkVoice(ctx context.Context) {
	id := a.cfg.Agent.VoiceID
	if id == "" {
		return
	}
	voices, err := a.providers.TTS.ListVoices(ctx)
	if err != nil {
		slog.Warn("could not verify agent voice", "voice_id", id, "tts", a.providers.TTSName, "err", err)
		return
	}
	for _, v := range voices {
		if v.ID == id {
			slog.Debug("agent voice verified", "voice_id", id, "name", v.Name)
			return
		}
	}
	slog.Warn("agent voice not in provider catalogue",
		"voice_id", id,
		"tts", a.providers.TTSName,
		"catalogue_size", len(voices))
}

// initStore connects the call record store: PostgreSQL when a DSN is
// configured, in-memory otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		slog.Info("no postgres dsn configured, call records are in-memory only")
		a.store = callstore.NewMemStore()
		return nil
	}

	store, err := callstore.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("connected call record store")
	return nil
}

// initRoutes assembles the HTTP surface: the media-stream WebSocket, the
// admin API, the Prometheus scrape endpoint, and the health check.
func (a *App) initRoutes() error {
	streams, err := telephony.NewHandler(telephony.HandlerConfig{
		Registry:   a.registry,
		Store:      a.store,
		AgentName:  a.cfg.Agent.Name,
		FrameMs:    a.cfg.Call.FrameMs,
		Summarizer: a.providers.LLM,
	})
	if err != nil {
		return fmt.Errorf("app: init telephony: %w", err)
	}

	admin := observe.Middleware(a.metrics)

	mux := http.NewServeMux()
	mux.Handle("/ws/audio", streams)
	mux.Handle("/ws/audio/{call_sid}", streams)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("GET /healthz", http.HandlerFunc(a.handleHealth))
	mux.Handle("GET /v1/calls", admin(http.HandlerFunc(a.handleListCalls)))
	mux.Handle("GET /v1/calls/{id}", admin(http.HandlerFunc(a.handleGetCall)))
	mux.Handle("DELETE /v1/calls/{id}", admin(http.HandlerFunc(a.handleHangUp)))

	a.mux = mux
	return nil
}

// Handler returns the full HTTP surface, for serving and for tests.
func (a *App) Handler() http.Handler { return a.mux }

// Registry returns the live session registry.
func (a *App) Registry() *call.Registry { return a.registry }

// Store returns the call record store.
func (a *App) Store() callstore.Store { return a.store }

// Run serves HTTP until ctx is cancelled or the listener fails. On
// cancellation it returns ctx.Err; call Shutdown to tear down.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.httpSrv = srv

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server listening",
		"addr", a.cfg.Server.ListenAddr,
		"tls", a.cfg.Server.TLS != nil,
		"stt", a.providers.STTName,
		"llm", a.providers.LLMName,
		"tts", a.providers.TTSName)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops accepting connections, ends every active call, and tears
// down subsystems in reverse-init order. It respects the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.registry.Len())

		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}

		if err := a.registry.Shutdown(ctx); err != nil {
			slog.Warn("session shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
