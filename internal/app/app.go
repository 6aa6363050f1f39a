// Package app wires all Parley subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the audio devices and
// builds the session manager, Run serves the HTTP probes and starts the first
// session, and Shutdown tears everything down in order.
//
// For testing, inject device doubles via functional options (WithInput,
// WithOutput). When an option is not provided, New opens the backend named
// in the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/fileinput"
	"github.com/MrWong99/parley/pkg/audio/portaudio"
	"github.com/MrWong99/parley/pkg/audio/timeline"
)

// headlessPeriod is the render period of the headless output clock.
const headlessPeriod = 10 * time.Millisecond

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	input   audio.InputDevice
	output  audio.OutputDevice
	hooks   engine.Hooks
	metrics *observe.Metrics

	sessions *SessionManager
	health   *health.Handler

	srvMu  sync.Mutex
	server *http.Server
	addr   net.Addr

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithInput injects a microphone instead of opening the configured backend.
func WithInput(dev audio.InputDevice) Option {
	return func(a *App) { a.input = dev }
}

// WithOutput injects a speaker instead of opening the configured backend.
func WithOutput(dev audio.OutputDevice) Option {
	return func(a *App) { a.output = dev }
}

// WithHooks sets the host callbacks passed to every engine.
func WithHooks(h engine.Hooks) Option {
	return func(a *App) { a.hooks = h }
}

// WithMetrics overrides the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Audio devices are
// opened here; remote connections are made when a session starts.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Audio devices ─────────────────────────────────────────────────
	if err := a.initDevices(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init devices: %w", err)
	}

	// ── 2. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:  cfg,
		Input:   a.input,
		Output:  a.output,
		Hooks:   a.hooks,
		Metrics: a.metrics,
	})

	// ── 3. Probes ────────────────────────────────────────────────────────
	a.health = health.New([]health.Checker{
		health.SessionReady(a.sessions.Ready),
		health.Channels(a.sessions.ChannelStates),
	})

	return a, nil
}

// initDevices opens the configured audio backend for any device that was
// not injected.
func (a *App) initDevices(ctx context.Context) error {
	if a.input != nil && a.output != nil {
		return nil
	}

	rate := a.cfg.Audio.OutputSampleRate
	if rate <= 0 {
		rate = engine.DefaultAgentOutputRate
	}

	switch a.cfg.Audio.Backend {
	case config.BackendHeadless:
		if a.output == nil {
			tl := timeline.New(rate)
			runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			go tl.Run(runCtx, headlessPeriod)
			a.output = tl
			a.closers = append(a.closers, tl.Close, func() error { cancel(); return nil })
		}
		if a.input == nil {
			a.input = fileinput.New(a.cfg.Audio.InputFile, fileinput.WithLoop(a.cfg.Audio.LoopInput))
		}
		slog.Info("headless audio backend", "output_rate", rate, "input_file", a.cfg.Audio.InputFile)

	default:
		if err := portaudio.Init(); err != nil {
			return err
		}
		a.closers = append(a.closers, portaudio.Terminate)
		if a.output == nil {
			out, err := portaudio.OpenOutput(rate, a.cfg.Audio.FramesPerBuffer)
			if err != nil {
				return err
			}
			a.output = out
			a.closers = append(a.closers, out.Close)
		}
		if a.input == nil {
			a.input = portaudio.NewInput(a.cfg.Audio.FramesPerBuffer)
		}
		slog.Info("portaudio backend", "output_rate", rate)
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves health and metrics endpoints, starts a session when auto_start
// is enabled, and blocks until ctx is cancelled. A failed automatic start is
// logged; the host may retry through [App.Exec].
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Server.ListenAddr != "" {
		if err := a.serve(a.cfg.Server.ListenAddr); err != nil {
			return err
		}
	}

	if a.cfg.Session.ShouldAutoStart() {
		if err := a.sessions.Start(ctx); err != nil {
			slog.Error("automatic session start failed", "err", err)
		}
	}

	slog.Info("app running")
	<-ctx.Done()
	return ctx.Err()
}

// serve starts the HTTP listener in the background.
func (a *App) serve(addr string) error {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.srvMu.Lock()
	a.server = srv
	a.addr = ln.Addr()
	a.srvMu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
		}
	}()
	slog.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound HTTP address, or nil when no server is running.
func (a *App) Addr() net.Addr {
	a.srvMu.Lock()
	defer a.srvMu.Unlock()
	return a.addr
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ApplyConfig installs a reloaded configuration. See [SessionManager.Apply].
func (a *App) ApplyConfig(ctx context.Context, cfg *config.Config) config.ConfigDiff {
	return a.sessions.Apply(ctx, cfg)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the active session (waiting for trailing transcripts),
// closes the HTTP server, and releases the audio devices. It respects the
// context deadline for the session stop and the server drain.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.sessions.IsActive() {
			if err := a.sessions.Stop(ctx); err != nil {
				slog.Warn("session stop error", "err", err)
			}
		}
		if err := a.sessions.Close(); err != nil {
			slog.Warn("engine close error", "err", err)
		}

		a.srvMu.Lock()
		srv := a.server
		a.srvMu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
				shutdownErr = err
			}
		}

		a.runClosers()
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
