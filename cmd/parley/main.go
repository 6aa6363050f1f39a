// Command parley runs a real-time voice conversation between the local
// microphone and speakers and a remote agent and/or transcription service.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/channel"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/protocol"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	noStdin := flag.Bool("no-stdin", false, "do not read host commands from standard input")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	printStartupSummary(cfg)

	// ── Application ───────────────────────────────────────────────────────────
	var application *app.App
	hooks := consoleHooks(os.Stdout, func(err error) {
		// Hooks must not stop the engine synchronously.
		go func() {
			if application == nil || !application.Sessions().IsActive() {
				return
			}
			if err := application.Sessions().Stop(context.Background()); err != nil {
				slog.Warn("stop after fatal error", "err", err)
			}
		}()
	})
	application, err = app.New(ctx, cfg, app.WithHooks(hooks))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		application.ApplyConfig(ctx, newCfg)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		go func() { _ = watcher.Run(ctx) }()
	}

	// ── Host commands ─────────────────────────────────────────────────────────
	if !*noStdin {
		go readCommands(ctx, os.Stdin, os.Stdout, application, watcher, stop)
	}

	slog.Info("ready, type \"help\" for commands or press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// readCommands executes one host command per input line until EOF, "quit",
// or ctx is done. "reload" re-reads the config file when w is non-nil.
func readCommands(ctx context.Context, r io.Reader, out io.Writer, a *app.App, w *config.Watcher, quit func()) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "quit", "exit":
			quit()
			return
		case "reload":
			if w == nil {
				fmt.Fprintln(out, "error: config watcher disabled")
				continue
			}
			changed, err := w.Reload()
			switch {
			case err != nil:
				fmt.Fprintf(out, "error: %v\n", err)
			case changed:
				fmt.Fprintln(out, "configuration reloaded")
			default:
				fmt.Fprintln(out, "configuration unchanged")
			}
			continue
		}
		res, err := a.Exec(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if res != "" {
			fmt.Fprintln(out, res)
		}
	}
}

// consoleHooks prints conversation activity to w and logs the rest. onFatal
// runs after a fatal engine error has been reported.
func consoleHooks(w io.Writer, onFatal func(error)) engine.Hooks {
	return engine.Hooks{
		OnReady: func(ready bool) {
			slog.Info("session readiness changed", "ready", ready)
		},
		OnChannelState: func(role channel.Role, state channel.State) {
			slog.Info("channel state changed", "role", role, "state", state)
		},
		OnTranscript: func(t protocol.Transcript) {
			if t.IsFinal {
				fmt.Fprintf(w, "~ %s\n", t.Text)
			}
		},
		OnUtterance: func(u protocol.Utterance) {
			fmt.Fprintf(w, "%s: %s\n", u.Role, u.Text)
		},
		OnVAD: func(speaking bool) {
			slog.Debug("voice activity", "speaking", speaking)
		},
		OnAgentState: func(s conversation.State) {
			slog.Debug("agent state", "state", s)
		},
		OnPlaybackState: func(playing bool) {
			slog.Debug("playback state", "playing", playing)
		},
		OnWarning: func(err error) {
			slog.Warn("engine warning", "err", err)
		},
		OnError: func(err error) {
			slog.Error("engine error", "err", err)
			onFatal(err)
		},
	}
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Parley, startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEndpoint("Transcription", cfg.Transcription)
	if cfg.Agent != nil {
		printEndpoint("Agent", &cfg.Agent.EndpointConfig)
	} else {
		printEndpoint("Agent", nil)
	}
	backend := string(cfg.Audio.Backend)
	if backend == "" {
		backend = string(config.BackendPortAudio)
	}
	fmt.Printf("║  Audio backend   : %-19s ║\n", backend)
	fmt.Printf("║  Auto start      : %-19t ║\n", cfg.Session.ShouldAutoStart())
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEndpoint(kind string, ep *config.EndpointConfig) {
	host := "(disabled)"
	if ep != nil {
		host = ep.URL
		if i := strings.Index(host, "://"); i >= 0 {
			host = host[i+3:]
		}
		if i := strings.IndexAny(host, "/?"); i >= 0 {
			host = host[:i]
		}
		if len(host) > 19 {
			host = host[:16] + "..."
		}
	}
	fmt.Printf("║  %-15s : %-19s ║\n", kind, host)
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
