package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/channel"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
)

// ErrNoSession is returned by operations that need an active session.
var ErrNoSession = errors.New("session: no active session")

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session. IDs are never
	// reused across restarts.
	SessionID string

	// StartedAt is when the session was started.
	StartedAt time.Time
}

// SessionManager owns the single conversation engine of the process and
// starts and stops sessions on it. Only one session can be active at a time.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu      sync.Mutex
	active  bool
	info    SessionInfo
	eng     *engine.Engine
	stale   bool
	cfg     *config.Config
	input   audio.InputDevice
	output  audio.OutputDevice
	hooks   engine.Hooks
	metrics *observe.Metrics
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config  *config.Config
	Input   audio.InputDevice
	Output  audio.OutputDevice
	Hooks   engine.Hooks
	Metrics *observe.Metrics
}

// NewSessionManager creates a SessionManager with the given dependencies.
// The engine is built lazily on the first [SessionManager.Start].
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		cfg:     cfg.Config,
		input:   cfg.Input,
		output:  cfg.Output,
		hooks:   cfg.Hooks,
		metrics: cfg.Metrics,
	}
}

// Start begins a new session. It connects every configured channel, opens
// the microphone, and returns once the engine is ready.
//
// Returns an error if a session is already active. The manager lock is not
// held while connecting, so [SessionManager.Stop] can cancel a slow start.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	if sm.active {
		id := sm.info.SessionID
		sm.mu.Unlock()
		return fmt.Errorf("session: a session is already active (id=%s)", id)
	}
	eng, err := sm.engineLocked()
	if err != nil {
		sm.mu.Unlock()
		return err
	}
	now := time.Now().UTC()
	sm.active = true
	sm.info = SessionInfo{
		SessionID: "session-" + uuid.NewString(),
		StartedAt: now,
	}
	sessionID := sm.info.SessionID
	sm.mu.Unlock()

	if err := eng.Start(ctx); err != nil {
		sm.mu.Lock()
		if sm.info.SessionID == sessionID {
			sm.active = false
			sm.info = SessionInfo{}
		}
		sm.mu.Unlock()
		return fmt.Errorf("session: start: %w", err)
	}

	slog.Info("session started", "session_id", sessionID, "channels", len(eng.ChannelStates()))
	return nil
}

// Stop ends the active session. It waits up to the configured grace period
// for trailing transcripts, then disconnects and releases the microphone.
//
// Returns [ErrNoSession] if no session is active.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	if !sm.active {
		sm.mu.Unlock()
		return ErrNoSession
	}
	eng := sm.eng
	sessionID := sm.info.SessionID
	sm.active = false
	sm.info = SessionInfo{}
	sm.mu.Unlock()

	if err := eng.Stop(ctx); err != nil {
		slog.Warn("session: stop error", "session_id", sessionID, "err", err)
		return fmt.Errorf("session: stop: %w", err)
	}
	slog.Info("session stopped", "session_id", sessionID)
	return nil
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the active session.
// Returns zero value if no session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Engine returns the current engine, or nil before the first Start.
func (sm *SessionManager) Engine() *engine.Engine {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.eng
}

// Ready reports whether the active session is ready to converse.
func (sm *SessionManager) Ready() bool {
	eng := sm.Engine()
	return eng != nil && eng.Ready()
}

// ChannelStates returns the connection state of each channel of the
// current engine. The map is empty before the first Start.
func (sm *SessionManager) ChannelStates() map[channel.Role]channel.State {
	if eng := sm.Engine(); eng != nil {
		return eng.ChannelStates()
	}
	return map[channel.Role]channel.State{}
}

// Apply installs a reloaded configuration. A changed prompt is pushed to the
// agent of the active session right away; any change that needs a new
// engine takes effect on the next Start.
func (sm *SessionManager) Apply(ctx context.Context, newCfg *config.Config) config.ConfigDiff {
	sm.mu.Lock()
	d := config.Diff(sm.cfg, newCfg)
	sm.cfg = newCfg
	if d.RestartRequired() {
		sm.stale = true
	}
	eng, active := sm.eng, sm.active
	sm.mu.Unlock()

	if d.PromptChanged && active && eng != nil {
		if err := eng.UpdateInstructions(ctx, d.NewPrompt); err != nil {
			slog.Warn("session: push prompt update failed", "err", err)
		} else {
			slog.Info("session: prompt updated")
		}
	}
	if d.RestartRequired() {
		slog.Info("config change takes effect with the next session", "sections", d.RestartFields)
	}
	return d
}

// Close stops any active session and releases the engine.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	eng := sm.eng
	sm.eng = nil
	sm.active = false
	sm.info = SessionInfo{}
	sm.mu.Unlock()

	if eng == nil {
		return nil
	}
	return eng.Close()
}

// engineLocked returns the engine for the next session, rebuilding it when
// the configuration changed since it was built. Caller must hold sm.mu.
func (sm *SessionManager) engineLocked() (*engine.Engine, error) {
	if sm.eng != nil && !sm.stale {
		return sm.eng, nil
	}
	if sm.eng != nil {
		if err := sm.eng.Close(); err != nil {
			slog.Warn("session: close previous engine", "err", err)
		}
		sm.eng = nil
	}
	eng, err := engine.New(EngineConfig(sm.cfg, sm.input, sm.output, sm.metrics), sm.hooks)
	if err != nil {
		return nil, fmt.Errorf("session: build engine: %w", err)
	}
	sm.eng = eng
	sm.stale = false
	return eng, nil
}

// EngineConfig translates the file configuration into an [engine.Config]
// bound to the given devices.
func EngineConfig(cfg *config.Config, in audio.InputDevice, out audio.OutputDevice, m *observe.Metrics) engine.Config {
	ec := engine.Config{
		Input:  in,
		Output: out,
		Capture: capture.Config{
			SampleRate: cfg.Audio.InputSampleRate,
			BufferSize: cfg.Audio.BufferSize,
		},
		SleepDelay:   cfg.Session.SleepDelay,
		StopGrace:    cfg.Session.StopGrace,
		RecordDir:    cfg.Session.RecordDir,
		WakePhrases:  cfg.Session.WakePhrases,
		SleepPhrases: cfg.Session.SleepPhrases,
		Metrics:      m,
	}
	if cfg.Transcription != nil {
		ec.Transcription = channelConfig(channel.RoleTranscription, *cfg.Transcription)
	}
	if a := cfg.Agent; a != nil {
		ec.Agent = channelConfig(channel.RoleAgent, a.EndpointConfig)
		fns := make([]protocol.Function, 0, len(a.Think.Functions))
		for _, f := range a.Think.Functions {
			fns = append(fns, protocol.Function{Name: f.Name, Description: f.Description, Parameters: f.Parameters})
		}
		ec.AgentSettings = protocol.AgentConfig{
			Language:         a.Language,
			ListenProvider:   protocol.Provider(a.Listen.Provider),
			ThinkProvider:    protocol.Provider(a.Think.Provider),
			Prompt:           a.Think.Prompt,
			Functions:        fns,
			SpeakProvider:    protocol.Provider(a.Speak.Provider),
			Greeting:         a.Greeting,
			InputSampleRate:  cfg.Audio.InputSampleRate,
			OutputSampleRate: cfg.Audio.OutputSampleRate,
		}
	}
	return ec
}

func channelConfig(role channel.Role, ep config.EndpointConfig) *channel.Config {
	return &channel.Config{
		URL:            ep.URL,
		Token:          ep.Token,
		Role:           role,
		Params:         maps.Clone(ep.Params),
		ConnectTimeout: ep.ConnectTimeout,
		KeepAlive:      ep.KeepAlive,
		MaxReconnects:  ep.MaxReconnects,
		Backoff:        ep.Backoff,
		MaxBackoff:     ep.MaxBackoff,
	}
}
