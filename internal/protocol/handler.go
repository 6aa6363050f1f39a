package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/channel"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/errs"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
)

// ErrUnsupported is wrapped by the [errs.ProtocolError] returned for an
// envelope type the handler does not know.
var ErrUnsupported = errors.New("unsupported message type")

// Machine is the subset of [conversation.Machine] the handler drives.
type Machine interface {
	State() conversation.State
	Handle(ev conversation.Event) bool
}

// Player is the subset of the playback scheduler the handler drives.
type Player interface {
	Enqueue(ctx context.Context, frame audio.Frame) error
	CancelAll()
}

// Sender writes a JSON message to the agent channel.
type Sender interface {
	SendText(ctx context.Context, v any) error
}

// Transcript is one recognition result from the transcription channel.
type Transcript struct {
	Text        string
	Confidence  float64
	IsFinal     bool
	SpeechFinal bool
}

// Utterance is a complete turn of text, either accumulated from final
// transcripts or reported by the agent as ConversationText.
type Utterance struct {
	// Role is "user" or "assistant".
	Role   string
	Text   string
	Source channel.Role
}

// FunctionCall is one client-side function invocation requested by the agent.
type FunctionCall struct {
	ID        string
	Name      string
	Arguments string
}

// Hooks are optional callbacks. All of them run on the goroutine delivering
// the envelope and must not block for long.
type Hooks struct {
	OnTranscript      func(Transcript)
	OnUtterance       func(Utterance)
	OnVAD             func(speaking bool)
	OnSettingsApplied func()
	OnWarning         func(error)

	// OnFinal receives the text of every non-empty final transcript, also
	// while asleep when all other transcription hooks are suppressed.
	OnFinal func(text string)

	// OnFunctionCall computes the result content for a client-side function.
	// A nil hook or a returned error yields an error description as content.
	OnFunctionCall func(ctx context.Context, call FunctionCall) (string, error)
}

// Config wires a [Handler].
type Config struct {
	Machine Machine
	Player  Player

	// Agent sends Settings and function results. May be nil when no agent
	// channel is configured.
	Agent Sender

	// Settings is sent once per agent connection in reply to Welcome.
	Settings Settings

	Hooks   Hooks
	Metrics *observe.Metrics
}

// Handler dispatches inbound envelopes and binary payloads. It is safe for
// concurrent use by the reader goroutines of both channels.
type Handler struct {
	machine  Machine
	player   Player
	agent    Sender
	settings Settings
	hooks    Hooks
	metrics  *observe.Metrics

	mu           sync.Mutex
	settingsSent bool
	utterance    []string
	seq          uint64
	started      time.Time
}

// NewHandler returns a Handler for cfg. Machine and Player are required.
func NewHandler(cfg Config) *Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Handler{
		machine:  cfg.Machine,
		player:   cfg.Player,
		agent:    cfg.Agent,
		settings: cfg.Settings,
		hooks:    cfg.Hooks,
		metrics:  cfg.Metrics,
		started:  time.Now(),
	}
}

// SettingsSent reports whether Settings went out on the current agent
// connection.
func (h *Handler) SettingsSent() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settingsSent
}

// ResetConnection clears per-connection state for role. Call it whenever the
// channel with that role leaves the connected state.
func (h *Handler) ResetConnection(role channel.Role) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch role {
	case channel.RoleAgent:
		h.settingsSent = false
	case channel.RoleTranscription:
		h.utterance = nil
	}
}

// HandleInbound dispatches one JSON envelope received on the channel with
// role. Malformed or unsupported envelopes are logged and returned as
// *errs.ProtocolError; they never affect the conversation state.
func (h *Handler) HandleInbound(ctx context.Context, role channel.Role, env channel.Envelope) error {
	h.metrics.RecordInbound(ctx, string(role), env.Type)

	var err error
	switch role {
	case channel.RoleAgent:
		err = h.handleAgent(ctx, env)
	case channel.RoleTranscription:
		err = h.handleTranscription(env)
	default:
		err = fmt.Errorf("unknown role %q", role)
	}
	if err == nil {
		return nil
	}

	var pe *errs.ProtocolError
	if !errors.As(err, &pe) {
		// Transport failures while replying are the channel's concern.
		if errors.Is(err, errs.ErrTransport) {
			slog.Warn("protocol reply failed", "role", role, "type", env.Type, "err", err)
			return err
		}
		pe = &errs.ProtocolError{Type: env.Type, Err: err}
	}
	if pe.Role == "" {
		pe.Role = string(role)
	}
	h.metrics.RecordProtocolError(ctx, string(role))
	slog.Warn("protocol message rejected", "role", role, "type", env.Type, "err", pe)
	return pe
}

// HandleBinary routes a binary payload. Agent audio is enqueued for playback
// unless the conversation is asleep, in which case it is dropped.
// Binary data from the transcription channel is ignored.
func (h *Handler) HandleBinary(ctx context.Context, role channel.Role, data []byte) error {
	if role != channel.RoleAgent {
		slog.Debug("ignoring binary message", "role", role, "bytes", len(data))
		return nil
	}
	if h.machine.State().Asleep() {
		h.metrics.RecordFrameDropped(ctx, "asleep")
		return nil
	}

	h.mu.Lock()
	h.seq++
	frame := audio.Frame{
		Data:       data,
		SampleRate: h.settings.Audio.Output.SampleRate,
		Channels:   1,
		Seq:        h.seq,
		Timestamp:  time.Since(h.started),
	}
	h.mu.Unlock()

	if err := h.player.Enqueue(ctx, frame); err != nil {
		h.metrics.RecordFrameDropped(ctx, "playback")
		slog.Warn("dropping agent audio", "seq", frame.Seq, "bytes", len(data), "err", err)
		return err
	}
	return nil
}

// ── Agent channel ──

func (h *Handler) handleAgent(ctx context.Context, env channel.Envelope) error {
	switch env.Type {
	case TypeWelcome:
		return h.sendSettings(ctx)

	case TypeSettingsApplied:
		slog.Debug("agent settings applied")
		if h.hooks.OnSettingsApplied != nil {
			h.hooks.OnSettingsApplied()
		}

	case TypePromptUpdated:
		slog.Debug("agent prompt updated")

	case TypeConversationText:
		var msg conversationText
		if err := decode(env, &msg); err != nil {
			return err
		}
		if h.machine.State().Asleep() {
			return nil
		}
		if h.hooks.OnUtterance != nil && msg.Content != "" {
			h.hooks.OnUtterance(Utterance{Role: msg.Role, Text: msg.Content, Source: channel.RoleAgent})
		}

	case TypeUserStartedSpeaking:
		// Queued agent audio must stop before listeners observe listening.
		h.player.CancelAll()
		h.metrics.RecordPlaybackCancel(ctx)
		h.machine.Handle(conversation.EventUserStartedSpeaking)

	case TypeAgentThinking:
		h.machine.Handle(conversation.EventAgentThinking)

	case TypeAgentStartedSpeaking:
		h.machine.Handle(conversation.EventAgentStartedSpeaking)

	case TypeAgentAudioDone:
		h.machine.Handle(conversation.EventAgentAudioDone)

	case TypeFunctionCallRequest:
		return h.handleFunctionCalls(ctx, env)

	case TypeError, TypeWarning, TypeInjectionRefused:
		var p remoteProblem
		if err := decode(env, &p); err != nil {
			return err
		}
		h.warn(&errs.ProtocolError{Role: string(channel.RoleAgent), Type: env.Type, Code: p.Code, Err: errors.New(p.text())})

	default:
		return fmt.Errorf("%w %q", ErrUnsupported, env.Type)
	}
	return nil
}

// sendSettings replies to Welcome. Settings go out at most once per
// connection; a failed send leaves the flag clear so the next Welcome
// retries.
func (h *Handler) sendSettings(ctx context.Context) error {
	h.mu.Lock()
	if h.settingsSent || h.agent == nil {
		h.mu.Unlock()
		return nil
	}
	h.settingsSent = true
	h.mu.Unlock()

	if err := h.agent.SendText(ctx, h.settings); err != nil {
		h.mu.Lock()
		h.settingsSent = false
		h.mu.Unlock()
		return err
	}
	slog.Debug("agent settings sent")
	return nil
}

func (h *Handler) handleFunctionCalls(ctx context.Context, env channel.Envelope) error {
	var req functionCallRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	var errList []error
	for _, fn := range req.Functions {
		if fn.ClientSide != nil && !*fn.ClientSide {
			continue
		}
		call := FunctionCall{ID: fn.ID, Name: fn.Name, Arguments: fn.Arguments}
		content := h.callFunction(ctx, call)
		if h.agent == nil {
			continue
		}
		if err := h.agent.SendText(ctx, BuildFunctionCallResponse(call.ID, call.Name, content)); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

func (h *Handler) callFunction(ctx context.Context, call FunctionCall) string {
	if h.hooks.OnFunctionCall == nil {
		slog.Warn("no handler for function call", "name", call.Name, "id", call.ID)
		return fmt.Sprintf("error: function %q is not available", call.Name)
	}
	start := time.Now()
	content, err := h.hooks.OnFunctionCall(ctx, call)
	if err != nil {
		slog.Warn("function call failed", "name", call.Name, "id", call.ID, "err", err)
		return "error: " + err.Error()
	}
	slog.Debug("function call completed", "name", call.Name, "id", call.ID, "duration", time.Since(start))
	return content
}

// ── Transcription channel ──

func (h *Handler) handleTranscription(env channel.Envelope) error {
	switch env.Type {
	case TypeResults, TypeTranscript:
		var r results
		if err := decode(env, &r); err != nil {
			return err
		}
		alts := r.alternatives()
		if len(alts) == 0 {
			slog.Debug("transcript without alternatives", "type", env.Type)
			return nil
		}
		alt := alts[0]
		if r.IsFinal && h.hooks.OnFinal != nil && strings.TrimSpace(alt.Transcript) != "" {
			h.hooks.OnFinal(strings.TrimSpace(alt.Transcript))
		}
		if h.machine.State().Asleep() {
			return nil
		}
		if h.hooks.OnTranscript != nil {
			h.hooks.OnTranscript(Transcript{
				Text:        alt.Transcript,
				Confidence:  alt.Confidence,
				IsFinal:     r.IsFinal,
				SpeechFinal: r.SpeechFinal,
			})
		}
		if r.IsFinal && strings.TrimSpace(alt.Transcript) != "" {
			h.mu.Lock()
			h.utterance = append(h.utterance, strings.TrimSpace(alt.Transcript))
			h.mu.Unlock()
		}
		if r.SpeechFinal {
			h.flushUtterance()
		}

	case TypeVADEvent:
		var v vadEvent
		if err := decode(env, &v); err != nil {
			return err
		}
		h.vad(v.IsSpeech)

	case TypeSpeechStarted:
		h.vad(true)

	case TypeUtteranceEnd:
		h.flushUtterance()
		h.vad(false)

	case TypeMetadata:
		slog.Debug("transcription metadata received")

	default:
		return fmt.Errorf("%w %q", ErrUnsupported, env.Type)
	}
	return nil
}

func (h *Handler) vad(speaking bool) {
	if h.machine.State().Asleep() || h.hooks.OnVAD == nil {
		return
	}
	h.hooks.OnVAD(speaking)
}

// flushUtterance emits the accumulated final transcripts as one user
// utterance. Nothing is emitted when the accumulator is empty.
func (h *Handler) flushUtterance() {
	h.mu.Lock()
	parts := h.utterance
	h.utterance = nil
	h.mu.Unlock()
	if len(parts) == 0 || h.machine.State().Asleep() || h.hooks.OnUtterance == nil {
		return
	}
	h.hooks.OnUtterance(Utterance{Role: "user", Text: strings.Join(parts, " "), Source: channel.RoleTranscription})
}

func (h *Handler) warn(err error) {
	slog.Warn("remote reported a problem", "err", err)
	if h.hooks.OnWarning != nil {
		h.hooks.OnWarning(err)
	}
}

func (p remoteProblem) text() string {
	switch {
	case p.Description != "":
		return p.Description
	case p.Message != "":
		return p.Message
	default:
		return "no description"
	}
}

func decode(env channel.Envelope, v any) error {
	if err := json.Unmarshal(env.Raw, v); err != nil {
		return &errs.ProtocolError{Type: env.Type, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}
