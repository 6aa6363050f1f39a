// Package engine orchestrates one voice session: microphone capture, the
// transcription and agent channels, the protocol handler, the conversation
// state machine, and gapless playback of agent speech.
//
// An [Engine] is the only component that touches all others. Capture frames
// are routed to the transcription channel unconditionally and to the agent
// channel only while it is connected and the conversation is awake. Inbound
// channel events flow through the [protocol.Handler], which drives the
// machine and the playback scheduler and fires host [Hooks].
//
// Either channel may be omitted: a nil [Config.Transcription] gives an
// agent-only session, a nil [Config.Agent] a transcription-only one.
//
// Start and Stop may race. Every Start carries a session generation; Stop
// bumps it, and a superseded Start unwinds instead of finishing, so nothing
// is left running once Stop returns.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/MrWong99/parley/internal/channel"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/errs"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/voicecmd"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/audio/recorder"
)

const (
	// DefaultStopGrace is how long Stop waits after CloseStream for trailing
	// transcripts before closing the channels.
	DefaultStopGrace = 1500 * time.Millisecond

	// DefaultAgentOutputRate is the sample rate requested for agent speech.
	DefaultAgentOutputRate = 24000

	// sendTimeout bounds one binary frame write.
	sendTimeout = 2 * time.Second
)

// ErrStopped is returned by Start when a concurrent Stop superseded it.
var ErrStopped = errors.New("engine: stopped during start")

// Config describes one session. Input and Output are required, as is at
// least one of Transcription and Agent.
type Config struct {
	// Transcription is the speech-to-text endpoint. Nil disables it.
	Transcription *channel.Config

	// Agent is the conversational agent endpoint. Nil disables it.
	Agent *channel.Config

	// AgentSettings populates the Settings message sent on Welcome. Zero
	// sample rates default to the capture rate (input) and
	// [DefaultAgentOutputRate] (output).
	AgentSettings protocol.AgentConfig

	Input   audio.InputDevice
	Output  audio.OutputDevice
	Capture capture.Config

	// SleepDelay is the entering_sleep debounce. Default: 500ms.
	SleepDelay time.Duration

	// StopGrace bounds the wait between CloseStream and disconnect.
	// Default: 1.5s. Negative disables the wait.
	StopGrace time.Duration

	// RecordDir, when set, receives mic-<ts>.wav and agent-<ts>.wav for every
	// session.
	RecordDir string

	// WakePhrases wake the conversation when heard in a final transcript
	// while asleep; SleepPhrases put it to sleep while awake. Both need a
	// transcription channel, which keeps receiving audio during sleep.
	WakePhrases  []string
	SleepPhrases []string

	Metrics *observe.Metrics
}

// Hooks are optional host callbacks. They run on engine goroutines and must
// not block. They may issue host commands but must not call Start or Stop
// synchronously.
type Hooks struct {
	OnReady         func(ready bool)
	OnChannelState  func(role channel.Role, state channel.State)
	OnTranscript    func(protocol.Transcript)
	OnUtterance     func(protocol.Utterance)
	OnVAD           func(speaking bool)
	OnAgentState    func(conversation.State)
	OnPlaybackState func(playing bool)
	OnWarning       func(error)

	// OnError receives fatal errors, once per session. Readiness is already
	// false when it runs.
	OnError func(error)

	OnFunctionCall func(ctx context.Context, call protocol.FunctionCall) (string, error)
}

// Engine is safe for concurrent use. Construct it with [New].
type Engine struct {
	cfg     Config
	hooks   Hooks
	metrics *observe.Metrics

	machine  *conversation.Machine
	capture  *capture.Capture
	playback *playback.Playback
	handler  *protocol.Handler
	channels map[channel.Role]*channel.Channel
	voice    *voicecmd.Filter

	// lifeMu serialises the check-and-act steps of Start against Stop.
	lifeMu sync.Mutex

	// notifyMu orders OnReady deliveries; notified is the last value sent.
	notifyMu sync.Mutex
	notified bool

	mu       sync.Mutex
	gen      uint64
	running  bool
	ready    bool
	counted  bool // ActiveSessions was incremented for this session
	failed   bool
	micRec   *recorder.Recorder
	agentRec *recorder.Recorder

	sendLog rate.Sometimes
}

// New validates cfg and wires all components. No device is opened and no
// connection is made until [Engine.Start].
func New(cfg Config, hooks Hooks) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	e := &Engine{
		cfg:      cfg,
		hooks:    hooks,
		metrics:  cfg.Metrics,
		channels: make(map[channel.Role]*channel.Channel),
		sendLog:  rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	e.machine = conversation.New(conversation.WithSleepDelay(cfg.SleepDelay), conversation.WithMetrics(cfg.Metrics))
	e.capture = capture.New(cfg.Input, cfg.Capture)
	e.playback = playback.New(cfg.Output, playback.WithTap(e.recordAgent))

	captureRate := e.capture.Format().SampleRate
	for _, cc := range []*channel.Config{cfg.Transcription, cfg.Agent} {
		if cc == nil {
			continue
		}
		ch, err := channel.New(channelConfig(*cc, captureRate))
		if err != nil {
			return nil, err
		}
		e.channels[cc.Role] = ch
		role := cc.Role
		ch.Subscribe(func(ev channel.Event) { e.onChannelEvent(role, ev) })
	}

	settings := cfg.AgentSettings
	if settings.InputSampleRate == 0 {
		settings.InputSampleRate = captureRate
	}
	if settings.OutputSampleRate == 0 {
		settings.OutputSampleRate = DefaultAgentOutputRate
	}
	hcfg := protocol.Config{
		Machine:  e.machine,
		Player:   e.playback,
		Settings: protocol.BuildSettings(settings),
		Metrics:  cfg.Metrics,
		Hooks: protocol.Hooks{
			OnTranscript:   hooks.OnTranscript,
			OnUtterance:    hooks.OnUtterance,
			OnVAD:          hooks.OnVAD,
			OnWarning:      hooks.OnWarning,
			OnFunctionCall: hooks.OnFunctionCall,
		},
	}
	if e.voice = voicecmd.New(cfg.WakePhrases, cfg.SleepPhrases); !e.voice.Empty() {
		hcfg.Hooks.OnFinal = e.onFinal
	}
	if agent, ok := e.channels[channel.RoleAgent]; ok {
		hcfg.Agent = agent
	}
	e.handler = protocol.NewHandler(hcfg)

	e.capture.Subscribe(e.route)
	e.machine.OnTransition(func(tr conversation.Transition) {
		if tr.To == conversation.EnteringSleep {
			e.cancelPlayback("sleep")
		}
	})
	e.machine.OnStateChange(func(s conversation.State) {
		if e.hooks.OnAgentState != nil {
			e.hooks.OnAgentState(s)
		}
	})
	e.playback.Subscribe(func(ev playback.Event) {
		if e.hooks.OnPlaybackState != nil {
			e.hooks.OnPlaybackState(ev == playback.EventPlaying)
		}
	})
	return e, nil
}

func (c Config) validate() error {
	var errList []error
	if c.Transcription == nil && c.Agent == nil {
		errList = append(errList, &errs.ConfigurationError{
			Field: "channels", Err: errors.New("at least one of transcription or agent is required"),
		})
	}
	if c.Transcription != nil && c.Transcription.Role != channel.RoleTranscription {
		errList = append(errList, &errs.ConfigurationError{
			Field: "transcription.role", Err: fmt.Errorf("must be %q, got %q", channel.RoleTranscription, c.Transcription.Role),
		})
	}
	if c.Agent != nil && c.Agent.Role != channel.RoleAgent {
		errList = append(errList, &errs.ConfigurationError{
			Field: "agent.role", Err: fmt.Errorf("must be %q, got %q", channel.RoleAgent, c.Agent.Role),
		})
	}
	if c.Input == nil {
		errList = append(errList, &errs.ConfigurationError{Field: "input", Err: errors.New("input device is required")})
	}
	if c.Output == nil {
		errList = append(errList, &errs.ConfigurationError{Field: "output", Err: errors.New("output device is required")})
	}
	return errors.Join(errList...)
}

// channelConfig fills protocol defaults into a copy of cc: the keepalive
// message and, for transcription, the PCM format query parameters.
func channelConfig(cc channel.Config, captureRate int) channel.Config {
	if cc.KeepAliveMessage == nil {
		cc.KeepAliveMessage = protocol.BuildKeepAlive()
	}
	if cc.Role == channel.RoleTranscription {
		params := maps.Clone(cc.Params)
		if params == nil {
			params = make(map[string]string)
		}
		if _, ok := params["encoding"]; !ok {
			params["encoding"] = protocol.DefaultEncoding
		}
		if _, ok := params["sample_rate"]; !ok {
			params["sample_rate"] = strconv.Itoa(captureRate)
		}
		if _, ok := params["channels"]; !ok {
			params["channels"] = "1"
		}
		cc.Params = params
	}
	return cc
}

// ── Lifecycle ──

// Start initialises capture, connects the configured channels in parallel,
// begins capturing, and reports ready. Start on a running engine is a no-op.
// On failure everything started so far is torn down and the typed cause is
// returned; fatal causes are also delivered to Hooks.OnError.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.gen++
	gen := e.gen
	e.running = true
	e.failed = false
	e.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "engine.start")
	begin := time.Now()
	err := e.start(ctx, gen)
	observe.EndSpan(span, err)
	e.metrics.StartDuration.Record(ctx, time.Since(begin).Seconds(),
		metric.WithAttributes(observe.Attr("status", startStatus(err))))

	if err == nil {
		if e.superseded(gen) {
			return ErrStopped
		}
		observe.Logger(ctx).Info("engine ready", "duration", time.Since(begin), "channels", len(e.channels))
		e.syncReady()
		return nil
	}

	e.lifeMu.Lock()
	e.mu.Lock()
	current := e.gen == gen
	if current {
		e.running = false
	}
	e.mu.Unlock()
	if current {
		e.teardown()
		e.machine.ForceIdle("start_failed")
	}
	e.lifeMu.Unlock()

	observe.Logger(ctx).Warn("engine start failed", "err", err)
	if current && errs.Fatal(err) {
		e.fail(err)
	}
	return err
}

func (e *Engine) start(ctx context.Context, gen uint64) error {
	// Device acquisition may block; Stop does not wait for it.
	if err := e.capture.Initialize(ctx); err != nil {
		return err
	}

	e.lifeMu.Lock()
	if e.superseded(gen) {
		e.lifeMu.Unlock()
		return ErrStopped
	}
	err := e.openRecorders()
	e.lifeMu.Unlock()
	if err != nil {
		return err
	}

	// Connect blocks; Stop interrupts it through Channel.Disconnect.
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range e.channels {
		g.Go(func() error { return ch.Connect(gctx) })
	}
	if err := g.Wait(); err != nil {
		if e.superseded(gen) {
			return ErrStopped
		}
		return err
	}

	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.superseded(gen) {
		return ErrStopped
	}
	if err := e.capture.Start(); err != nil {
		return err
	}
	e.mu.Lock()
	e.ready = true
	e.counted = true
	e.mu.Unlock()
	e.metrics.ActiveSessions.Add(ctx, 1)
	e.machine.Handle(conversation.EventReady)
	return nil
}

// Stop ends the session: CloseStream on the transcription channel, capture
// stopped, a grace wait for trailing results (cut short by ctx), then every
// channel closed and playback cancelled. Stop on a stopped engine is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifeMu.Lock()
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		e.lifeMu.Unlock()
		return nil
	}
	e.gen++
	e.running = false
	wasReady := e.ready
	counted := e.counted
	e.ready = false
	e.counted = false
	e.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "engine.stop")
	var errList []error
	if ch, ok := e.channels[channel.RoleTranscription]; ok && ch.State() == channel.StateConnected {
		if err := ch.SendText(ctx, protocol.BuildCloseStream()); err != nil {
			slog.Debug("close stream not delivered", "err", err)
		}
	}
	if err := e.capture.Stop(); err != nil {
		errList = append(errList, err)
	}
	if wasReady && e.cfg.StopGrace > 0 && e.anyConnected() {
		timer := time.NewTimer(e.cfg.StopGrace)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
	errList = append(errList, e.teardown())
	e.machine.ForceIdle("stop")
	e.lifeMu.Unlock()

	err := errors.Join(errList...)
	observe.EndSpan(span, err)
	if counted {
		e.metrics.ActiveSessions.Add(ctx, -1)
	}
	e.syncReady()
	slog.Info("engine stopped")
	return err
}

// Close stops the session and releases the input device.
func (e *Engine) Close() error {
	return errors.Join(e.Stop(context.Background()), e.capture.Close())
}

// teardown disconnects channels, stops capture and playback, and closes
// recorders. It is idempotent. lifeMu must be held.
func (e *Engine) teardown() error {
	var errList []error
	if err := e.capture.Stop(); err != nil {
		errList = append(errList, err)
	}
	for _, ch := range e.channels {
		ch.Disconnect()
	}
	e.playback.CancelAll()
	errList = append(errList, e.closeRecorders())
	return errors.Join(errList...)
}

func (e *Engine) superseded(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen != gen
}

func (e *Engine) anyConnected() bool {
	for _, ch := range e.channels {
		if ch.State() == channel.StateConnected {
			return true
		}
	}
	return false
}

func startStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ── Host commands ──

// Sleep begins the debounced transition to sleeping.
func (e *Engine) Sleep() bool { return e.machine.Sleep() }

// Wake returns to listening from sleeping or entering_sleep.
func (e *Engine) Wake() bool { return e.machine.Wake() }

// ToggleSleep wakes when sleeping and sleeps when awake.
func (e *Engine) ToggleSleep() bool { return e.machine.ToggleSleep() }

// Interrupt cancels all queued agent audio, then forces the conversation to
// idle.
func (e *Engine) Interrupt() {
	e.cancelPlayback("interrupt")
	e.machine.Interrupt()
}

// cancelPlayback drops all queued agent audio. Entering sleep runs it from
// the machine's transition listener, so host and spoken commands share it.
func (e *Engine) cancelPlayback(cause string) {
	playing := e.playback.IsPlaying()
	e.playback.CancelAll()
	if playing || cause == "interrupt" {
		e.metrics.RecordPlaybackCancel(context.Background())
	}
	slog.Debug("agent audio cancelled", "cause", cause, "was_playing", playing)
}

// UpdateInstructions replaces the agent prompt. It is a logged no-op when no
// agent channel is configured or connected.
func (e *Engine) UpdateInstructions(ctx context.Context, text string) error {
	return e.sendAgent(ctx, "update_instructions", protocol.BuildPromptUpdate(text))
}

// InjectMessage makes the agent speak text. It is a logged no-op when no
// agent channel is configured or connected.
func (e *Engine) InjectMessage(ctx context.Context, text string) error {
	return e.sendAgent(ctx, "inject_message", protocol.BuildInjectMessage(text))
}

func (e *Engine) sendAgent(ctx context.Context, op string, msg any) error {
	ch, ok := e.channels[channel.RoleAgent]
	if !ok {
		slog.Warn("no agent channel configured", "op", op)
		return nil
	}
	if ch.State() != channel.StateConnected {
		slog.Warn("agent channel not connected", "op", op, "state", ch.State())
		return nil
	}
	if err := ch.SendText(ctx, msg); err != nil {
		return fmt.Errorf("engine: %s: %w", op, err)
	}
	return nil
}

// ── Accessors ──

// Ready reports whether the session is started and has not failed.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// State returns the host-visible conversation state.
func (e *Engine) State() conversation.State { return e.machine.PublicState() }

// ChannelStates returns the connection state of every configured channel.
func (e *Engine) ChannelStates() map[channel.Role]channel.State {
	out := make(map[channel.Role]channel.State, len(e.channels))
	for role, ch := range e.channels {
		out[role] = ch.State()
	}
	return out
}

// IsPlaying reports whether agent audio is queued or playing.
func (e *Engine) IsPlaying() bool { return e.playback.IsPlaying() }

// ── Routing ──

// route forwards one captured frame. Transcription receives every frame;
// the agent only while awake.
func (e *Engine) route(frame audio.Frame) {
	e.mu.Lock()
	rec := e.micRec
	e.mu.Unlock()
	if rec != nil {
		if err := rec.WriteFrame(frame); err != nil {
			e.sendLog.Do(func() { slog.Warn("mic recording failed", "err", err) })
		}
	}

	if ch, ok := e.channels[channel.RoleTranscription]; ok {
		e.send(ch, frame)
	}
	if ch, ok := e.channels[channel.RoleAgent]; ok {
		if e.machine.State().Asleep() {
			e.metrics.RecordFrameDropped(context.Background(), "asleep")
			return
		}
		e.send(ch, frame)
	}
}

func (e *Engine) send(ch *channel.Channel, frame audio.Frame) {
	role := string(ch.Role())
	if ch.State() != channel.StateConnected {
		e.metrics.RecordFrameDropped(context.Background(), "disconnected")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := ch.SendBinary(ctx, frame.Data); err != nil {
		e.metrics.RecordFrameDropped(ctx, "send_failed")
		e.sendLog.Do(func() { slog.Warn("audio frame not sent", "role", role, "seq", frame.Seq, "err", err) })
		return
	}
	e.metrics.RecordFrameSent(ctx, role)
}

// onChannelEvent runs on the reader goroutine of the channel with role.
func (e *Engine) onChannelEvent(role channel.Role, ev channel.Event) {
	ctx := context.Background()
	switch ev.Kind {
	case channel.EventState:
		if ev.State != channel.StateConnected {
			e.handler.ResetConnection(role)
		}
		if e.hooks.OnChannelState != nil {
			e.hooks.OnChannelState(role, ev.State)
		}
	case channel.EventMessage:
		_ = e.handler.HandleInbound(ctx, role, ev.Envelope)
	case channel.EventBinary:
		_ = e.handler.HandleBinary(ctx, role, ev.Data)
	case channel.EventError:
		switch {
		case errs.Fatal(ev.Err):
			e.fail(ev.Err)
		case errors.Is(ev.Err, errs.ErrProtocol):
			e.metrics.RecordProtocolError(ctx, string(role))
			slog.Warn("malformed message", "role", role, "err", ev.Err)
		default:
			slog.Debug("channel error", "role", role, "err", ev.Err)
		}
	}
}

// onFinal applies spoken sleep and wake commands.
func (e *Engine) onFinal(text string) {
	action, phrase := e.voice.Check(text, e.machine.State().Asleep())
	var changed bool
	switch action {
	case voicecmd.Wake:
		changed = e.machine.Wake()
	case voicecmd.Sleep:
		changed = e.machine.Sleep()
	default:
		return
	}
	if changed {
		slog.Info("voice command", "command", action, "phrase", phrase)
	}
}

// fail delivers a fatal error to the host once per session and drops
// readiness.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.failed {
		e.mu.Unlock()
		return
	}
	e.failed = true
	e.ready = false
	e.mu.Unlock()

	slog.Error("engine failed", "err", err)
	e.syncReady()
	if e.hooks.OnError != nil {
		e.hooks.OnError(err)
	}
}

// syncReady delivers the current readiness to Hooks.OnReady when it differs
// from the last delivered value. Every change of e.ready is followed by a
// call, so the final notification always matches Ready() even when Start,
// Stop and fail race.
func (e *Engine) syncReady() {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	ready := e.Ready()
	if ready == e.notified {
		return
	}
	e.notified = ready
	if e.hooks.OnReady != nil {
		e.hooks.OnReady(ready)
	}
}

// ── Recording ──

func (e *Engine) openRecorders() error {
	if e.cfg.RecordDir == "" {
		return nil
	}
	stamp := time.Now().UTC().Format("20060102T150405")
	mic, err := recorder.Create(filepath.Join(e.cfg.RecordDir, "mic-"+stamp+".wav"), e.capture.Format().SampleRate)
	if err != nil {
		return fmt.Errorf("engine: open mic recording: %w", err)
	}
	agent, err := recorder.Create(filepath.Join(e.cfg.RecordDir, "agent-"+stamp+".wav"), e.cfg.Output.SampleRate())
	if err != nil {
		_ = mic.Close()
		return fmt.Errorf("engine: open agent recording: %w", err)
	}
	e.mu.Lock()
	e.micRec, e.agentRec = mic, agent
	e.mu.Unlock()
	slog.Info("recording session", "mic", mic.Path(), "agent", agent.Path())
	return nil
}

func (e *Engine) closeRecorders() error {
	e.mu.Lock()
	mic, agent := e.micRec, e.agentRec
	e.micRec, e.agentRec = nil, nil
	e.mu.Unlock()

	var errList []error
	for _, r := range []*recorder.Recorder{mic, agent} {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// recordAgent is the playback tap.
func (e *Engine) recordAgent(samples []float32, _ int) {
	e.mu.Lock()
	rec := e.agentRec
	e.mu.Unlock()
	if rec == nil {
		return
	}
	if err := rec.WriteSamples(samples); err != nil {
		e.sendLog.Do(func() { slog.Warn("agent recording failed", "err", err) })
	}
}
