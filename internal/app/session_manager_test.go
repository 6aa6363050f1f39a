package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/channel"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/protocol"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeAgent is a minimal agent service: it greets every connection with
// Welcome and records the type of each text message it receives.
type fakeAgent struct {
	srv *httptest.Server

	mu    sync.Mutex
	texts []string
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	f := &fakeAgent{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Welcome"}`))
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageText {
				continue
			}
			var head struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(data, &head)
			f.mu.Lock()
			f.texts = append(f.texts, head.Type)
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAgent) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeAgent) count(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.texts {
		if s == typ {
			n++
		}
	}
	return n
}

func testConfig(agentURL string) *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Agent: &config.AgentConfig{
			EndpointConfig: config.EndpointConfig{
				URL:           agentURL,
				Token:         "test",
				KeepAlive:     -1,
				MaxReconnects: -1,
			},
			Language: "en",
		},
		Audio:   config.AudioConfig{InputSampleRate: 16000, OutputSampleRate: 24000, BufferSize: 256},
		Session: config.SessionConfig{SleepDelay: 20 * time.Millisecond, StopGrace: -1},
	}
	cfg.Agent.Think.Prompt = "be helpful"
	return cfg
}

func newTestSessionManager(t *testing.T, cfg *config.Config) (*app.SessionManager, *audiomock.Input) {
	t.Helper()
	in := &audiomock.Input{}
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config: cfg,
		Input:  in,
		Output: &audiomock.Output{Rate: 24000},
	})
	t.Cleanup(func() { _ = sm.Close() })
	return sm, in
}

// ── EngineConfig ──────────────────────────────────────────────────────────────

func TestEngineConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig("wss://agent.example.com")
	cfg.Transcription = &config.EndpointConfig{URL: "wss://stt.example.com", Params: map[string]string{"model": "nova-3"}}
	cfg.Agent.Think.Provider = config.ProviderBlock{"type": "open_ai"}
	cfg.Agent.Think.Functions = []config.FunctionConfig{{Name: "get_time", Description: "now"}}
	cfg.Session.RecordDir = "/tmp/rec"

	ec := app.EngineConfig(cfg, &audiomock.Input{}, &audiomock.Output{}, nil)

	if ec.Transcription == nil || ec.Transcription.Role != channel.RoleTranscription {
		t.Fatalf("transcription = %+v", ec.Transcription)
	}
	if ec.Agent == nil || ec.Agent.Role != channel.RoleAgent || ec.Agent.URL != "wss://agent.example.com" {
		t.Fatalf("agent = %+v", ec.Agent)
	}
	if ec.Agent.KeepAlive != -1 || ec.Agent.MaxReconnects != -1 {
		t.Errorf("agent reconnect settings = %v / %d", ec.Agent.KeepAlive, ec.Agent.MaxReconnects)
	}

	cfg.Transcription.Params["model"] = "changed"
	if ec.Transcription.Params["model"] != "nova-3" {
		t.Error("channel params should be copied, not shared")
	}

	s := ec.AgentSettings
	if s.Prompt != "be helpful" || s.Language != "en" {
		t.Errorf("settings = %+v", s)
	}
	if s.ThinkProvider["type"] != "open_ai" {
		t.Errorf("think provider = %v", s.ThinkProvider)
	}
	if want := []protocol.Function{{Name: "get_time", Description: "now"}}; !slices.EqualFunc(s.Functions, want, func(a, b protocol.Function) bool {
		return a.Name == b.Name && a.Description == b.Description
	}) {
		t.Errorf("functions = %+v", s.Functions)
	}
	if s.InputSampleRate != 16000 || s.OutputSampleRate != 24000 {
		t.Errorf("rates = %d / %d", s.InputSampleRate, s.OutputSampleRate)
	}
	if ec.Capture.SampleRate != 16000 || ec.Capture.BufferSize != 256 {
		t.Errorf("capture = %+v", ec.Capture)
	}
	if ec.StopGrace != -1 || ec.RecordDir != "/tmp/rec" {
		t.Errorf("session = %v %q", ec.StopGrace, ec.RecordDir)
	}
}

func TestEngineConfig_TranscriptionOnly(t *testing.T) {
	t.Parallel()
	cfg := testConfig("")
	cfg.Agent = nil
	cfg.Transcription = &config.EndpointConfig{URL: "wss://stt"}

	ec := app.EngineConfig(cfg, &audiomock.Input{}, &audiomock.Output{}, nil)
	if ec.Agent != nil {
		t.Errorf("agent = %+v, want nil", ec.Agent)
	}
	if ec.AgentSettings.Prompt != "" {
		t.Errorf("agent settings should be empty, got %+v", ec.AgentSettings)
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()

	agent := newFakeAgent(t)
	sm, in := newTestSessionManager(t, testConfig(agent.url()))

	if err := sm.Start(t.Context()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !sm.IsActive() || !sm.Ready() {
		t.Fatalf("active=%v ready=%v after Start", sm.IsActive(), sm.Ready())
	}
	if info := sm.Info(); !strings.HasPrefix(info.SessionID, "session-") || info.StartedAt.IsZero() {
		t.Errorf("info = %+v", info)
	}
	if st := sm.ChannelStates()[channel.RoleAgent]; st != channel.StateConnected {
		t.Errorf("agent channel = %v, want connected", st)
	}
	if !in.Running() {
		t.Error("microphone should be running")
	}
	waitFor(t, "Settings", func() bool { return agent.count(protocol.TypeSettings) == 1 })

	if err := sm.Stop(t.Context()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if sm.IsActive() || sm.Ready() {
		t.Error("expected session to be inactive after Stop")
	}
	if sm.Info().SessionID != "" {
		t.Error("Info() should be cleared after Stop")
	}
	if in.Running() {
		t.Error("microphone should be stopped")
	}
}

func TestSessionManager_RestartGetsFreshID(t *testing.T) {
	t.Parallel()

	agent := newFakeAgent(t)
	sm, _ := newTestSessionManager(t, testConfig(agent.url()))

	seen := make(map[string]bool)
	for i := range 3 {
		if err := sm.Start(t.Context()); err != nil {
			t.Fatalf("Start() #%d error: %v", i, err)
		}
		id := sm.Info().SessionID
		if seen[id] {
			t.Fatalf("session id %q reused on restart #%d", id, i)
		}
		seen[id] = true
		if err := sm.Stop(t.Context()); err != nil {
			t.Fatalf("Stop() #%d error: %v", i, err)
		}
	}
}

func TestSessionManager_DoubleStart(t *testing.T) {
	t.Parallel()

	agent := newFakeAgent(t)
	sm, _ := newTestSessionManager(t, testConfig(agent.url()))

	if err := sm.Start(t.Context()); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	if err := sm.Start(t.Context()); err == nil {
		t.Fatal("second Start() should fail while a session is active")
	}
}

func TestSessionManager_StopWithoutSession(t *testing.T) {
	t.Parallel()
	sm, _ := newTestSessionManager(t, testConfig("ws://127.0.0.1:1"))
	if err := sm.Stop(t.Context()); !errors.Is(err, app.ErrNoSession) {
		t.Errorf("Stop() = %v, want ErrNoSession", err)
	}
	if sm.Engine() != nil {
		t.Error("engine should not be built before Start")
	}
	if len(sm.ChannelStates()) != 0 {
		t.Error("ChannelStates() should be empty before Start")
	}
}

func TestSessionManager_StartFailure(t *testing.T) {
	t.Parallel()
	sm, in := newTestSessionManager(t, testConfig("ws://127.0.0.1:1"))

	if err := sm.Start(t.Context()); err == nil {
		t.Fatal("Start() should fail when the agent is unreachable")
	}
	if sm.IsActive() {
		t.Error("failed Start should not leave a session active")
	}
	if in.Running() {
		t.Error("failed Start should not leave the microphone running")
	}
}

func TestSessionManager_RestartAfterStop(t *testing.T) {
	t.Parallel()

	agent := newFakeAgent(t)
	sm, _ := newTestSessionManager(t, testConfig(agent.url()))

	for i := range 2 {
		if err := sm.Start(t.Context()); err != nil {
			t.Fatalf("Start #%d: %v", i, err)
		}
		if err := sm.Stop(t.Context()); err != nil {
			t.Fatalf("Stop #%d: %v", i, err)
		}
	}
	waitFor(t, "Settings per session", func() bool { return agent.count(protocol.TypeSettings) == 2 })
}

// ── Apply ─────────────────────────────────────────────────────────────────────

func TestSessionManager_ApplyPromptIsLive(t *testing.T) {
	t.Parallel()

	agent := newFakeAgent(t)
	cfg := testConfig(agent.url())
	sm, _ := newTestSessionManager(t, cfg)
	if err := sm.Start(t.Context()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	eng := sm.Engine()

	next := testConfig(agent.url())
	next.Agent.Think.Prompt = "be terse"
	d := sm.Apply(t.Context(), next)

	if !d.PromptChanged || d.RestartRequired() {
		t.Fatalf("diff = %+v", d)
	}
	waitFor(t, "UpdatePrompt", func() bool { return agent.count(protocol.TypeUpdatePrompt) == 1 })
	if sm.Engine() != eng {
		t.Error("a prompt change should not rebuild the engine")
	}
}

func TestSessionManager_ApplyRestartRebuildsOnNextStart(t *testing.T) {
	t.Parallel()

	agent := newFakeAgent(t)
	sm, _ := newTestSessionManager(t, testConfig(agent.url()))
	if err := sm.Start(t.Context()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	first := sm.Engine()

	next := testConfig(agent.url())
	next.Session.SleepDelay = 40 * time.Millisecond
	if d := sm.Apply(t.Context(), next); !slices.Equal(d.RestartFields, []string{"session"}) {
		t.Fatalf("RestartFields = %v", d.RestartFields)
	}
	if sm.Engine() != first {
		t.Error("the running engine must not be replaced mid-session")
	}

	if err := sm.Stop(t.Context()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := sm.Start(t.Context()); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	if sm.Engine() == first {
		t.Error("expected a rebuilt engine after a restart-requiring change")
	}
}
