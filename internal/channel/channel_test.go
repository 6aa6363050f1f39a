package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/errs"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a WebSocket server. handler receives the accepted
// conn and the 1-based connection number. Returning from handler closes the
// connection normally.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request, n int)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(count.Add(1))
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r, n)
	}))
	t.Cleanup(srv.Close)
	return srv, &count
}

// holdOpen keeps the server side open until the client closes.
func holdOpen(conn *websocket.Conn) {
	<-conn.CloseRead(context.Background()).Done()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, ev := range r.events {
		if ev.Kind == EventState {
			out = append(out, ev.State)
		}
	}
	return out
}

func (r *recorder) ofKind(k EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

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

func newChannel(t *testing.T, cfg Config) (*Channel, *recorder) {
	t.Helper()
	if cfg.Role == "" {
		cfg.Role = RoleAgent
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 10 * time.Millisecond
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = -1
	}
	ch, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recorder{}
	ch.Subscribe(rec.listen)
	t.Cleanup(ch.Disconnect)
	return ch, rec
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_AuthHeaderAndParams(t *testing.T) {
	t.Parallel()
	got := make(chan *http.Request, 1)
	srv, _ := startServer(t, func(conn *websocket.Conn, r *http.Request, _ int) {
		got <- r
		holdOpen(conn)
	})

	ch, rec := newChannel(t, Config{
		URL:    wsURL(srv) + "/v1/listen?punctuate=true",
		Token:  "secret",
		Params: map[string]string{"model": "nova-3", "sample_rate": "16000"},
	})
	if err := ch.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ch.State() != StateConnected {
		t.Fatalf("State() = %v, want connected", ch.State())
	}

	select {
	case r := <-got:
		if h := r.Header.Get("Authorization"); h != "Token secret" {
			t.Errorf("Authorization = %q, want %q", h, "Token secret")
		}
		q := r.URL.Query()
		if q.Get("model") != "nova-3" || q.Get("sample_rate") != "16000" || q.Get("punctuate") != "true" {
			t.Errorf("query = %v", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw the upgrade request")
	}

	want := []State{StateConnecting, StateConnected}
	if got := rec.states(); !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestConnect_NoOpWhenConnected(t *testing.T) {
	t.Parallel()
	srv, count := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ int) { holdOpen(conn) })
	ch, _ := newChannel(t, Config{URL: wsURL(srv)})
	for range 3 {
		if err := ch.Connect(t.Context()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	if n := count.Load(); n != 1 {
		t.Errorf("server saw %d connections, want 1", n)
	}
}

func TestConnect_Failure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	ch, rec := newChannel(t, Config{URL: wsURL(srv)})
	err := ch.Connect(t.Context())
	if !errors.Is(err, errs.ErrTransport) {
		t.Fatalf("err = %v, want transport error", err)
	}
	if ch.State() != StateError {
		t.Errorf("State() = %v, want error", ch.State())
	}
	if len(rec.ofKind(EventError)) != 1 {
		t.Errorf("got %d error events, want 1", len(rec.ofKind(EventError)))
	}
}

func TestInbound_MessagesBinaryAndMalformed(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ int) {
		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Welcome","request_id":"abc"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`not json`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"no_type":1}`))
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3, 4})
		holdOpen(conn)
	})

	ch, rec := newChannel(t, Config{URL: wsURL(srv)})
	if err := ch.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "binary event", func() bool { return len(rec.ofKind(EventBinary)) == 1 })

	msgs := rec.ofKind(EventMessage)
	if len(msgs) != 1 || msgs[0].Envelope.Type != "Welcome" {
		t.Fatalf("messages = %+v, want one Welcome", msgs)
	}
	var body map[string]string
	if err := json.Unmarshal(msgs[0].Envelope.Raw, &body); err != nil || body["request_id"] != "abc" {
		t.Errorf("raw envelope not preserved: %s", msgs[0].Envelope.Raw)
	}
	errEvents := rec.ofKind(EventError)
	if len(errEvents) != 2 {
		t.Fatalf("got %d error events, want 2", len(errEvents))
	}
	for _, ev := range errEvents {
		if !errors.Is(ev.Err, errs.ErrProtocol) {
			t.Errorf("error event %v is not a protocol error", ev.Err)
		}
	}
	if got := rec.ofKind(EventBinary)[0].Data; !slices.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("binary = %v", got)
	}
	if ch.State() != StateConnected {
		t.Errorf("malformed input changed state to %v", ch.State())
	}
}

func TestSend(t *testing.T) {
	t.Parallel()
	type received struct {
		typ  websocket.MessageType
		data []byte
	}
	got := make(chan received, 2)
	srv, _ := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ int) {
		for range 2 {
			typ, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			got <- received{typ, data}
		}
		holdOpen(conn)
	})

	ch, _ := newChannel(t, Config{URL: wsURL(srv)})
	if err := ch.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ch.SendText(t.Context(), map[string]string{"type": "UpdatePrompt", "prompt": "be brief"}); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := ch.SendBinary(t.Context(), []byte{9, 8}); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}

	first, second := <-got, <-got
	if first.typ != websocket.MessageText || !strings.Contains(string(first.data), `"UpdatePrompt"`) {
		t.Errorf("first message = %v %s", first.typ, first.data)
	}
	if second.typ != websocket.MessageBinary || !slices.Equal(second.data, []byte{9, 8}) {
		t.Errorf("second message = %v %v", second.typ, second.data)
	}
}

func TestSend_NotConnected(t *testing.T) {
	t.Parallel()
	ch, _ := newChannel(t, Config{URL: "ws://127.0.0.1:1"})
	err := ch.SendBinary(t.Context(), []byte{0})
	if !errors.Is(err, ErrNotConnected) || !errors.Is(err, errs.ErrTransport) {
		t.Errorf("err = %v, want transport error wrapping ErrNotConnected", err)
	}
	if err := ch.SendText(t.Context(), map[string]string{"type": "KeepAlive"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestReconnect_AfterUnexpectedClose(t *testing.T) {
	t.Parallel()
	srv, count := startServer(t, func(conn *websocket.Conn, _ *http.Request, n int) {
		if n == 1 {
			return // drop the first connection
		}
		holdOpen(conn)
	})

	ch, rec := newChannel(t, Config{URL: wsURL(srv), Role: RoleTranscription})
	if err := ch.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "second connection", func() bool { return count.Load() == 2 && ch.State() == StateConnected })

	want := []State{StateConnecting, StateConnected, StateClosed, StateConnecting, StateConnected}
	if got := rec.states(); !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestReconnect_CeilingExhausted(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if count.Add(1) > 1 {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusGoingAway, "restart")
	}))
	t.Cleanup(srv.Close)

	ch, rec := newChannel(t, Config{URL: wsURL(srv), MaxReconnects: 3, MaxBackoff: 20 * time.Millisecond})
	if err := ch.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var terminal *errs.TransportError
	waitFor(t, "terminal error", func() bool {
		for _, ev := range rec.ofKind(EventError) {
			var te *errs.TransportError
			if errors.As(ev.Err, &te) && te.Terminal {
				terminal = te
				return true
			}
		}
		return false
	})
	if !errs.Fatal(terminal) {
		t.Error("terminal transport error should be fatal")
	}
	if got := count.Load(); got != 4 {
		t.Errorf("server saw %d requests, want 1 + 3 retries", got)
	}
	if ch.State() != StateError {
		t.Errorf("State() = %v, want error", ch.State())
	}
}

func TestDisconnect_SuppressesReconnect(t *testing.T) {
	t.Parallel()
	srv, count := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ int) { holdOpen(conn) })
	ch, rec := newChannel(t, Config{URL: wsURL(srv)})
	if err := ch.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ch.Disconnect()
	if ch.State() != StateClosed {
		t.Fatalf("State() = %v, want closed", ch.State())
	}
	time.Sleep(100 * time.Millisecond)
	if n := count.Load(); n != 1 {
		t.Errorf("server saw %d connections after Disconnect, want 1", n)
	}
	if got := rec.states(); got[len(got)-1] != StateClosed {
		t.Errorf("states = %v, want to end closed", got)
	}

	// Reconnecting manually works.
	if err := ch.Connect(t.Context()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if ch.State() != StateConnected {
		t.Errorf("State() = %v, want connected", ch.State())
	}
}

func TestKeepAlive(t *testing.T) {
	t.Parallel()
	got := make(chan string, 1)
	srv, _ := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ int) {
		_, data, err := conn.Read(context.Background())
		if err == nil {
			got <- string(data)
		}
		holdOpen(conn)
	})

	ch, _ := newChannel(t, Config{
		URL:              wsURL(srv),
		KeepAlive:        20 * time.Millisecond,
		KeepAliveMessage: map[string]string{"type": "KeepAlive"},
	})
	if err := ch.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case msg := <-got:
		if msg != `{"type":"KeepAlive"}` {
			t.Errorf("keepalive = %s", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no keepalive received")
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ int) { holdOpen(conn) })
	ch, err := New(Config{URL: wsURL(srv), Role: RoleAgent, KeepAlive: -1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(ch.Disconnect)

	var calls atomic.Int32
	unsub := ch.Subscribe(func(Event) { calls.Add(1) })
	unsub()
	unsub()
	_ = ch.Connect(t.Context())
	if calls.Load() != 0 {
		t.Errorf("unsubscribed listener called %d times", calls.Load())
	}
}

func TestSubscribe_RegistrationOrder(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ int) { holdOpen(conn) })
	ch, err := New(Config{URL: wsURL(srv), Role: RoleAgent, KeepAlive: -1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(ch.Disconnect)

	var mu sync.Mutex
	var got []int
	var unsubs []func()
	for i := range 4 {
		unsubs = append(unsubs, ch.Subscribe(func(ev Event) {
			if ev.Kind == EventState && ev.State == StateConnected {
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
			}
		}))
	}
	unsubs[0]()

	if err := ch.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected listeners", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	if want := []int{1, 2, 3}; !slices.Equal(got, want) {
		t.Errorf("listeners ran %v, want %v", got, want)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{URL: "wss://api.example.com/v1/agent", Role: RoleAgent}, false},
		{"missing url", Config{Role: RoleAgent}, true},
		{"http scheme", Config{URL: "https://api.example.com", Role: RoleAgent}, true},
		{"bad role", Config{URL: "wss://x", Role: "tts"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, errs.ErrConfiguration) {
				t.Errorf("err = %v, want configuration error", err)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()
	c := Config{}.withDefaults()
	if c.KeepAlive != 8*time.Second || c.MaxReconnects != 5 || c.ConnectTimeout != 10*time.Second {
		t.Errorf("defaults = %+v", c)
	}
	if d := (Config{MaxReconnects: -1}).withDefaults(); d.MaxReconnects != 0 {
		t.Errorf("negative MaxReconnects should disable reconnection, got %d", d.MaxReconnects)
	}
}
