// Package channel implements a reconnecting, full-duplex WebSocket message
// channel to one remote speech service.
//
// A [Channel] carries JSON envelopes as text messages and raw PCM as binary
// messages. Everything it observes is delivered as an [Event] to the
// listeners registered with [Channel.Subscribe]: state changes, decoded
// envelopes, binary payloads and errors. Listeners run synchronously on the
// channel's reader goroutine, so per-channel arrival order is preserved.
//
// After an unexpected close the channel walks connected → closed →
// connecting and redials with exponential backoff until it reconnects or
// the attempt ceiling is reached, at which point a terminal
// *errs.TransportError is emitted and the state stays at error.
// [Channel.Disconnect] suppresses reconnection.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/MrWong99/parley/internal/errs"
	"github.com/MrWong99/parley/internal/observe"
)

// ErrNotConnected is wrapped by send failures on a channel that is not in
// the connected state.
var ErrNotConnected = errors.New("channel: not connected")

// ErrDisconnected is returned by [Channel.Connect] when [Channel.Disconnect]
// was called while the dial was in flight.
var ErrDisconnected = errors.New("channel: disconnected during connect")

// ── State ──

// State is the connection state of a [Channel].
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "closed"
	}
}

// ── Events ──

// EventKind discriminates [Event].
type EventKind int

const (
	// EventState reports a connection state change in Event.State.
	EventState EventKind = iota

	// EventMessage carries a decoded text envelope in Event.Envelope.
	EventMessage

	// EventBinary carries a binary payload in Event.Data.
	EventBinary

	// EventError carries a transport or protocol failure in Event.Err.
	EventError
)

// Envelope is an inbound JSON message. Type is the value of the top-level
// "type" field; Raw is the complete message.
type Envelope struct {
	Type string
	Raw  json.RawMessage
}

// Event is delivered to [Listener] functions.
type Event struct {
	Kind     EventKind
	State    State
	Envelope Envelope
	Data     []byte
	Err      error
}

// Listener receives channel events. It must not block for long: the reader
// goroutine waits for it.
type Listener func(Event)

// ── Channel ──

// Channel is one logical connection to a remote endpoint. Construct it with
// [New]; the zero value is not usable.
type Channel struct {
	cfg Config

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	gen       uint64 // bumped by Connect and Disconnect; stale goroutines compare against it
	cancel    context.CancelFunc
	listeners []subscriber // registration order
	nextID    int

	sendLog rate.Sometimes
	metrics *observe.Metrics
}

type subscriber struct {
	id int
	l  Listener
}

// New validates cfg, applies defaults, and returns a closed Channel.
func New(cfg Config) (*Channel, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Channel{
		cfg:     cfg,
		state:   StateClosed,
		sendLog: rate.Sometimes{First: 1, Interval: 5 * time.Second},
		metrics: observe.DefaultMetrics(),
	}, nil
}

// Role returns the configured role.
func (c *Channel) Role() Role { return c.cfg.Role }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers l and returns a function that removes it. The
// unsubscribe function is idempotent.
func (c *Channel) Subscribe(l Listener) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners = append(c.listeners, subscriber{id: id, l: l})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.listeners = slices.DeleteFunc(c.listeners, func(s subscriber) bool { return s.id == id })
			c.mu.Unlock()
		})
	}
}

// Connect dials the endpoint. It is a no-op when the channel is already
// connecting or connected. On failure the channel moves to the error state,
// an [EventError] is emitted, and a *errs.TransportError is returned. ctx
// bounds only the dial; the connection outlives it until [Channel.Disconnect].
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	// Supersede a reconnect loop that may still be backing off.
	c.gen++
	gen := c.gen
	stale := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if stale != nil {
		stale()
	}
	c.setState(gen, StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		terr := &errs.TransportError{Role: string(c.cfg.Role), Op: "connect", Err: err}
		if c.setState(gen, StateError) {
			c.emit(gen, Event{Kind: EventError, Err: terr})
		}
		slog.Warn("channel connect failed", "role", c.cfg.Role, "err", err)
		return terr
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "disconnected")
		return &errs.TransportError{Role: string(c.cfg.Role), Op: "connect", Err: ErrDisconnected}
	}
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	c.setState(gen, StateConnected)
	slog.Info("channel connected", "role", c.cfg.Role)
	go c.run(runCtx, conn, gen)
	return nil
}

// Disconnect closes the connection, stops any pending reconnect, and moves
// the channel to closed. Events are no longer delivered for the previous
// connection once Disconnect returns. Safe to call in any state.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.setState(gen, StateClosed)
}

// SendText marshals v as JSON and writes it as one text message.
func (c *Channel) SendText(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("channel: marshal %T: %w", v, err)
	}
	return c.write(ctx, websocket.MessageText, data)
}

// SendBinary writes data as one binary message.
func (c *Channel) SendBinary(ctx context.Context, data []byte) error {
	return c.write(ctx, websocket.MessageBinary, data)
}

func (c *Channel) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if conn == nil || state != StateConnected {
		err := &errs.TransportError{Role: string(c.cfg.Role), Op: "send", Err: ErrNotConnected}
		c.sendLog.Do(func() {
			slog.Warn("send on channel that is not connected", "role", c.cfg.Role, "state", state)
		})
		return err
	}
	if err := conn.Write(ctx, typ, data); err != nil {
		c.sendLog.Do(func() {
			slog.Warn("channel write failed", "role", c.cfg.Role, "err", err)
		})
		return &errs.TransportError{Role: string(c.cfg.Role), Op: "send", Err: err}
	}
	return nil
}

// ── Internals ──

// dial opens a WebSocket to the configured endpoint with the auth header.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := c.cfg.buildURL()
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	if c.cfg.Token != "" {
		headers.Set("Authorization", "Token "+c.cfg.Token)
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	start := time.Now()
	conn, _, err := websocket.Dial(dctx, u, &websocket.DialOptions{HTTPHeader: headers})
	c.metrics.RecordConnect(ctx, string(c.cfg.Role), time.Since(start), err)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(c.cfg.ReadLimit)
	return conn, nil
}

// run serves conn until it fails, then reconnects until superseded or the
// attempt ceiling is reached.
func (c *Channel) run(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		err := c.serve(ctx, conn, gen)
		if c.superseded(gen) || ctx.Err() != nil {
			return
		}
		slog.Warn("channel closed unexpectedly", "role", c.cfg.Role, "err", err)
		_ = conn.Close(websocket.StatusGoingAway, "reconnecting")

		c.mu.Lock()
		if c.gen == gen {
			c.conn = nil
		}
		c.mu.Unlock()
		c.setState(gen, StateClosed)

		conn = c.reconnect(ctx, gen)
		if conn == nil {
			return
		}
	}
}

// serve runs the reader and keepalive workers for one connection.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn, gen uint64) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, conn, gen) })
	if c.cfg.KeepAlive > 0 && c.cfg.KeepAliveMessage != nil {
		g.Go(func() error { return c.keepAliveLoop(gctx, conn) })
	}
	return g.Wait()
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if c.superseded(gen) {
			return nil
		}
		if typ == websocket.MessageBinary {
			c.emit(gen, Event{Kind: EventBinary, Data: data})
			continue
		}
		env, err := parseEnvelope(data)
		if err != nil {
			c.emit(gen, Event{Kind: EventError, Err: &errs.ProtocolError{Role: string(c.cfg.Role), Err: err}})
			continue
		}
		c.emit(gen, Event{Kind: EventMessage, Envelope: env})
	}
}

func (c *Channel) keepAliveLoop(ctx context.Context, conn *websocket.Conn) error {
	data, err := json.Marshal(c.cfg.KeepAliveMessage)
	if err != nil {
		return fmt.Errorf("channel: marshal keepalive: %w", err)
	}
	ticker := time.NewTicker(c.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return fmt.Errorf("channel: keepalive: %w", err)
			}
		}
	}
}

// reconnect redials with exponential backoff. It returns the new connection
// or nil when superseded or out of attempts.
func (c *Channel) reconnect(ctx context.Context, gen uint64) *websocket.Conn {
	backoff := c.cfg.Backoff
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if !c.setState(gen, StateConnecting) {
			return nil
		}

		slog.Info("attempting reconnection",
			"role", c.cfg.Role,
			"attempt", attempt,
			"max_retries", c.cfg.MaxReconnects,
			"backoff", backoff,
		)

		conn, err := c.dial(ctx)
		c.metrics.RecordReconnect(ctx, string(c.cfg.Role), err)
		if err == nil {
			c.mu.Lock()
			if c.gen != gen {
				c.mu.Unlock()
				_ = conn.Close(websocket.StatusNormalClosure, "disconnected")
				return nil
			}
			c.conn = conn
			c.mu.Unlock()
			c.setState(gen, StateConnected)
			slog.Info("reconnection successful", "role", c.cfg.Role, "attempt", attempt)
			return conn
		}

		lastErr = err
		slog.Warn("reconnection attempt failed", "role", c.cfg.Role, "attempt", attempt, "err", err)
		if !c.setState(gen, StateError) {
			return nil
		}
		c.emit(gen, Event{Kind: EventError, Err: &errs.TransportError{
			Role: string(c.cfg.Role), Op: "reconnect", Err: err,
		}})

		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}

	slog.Error("reconnection failed after max retries", "role", c.cfg.Role, "max_retries", c.cfg.MaxReconnects)
	if lastErr == nil {
		lastErr = errors.New("no reconnect attempts configured")
	}
	if c.setState(gen, StateError) {
		c.emit(gen, Event{Kind: EventError, Err: &errs.TransportError{
			Role: string(c.cfg.Role), Op: "reconnect", Terminal: true, Err: lastErr,
		}})
	}
	return nil
}

func (c *Channel) superseded(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != gen
}

// setState moves to s and notifies listeners if gen is still current and
// the state actually changes. It reports whether gen is current.
func (c *Channel) setState(gen uint64, s State) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	if c.state == s {
		c.mu.Unlock()
		return true
	}
	c.state = s
	listeners := c.snapshotLocked()
	c.mu.Unlock()

	ev := Event{Kind: EventState, State: s}
	for _, l := range listeners {
		l(ev)
	}
	return true
}

// emit delivers ev if gen is still current.
func (c *Channel) emit(gen uint64, ev Event) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	listeners := c.snapshotLocked()
	c.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

func (c *Channel) snapshotLocked() []Listener {
	out := make([]Listener, 0, len(c.listeners))
	for _, s := range c.listeners {
		out = append(out, s.l)
	}
	return out
}

// parseEnvelope extracts the "type" discriminator of a JSON object.
func parseEnvelope(data []byte) (Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if head.Type == "" {
		return Envelope{}, errors.New("decode envelope: missing type")
	}
	return Envelope{Type: head.Type, Raw: json.RawMessage(data)}, nil
}
