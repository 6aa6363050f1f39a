// Package conversation implements the turn-taking state machine of a voice
// session: idle, listening, thinking, speaking, and a debounced two-step
// sleep (entering_sleep, then sleeping).
//
// The [Machine] holds the single authoritative state. Protocol events are
// fed in with [Machine.Handle]; host commands arrive through
// [Machine.Sleep], [Machine.Wake], [Machine.ToggleSleep] and
// [Machine.Interrupt]. Observers see every edge via [Machine.OnTransition],
// while [Machine.OnStateChange] only fires when the public state (which
// folds entering_sleep into sleeping) actually changes.
//
// Notifications are delivered in transition order outside the machine's
// lock. A listener may call back into the machine; the resulting
// notifications are queued and delivered after the current one returns.
package conversation

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
)

// DefaultSleepDelay is the debounce between entering_sleep and sleeping.
const DefaultSleepDelay = 500 * time.Millisecond

// ── States ──

// State is a conversation state.
type State int

const (
	Idle State = iota
	Listening
	Thinking
	Speaking
	EnteringSleep
	Sleeping
)

var stateNames = [...]string{"idle", "listening", "thinking", "speaking", "entering_sleep", "sleeping"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Asleep reports whether s is entering_sleep or sleeping.
func (s State) Asleep() bool { return s == EnteringSleep || s == Sleeping }

// Public folds entering_sleep into sleeping, the value exposed to hosts.
func (s State) Public() State {
	if s == EnteringSleep {
		return Sleeping
	}
	return s
}

// ── Events ──

// Event is a protocol-originated input to the machine.
type Event int

const (
	// EventReady reports that the session finished starting.
	EventReady Event = iota
	EventUserStartedSpeaking
	EventAgentThinking
	EventAgentStartedSpeaking
	EventAgentAudioDone
)

var eventNames = [...]string{"ready", "user_started_speaking", "agent_thinking", "agent_started_speaking", "agent_audio_done"}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// Transition is one edge taken by the machine.
type Transition struct {
	From  State
	To    State
	Cause string
}

// ── Machine ──

// Option is a functional option for [New].
type Option func(*Machine)

// WithSleepDelay sets the entering_sleep debounce. Non-positive values are
// ignored.
func WithSleepDelay(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.sleepDelay = d
		}
	}
}

// WithMetrics records transitions on met instead of [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = met }
}

// notification is a queued delivery.
type notification struct {
	tr     Transition
	public bool // the public state changed with this edge
}

type listener[F any] struct {
	id int
	fn F
}

func without[F any](ls []listener[F], id int) []listener[F] {
	return slices.DeleteFunc(ls, func(l listener[F]) bool { return l.id == id })
}

// Machine is safe for concurrent use.
type Machine struct {
	sleepDelay time.Duration
	metrics    *observe.Metrics

	mu         sync.Mutex
	state      State
	lastPublic State
	sleepTimer *time.Timer
	sleepGen   uint64

	// Listeners in registration order.
	transitionLs []listener[func(Transition)]
	stateLs      []listener[func(State)]
	nextID       int

	queue    []notification
	draining bool
}

// New returns a machine in the idle state.
func New(opts ...Option) *Machine {
	m := &Machine{
		sleepDelay: DefaultSleepDelay,
		state:      Idle,
		lastPublic: Idle,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// State returns the current internal state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PublicState returns the current host-visible state.
func (m *Machine) PublicState() State {
	return m.State().Public()
}

// SleepDelay returns the configured debounce.
func (m *Machine) SleepDelay() time.Duration { return m.sleepDelay }

// Handle applies a protocol event. Events arriving while asleep are ignored.
// It reports whether the state changed.
func (m *Machine) Handle(ev Event) bool {
	m.mu.Lock()
	changed := false
	cause := ev.String()
	switch s := m.state; {
	case s.Asleep():
		slog.Debug("conversation event ignored while asleep", "event", cause, "state", s)
	case ev == EventReady:
		if s == Idle {
			changed = m.moveLocked(Listening, cause)
		}
	case ev == EventAgentThinking:
		if s == Listening {
			changed = m.moveLocked(Thinking, cause)
		}
	case ev == EventAgentStartedSpeaking:
		if s == Listening {
			m.moveLocked(Thinking, cause)
		}
		if m.state == Thinking {
			changed = m.moveLocked(Speaking, cause)
		}
	case ev == EventUserStartedSpeaking, ev == EventAgentAudioDone:
		if s != Listening {
			changed = m.moveLocked(Listening, cause)
		}
	}
	m.mu.Unlock()
	m.flush()
	return changed
}

// Sleep moves to entering_sleep and arms the debounce timer. It is a no-op
// when already entering_sleep or sleeping.
func (m *Machine) Sleep() bool {
	m.mu.Lock()
	if m.state.Asleep() {
		m.mu.Unlock()
		return false
	}
	m.moveLocked(EnteringSleep, "sleep")
	m.sleepGen++
	gen := m.sleepGen
	m.sleepTimer = time.AfterFunc(m.sleepDelay, func() { m.finishSleep(gen) })
	m.mu.Unlock()
	m.flush()
	return true
}

// Wake returns to listening from sleeping or entering_sleep (cancelling the
// pending timer). Otherwise it is a no-op.
func (m *Machine) Wake() bool {
	m.mu.Lock()
	if !m.state.Asleep() {
		m.mu.Unlock()
		return false
	}
	m.moveLocked(Listening, "wake")
	m.mu.Unlock()
	m.flush()
	return true
}

// ToggleSleep wakes when sleeping, sleeps when awake, and does nothing while
// entering_sleep.
func (m *Machine) ToggleSleep() bool {
	switch m.State() {
	case Sleeping:
		return m.Wake()
	case EnteringSleep:
		return false
	default:
		return m.Sleep()
	}
}

// Interrupt forces the machine to idle from any state.
func (m *Machine) Interrupt() bool {
	return m.ForceIdle("interrupt")
}

// ForceIdle moves to idle from any state, recording cause.
func (m *Machine) ForceIdle(cause string) bool {
	m.mu.Lock()
	changed := m.moveLocked(Idle, cause)
	m.mu.Unlock()
	m.flush()
	return changed
}

// OnTransition registers fn for every edge and returns an unsubscribe
// function.
func (m *Machine) OnTransition(fn func(Transition)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.transitionLs = append(m.transitionLs, listener[func(Transition)]{id: id, fn: fn})
	m.mu.Unlock()
	return m.unsubscriber(func() { m.transitionLs = without(m.transitionLs, id) })
}

// OnStateChange registers fn for public state changes and returns an
// unsubscribe function.
func (m *Machine) OnStateChange(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.stateLs = append(m.stateLs, listener[func(State)]{id: id, fn: fn})
	m.mu.Unlock()
	return m.unsubscriber(func() { m.stateLs = without(m.stateLs, id) })
}

func (m *Machine) unsubscriber(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			remove()
			m.mu.Unlock()
		})
	}
}

// finishSleep is the debounce timer callback.
func (m *Machine) finishSleep(gen uint64) {
	m.mu.Lock()
	if gen != m.sleepGen || m.state != EnteringSleep {
		m.mu.Unlock()
		return
	}
	m.moveLocked(Sleeping, "sleep_timer")
	m.mu.Unlock()
	m.flush()
}

// moveLocked performs one edge and queues its notifications. Leaving
// entering_sleep cancels the pending timer. m.mu must be held.
func (m *Machine) moveLocked(to State, cause string) bool {
	from := m.state
	if from == to {
		return false
	}
	if from == EnteringSleep {
		m.cancelSleepTimerLocked()
	}
	m.state = to

	pub := to.Public()
	publicChanged := pub != m.lastPublic
	m.lastPublic = pub

	m.queue = append(m.queue, notification{
		tr:     Transition{From: from, To: to, Cause: cause},
		public: publicChanged,
	})
	m.metrics.RecordTransition(context.Background(), from.String(), to.String())
	slog.Debug("conversation transition", "from", from, "to", to, "cause", cause)
	return true
}

func (m *Machine) cancelSleepTimerLocked() {
	m.sleepGen++
	if m.sleepTimer != nil {
		m.sleepTimer.Stop()
		m.sleepTimer = nil
	}
}

// flush delivers queued notifications in order. Only one goroutine drains
// at a time; reentrant calls return immediately and their notifications are
// delivered by the active drainer.
func (m *Machine) flush() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.queue) > 0 {
		n := m.queue[0]
		m.queue = m.queue[1:]
		tls := make([]func(Transition), 0, len(m.transitionLs))
		for _, l := range m.transitionLs {
			tls = append(tls, l.fn)
		}
		var sls []func(State)
		if n.public {
			sls = make([]func(State), 0, len(m.stateLs))
			for _, l := range m.stateLs {
				sls = append(sls, l.fn)
			}
		}
		m.mu.Unlock()

		for _, fn := range tls {
			fn(n.tr)
		}
		for _, fn := range sls {
			fn(n.tr.To.Public())
		}

		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}
