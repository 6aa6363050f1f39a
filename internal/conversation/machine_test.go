package conversation

import (
	"slices"
	"sync"
	"testing"
	"time"
)

const testDelay = 30 * time.Millisecond

type watcher struct {
	mu     sync.Mutex
	edges  []Transition
	public []State
}

func watch(m *Machine) *watcher {
	w := &watcher{}
	m.OnTransition(func(tr Transition) {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.edges = append(w.edges, tr)
	})
	m.OnStateChange(func(s State) {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.public = append(w.public, s)
	})
	return w
}

func (w *watcher) path() []State {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []State
	for _, e := range w.edges {
		out = append(out, e.To)
	}
	return out
}

func (w *watcher) publics() []State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.public)
}

func listening(t *testing.T) (*Machine, *watcher) {
	t.Helper()
	m := New(WithSleepDelay(testDelay))
	m.Handle(EventReady)
	if m.State() != Listening {
		t.Fatalf("State() = %v after ready, want listening", m.State())
	}
	return m, watch(m)
}

func TestHandle_Transitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		events []Event
		want   State
	}{
		{"ready", nil, Listening},
		{"thinking", []Event{EventAgentThinking}, Thinking},
		{"speaking", []Event{EventAgentThinking, EventAgentStartedSpeaking}, Speaking},
		{"audio done", []Event{EventAgentThinking, EventAgentStartedSpeaking, EventAgentAudioDone}, Listening},
		{"barge-in while speaking", []Event{EventAgentThinking, EventAgentStartedSpeaking, EventUserStartedSpeaking}, Listening},
		{"barge-in while thinking", []Event{EventAgentThinking, EventUserStartedSpeaking}, Listening},
		{"thinking ignored while speaking", []Event{EventAgentThinking, EventAgentStartedSpeaking, EventAgentThinking}, Speaking},
		{"second ready ignored", []Event{EventAgentThinking, EventReady}, Thinking},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m, _ := listening(t)
			for _, ev := range tc.events {
				m.Handle(ev)
			}
			if got := m.State(); got != tc.want {
				t.Errorf("State() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHandle_SpeakingFromListeningStepsThroughThinking(t *testing.T) {
	t.Parallel()
	m, w := listening(t)
	if !m.Handle(EventAgentStartedSpeaking) {
		t.Fatal("Handle reported no change")
	}
	want := []State{Thinking, Speaking}
	if got := w.path(); !slices.Equal(got, want) {
		t.Errorf("path = %v, want %v", got, want)
	}
}

func TestHandle_UserSpeechFromIdle(t *testing.T) {
	t.Parallel()
	m := New()
	m.Handle(EventUserStartedSpeaking)
	if m.State() != Listening {
		t.Errorf("State() = %v, want listening", m.State())
	}
}

func TestHandle_IgnoredWhileAsleep(t *testing.T) {
	t.Parallel()
	m, _ := listening(t)
	m.Sleep()
	for _, ev := range []Event{EventUserStartedSpeaking, EventAgentThinking, EventAgentStartedSpeaking, EventAgentAudioDone} {
		if m.Handle(ev) {
			t.Errorf("%v changed state while entering_sleep", ev)
		}
	}
	if m.State() != EnteringSleep {
		t.Errorf("State() = %v, want entering_sleep", m.State())
	}
}

func TestSleep_DebouncedToSleeping(t *testing.T) {
	t.Parallel()
	m, w := listening(t)
	m.Sleep()
	if m.State() != EnteringSleep {
		t.Fatalf("State() = %v, want entering_sleep", m.State())
	}
	if m.PublicState() != Sleeping {
		t.Errorf("PublicState() = %v, want sleeping", m.PublicState())
	}
	if m.Sleep() {
		t.Error("second Sleep should be a no-op")
	}

	time.Sleep(3 * testDelay)
	if m.State() != Sleeping {
		t.Fatalf("State() = %v after debounce, want sleeping", m.State())
	}
	if got := w.publics(); !slices.Equal(got, []State{Sleeping}) {
		t.Errorf("public notifications = %v, want exactly [sleeping]", got)
	}
	if got := w.path(); !slices.Equal(got, []State{EnteringSleep, Sleeping}) {
		t.Errorf("path = %v", got)
	}
}

func TestSleepThenImmediateWake_EndsListening(t *testing.T) {
	t.Parallel()
	m, w := listening(t)
	m.Sleep()
	if !m.Wake() {
		t.Fatal("Wake from entering_sleep reported no change")
	}
	time.Sleep(3 * testDelay)
	if m.State() != Listening {
		t.Fatalf("State() = %v, want listening", m.State())
	}
	for _, s := range w.path() {
		if s == Sleeping {
			t.Fatal("machine reached sleeping despite wake")
		}
	}
}

func TestToggleSleep_TwiceFromListening(t *testing.T) {
	t.Parallel()
	m, w := listening(t)

	m.ToggleSleep()
	time.Sleep(3 * testDelay)
	if m.State() != Sleeping {
		t.Fatalf("State() = %v, want sleeping", m.State())
	}
	m.ToggleSleep()
	if m.State() != Listening {
		t.Fatalf("State() = %v, want listening", m.State())
	}

	wakes := 0
	for _, s := range w.publics() {
		if s == Listening {
			wakes++
		}
	}
	if wakes != 1 {
		t.Errorf("wake notifications = %d, want 1 (all: %v)", wakes, w.publics())
	}
}

func TestToggleSleep_NoOpWhileEnteringSleep(t *testing.T) {
	t.Parallel()
	m, _ := listening(t)
	m.ToggleSleep()
	if m.ToggleSleep() {
		t.Error("toggle during entering_sleep should be a no-op")
	}
	if m.State() != EnteringSleep {
		t.Errorf("State() = %v, want entering_sleep", m.State())
	}
}

func TestWake_NoOpWhenAwake(t *testing.T) {
	t.Parallel()
	m, w := listening(t)
	if m.Wake() {
		t.Error("Wake while listening reported a change")
	}
	if len(w.path()) != 0 {
		t.Errorf("unexpected transitions %v", w.path())
	}
}

func TestInterrupt_ForcesIdleAndCancelsTimer(t *testing.T) {
	t.Parallel()
	m, _ := listening(t)
	m.Sleep()
	m.Interrupt()
	if m.State() != Idle {
		t.Fatalf("State() = %v, want idle", m.State())
	}
	time.Sleep(3 * testDelay)
	if m.State() != Idle {
		t.Errorf("stale sleep timer fired: State() = %v", m.State())
	}
}

func TestListenerMayReenter(t *testing.T) {
	t.Parallel()
	m, _ := listening(t)
	var order []State
	var mu sync.Mutex
	m.OnTransition(func(tr Transition) {
		mu.Lock()
		order = append(order, tr.To)
		mu.Unlock()
		if tr.To == Thinking {
			m.Handle(EventAgentStartedSpeaking)
		}
	})
	m.Handle(EventAgentThinking)

	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(order, []State{Thinking, Speaking}) {
		t.Errorf("order = %v, want [thinking speaking]", order)
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	m := New()
	calls := 0
	unsub := m.OnStateChange(func(State) { calls++ })
	unsub()
	unsub()
	m.Handle(EventReady)
	if calls != 0 {
		t.Errorf("listener called %d times after unsubscribe", calls)
	}
}

func TestListeners_RegistrationOrder(t *testing.T) {
	t.Parallel()
	m := New()
	var edges, publics []int
	var unsubs []func()
	for i := range 5 {
		unsubs = append(unsubs,
			m.OnTransition(func(Transition) { edges = append(edges, i) }),
			m.OnStateChange(func(State) { publics = append(publics, i) }),
		)
	}
	unsubs[2]()
	unsubs[3]()

	m.Handle(EventReady)
	m.Handle(EventAgentThinking)

	want := []int{0, 2, 3, 4, 0, 2, 3, 4}
	if !slices.Equal(edges, want) {
		t.Errorf("transition listeners ran %v, want %v", edges, want)
	}
	if !slices.Equal(publics, want) {
		t.Errorf("state listeners ran %v, want %v", publics, want)
	}
}

func TestStateStrings(t *testing.T) {
	t.Parallel()
	if EnteringSleep.String() != "entering_sleep" || EnteringSleep.Public() != Sleeping {
		t.Errorf("entering_sleep string/public mismatch")
	}
	if EventAgentAudioDone.String() != "agent_audio_done" {
		t.Errorf("event string = %q", EventAgentAudioDone.String())
	}
}
