package timeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func constant(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestDevice_ClockAdvancesWithRender(t *testing.T) {
	d := New(16000)
	if d.Now() != 0 {
		t.Fatalf("initial Now() = %d, want 0", d.Now())
	}
	d.Render(make([]float32, 160))
	d.Render(make([]float32, 40))
	if got := d.Now(); got != 200 {
		t.Errorf("Now() = %d, want 200", got)
	}
}

func TestDevice_BackToBackVoicesAreGapless(t *testing.T) {
	d := New(8000)
	var ended atomic.Int32
	if _, err := d.Schedule(constant(10, 0.25), 0, func() { ended.Add(1) }); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := d.Schedule(constant(10, 0.5), 10, func() { ended.Add(1) }); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	out := make([]float32, 25)
	d.Render(out)
	for i := range 10 {
		if out[i] != 0.25 {
			t.Fatalf("sample %d = %v, want 0.25", i, out[i])
		}
	}
	for i := 10; i < 20; i++ {
		if out[i] != 0.5 {
			t.Fatalf("sample %d = %v, want 0.5", i, out[i])
		}
	}
	for i := 20; i < 25; i++ {
		if out[i] != 0 {
			t.Fatalf("sample %d = %v, want silence", i, out[i])
		}
	}
	if got := ended.Load(); got != 2 {
		t.Errorf("ended callbacks = %d, want 2", got)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", d.Pending())
	}
}

func TestDevice_VoiceSpanningWindows(t *testing.T) {
	d := New(8000)
	var ended atomic.Bool
	_, _ = d.Schedule(constant(30, 0.1), 5, func() { ended.Store(true) })

	out := make([]float32, 20)
	d.Render(out)
	if out[4] != 0 || out[5] != 0.1 || out[19] != 0.1 {
		t.Fatalf("first window mixed incorrectly: %v", out)
	}
	if ended.Load() {
		t.Fatal("voice ended too early")
	}
	d.Render(out)
	if out[14] != 0.1 || out[15] != 0 {
		t.Fatalf("second window mixed incorrectly: %v", out)
	}
	if !ended.Load() {
		t.Error("voice did not end after its last sample")
	}
}

func TestDevice_PastStartClampedToNow(t *testing.T) {
	d := New(8000)
	d.Render(make([]float32, 100))
	_, _ = d.Schedule(constant(4, 0.3), 10, nil)
	out := make([]float32, 4)
	d.Render(out)
	if out[0] != 0.3 {
		t.Errorf("late voice should start immediately, got %v", out)
	}
}

func TestDevice_StopSuppressesCallback(t *testing.T) {
	d := New(8000)
	var ended atomic.Bool
	pendingVoice, _ := d.Schedule(constant(10, 0.2), 50, func() { ended.Store(true) })
	activeVoice, _ := d.Schedule(constant(100, 0.2), 0, func() { ended.Store(true) })

	d.Render(make([]float32, 10))
	activeVoice.Stop()
	pendingVoice.Stop()
	pendingVoice.Stop() // idempotent

	out := make([]float32, 200)
	d.Render(out)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("sample %d = %v after stop, want silence", i, s)
		}
	}
	if ended.Load() {
		t.Error("stopped voices must not fire completion callbacks")
	}
}

func TestDevice_MixClamps(t *testing.T) {
	d := New(8000)
	_, _ = d.Schedule(constant(2, 0.8), 0, nil)
	_, _ = d.Schedule(constant(2, 0.8), 0, nil)
	out := make([]float32, 2)
	d.Render(out)
	if out[0] != 1 {
		t.Errorf("mixed sample = %v, want clamp to 1", out[0])
	}
}

func TestDevice_ScheduleErrors(t *testing.T) {
	d := New(8000)
	if _, err := d.Schedule(nil, 0, nil); !errors.Is(err, ErrEmptyBuffer) {
		t.Errorf("empty buffer err = %v, want ErrEmptyBuffer", err)
	}
	_ = d.Close()
	if _, err := d.Schedule(constant(1, 0), 0, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("closed err = %v, want ErrClosed", err)
	}
}

func TestDevice_Run(t *testing.T) {
	d := New(8000)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for d.Now() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if d.Now() == 0 {
		t.Fatal("Run did not advance the clock")
	}
}
