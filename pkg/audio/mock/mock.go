// Package mock provides in-memory mock implementations of the
// [audio.InputDevice] and [audio.OutputDevice] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	in := &mock.Input{}
//	cap := capture.New(in, capture.Config{})
//	_ = cap.Initialize(ctx)
//	_ = cap.Start()
//	in.Push(samples) // delivered to the capture callback
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice  = (*Input)(nil)
	_ audio.OutputDevice = (*Output)(nil)
)

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock implementation of [audio.InputDevice].
// Set the exported *Error fields before use; inspect the CallCount* fields after.
type Input struct {
	mu sync.Mutex

	// OpenError is returned by [Input.Open].
	OpenError error

	// StartError is returned by [Input.Start].
	StartError error

	// OpenHook, if set, runs inside Open before the callback is registered.
	// Tests use it to block Open and simulate slow device acquisition.
	OpenHook func(ctx context.Context) error

	// Format is the format passed to the last successful Open.
	Format audio.Format

	CallCountOpen  int
	CallCountStart int
	CallCountStop  int
	CallCountClose int

	onSamples func([]float32)
	running   bool
}

// Open implements [audio.InputDevice].
func (i *Input) Open(ctx context.Context, format audio.Format, onSamples func([]float32)) error {
	i.mu.Lock()
	i.CallCountOpen++
	hook := i.OpenHook
	openErr := i.OpenError
	i.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	if openErr != nil {
		return openErr
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.Format = format
	i.onSamples = onSamples
	return nil
}

// Start implements [audio.InputDevice].
func (i *Input) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.CallCountStart++
	if i.StartError != nil {
		return i.StartError
	}
	i.running = true
	return nil
}

// Stop implements [audio.InputDevice].
func (i *Input) Stop() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.CallCountStop++
	i.running = false
	return nil
}

// Close implements [audio.InputDevice].
func (i *Input) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.CallCountClose++
	i.running = false
	i.onSamples = nil
	return nil
}

// Opens returns CallCountOpen under the lock, for polling from another
// goroutine.
func (i *Input) Opens() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.CallCountOpen
}

// Running reports whether the device is between Start and Stop.
func (i *Input) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

// Push delivers samples to the registered callback as if the hardware had
// captured them. It is a no-op when the device is not running, mirroring a
// real stream that produces nothing while stopped.
func (i *Input) Push(samples []float32) {
	i.mu.Lock()
	cb := i.onSamples
	running := i.running
	i.mu.Unlock()
	if cb != nil && running {
		cb(samples)
	}
}

// ─── Output ───────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Output.Schedule] invocation.
type ScheduleCall struct {
	// Samples is the buffer passed to Schedule.
	Samples []float32

	// At is the requested start position.
	At int64

	// Voice is the handle returned to the caller.
	Voice *Voice
}

// Output is a mock implementation of [audio.OutputDevice] with a manually
// controlled clock. Voices never finish on their own; call [Output.Finish]
// to simulate natural completion.
type Output struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Defaults to 24000 when zero.
	Rate int

	// ScheduleError, if non-nil, is returned by every Schedule call.
	ScheduleError error

	// ScheduleHook, if set, is invoked at the start of Schedule outside the
	// lock. Tests use it to interleave other operations mid-enqueue.
	ScheduleHook func()

	// ScheduleCalls records all Schedule invocations.
	ScheduleCalls []ScheduleCall

	now int64
}

// SampleRate implements [audio.OutputDevice].
func (o *Output) SampleRate() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Rate == 0 {
		return 24000
	}
	return o.Rate
}

// Now implements [audio.Clock].
func (o *Output) Now() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetNow moves the clock. Moving it backwards is ignored.
func (o *Output) SetNow(n int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n > o.now {
		o.now = n
	}
}

// Schedule implements [audio.OutputDevice].
func (o *Output) Schedule(samples []float32, at int64, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	hook := o.ScheduleHook
	o.mu.Unlock()
	if hook != nil {
		hook()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleError != nil {
		return nil, o.ScheduleError
	}
	v := &Voice{onEnded: onEnded}
	o.ScheduleCalls = append(o.ScheduleCalls, ScheduleCall{Samples: samples, At: at, Voice: v})
	return v, nil
}

// Calls returns a snapshot of the recorded Schedule calls.
func (o *Output) Calls() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ScheduleCall, len(o.ScheduleCalls))
	copy(out, o.ScheduleCalls)
	return out
}

// Finish simulates natural completion of the i-th scheduled voice. Stopped
// voices do not fire their callback.
func (o *Output) Finish(i int) {
	o.mu.Lock()
	v := o.ScheduleCalls[i].Voice
	o.mu.Unlock()
	v.finish()
}

// Voice is the mock [audio.Voice] returned by [Output.Schedule].
type Voice struct {
	mu        sync.Mutex
	onEnded   func()
	stopped   bool
	finished  bool
	StopCount int
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.StopCount++
	v.stopped = true
}

// Stopped reports whether Stop has been called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

func (v *Voice) finish() {
	v.mu.Lock()
	if v.stopped || v.finished {
		v.mu.Unlock()
		return
	}
	v.finished = true
	cb := v.onEnded
	v.mu.Unlock()
	if cb != nil {
		cb()
	}
}
