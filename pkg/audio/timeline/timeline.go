// Package timeline provides a pure-Go [audio.OutputDevice]: a sample-accurate
// audio clock plus a scheduler that mixes voices into a pull-based output
// stream.
//
// The clock only advances when [Device.Render] is called, so the device can
// be driven by a hardware callback (see audio/portaudio), by a real-time
// ticker ([Device.Run]) when no speaker is attached, or step by step from
// tests. Scheduled voices wait in a min-heap ordered by start position and
// are mixed sample-exactly once their start falls inside a render window.
package timeline

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.OutputDevice = (*Device)(nil)

// ErrEmptyBuffer is returned by [Device.Schedule] for a zero-length buffer.
var ErrEmptyBuffer = errors.New("timeline: empty buffer")

// ErrClosed is returned by [Device.Schedule] after [Device.Close].
var ErrClosed = errors.New("timeline: device closed")

// Device is a software output device. All exported methods are safe for
// concurrent use; completion callbacks run on the goroutine calling Render,
// outside the device lock.
type Device struct {
	rate int

	mu      sync.Mutex
	now     int64
	seq     uint64
	pending voiceHeap
	active  []*voice
	closed  bool
}

// voice is one scheduled buffer. It implements [audio.Voice].
type voice struct {
	dev     *Device
	samples []float32
	start   int64
	seq     uint64
	index   int // heap index while pending, -1 otherwise
	onEnded func()
	stopped bool
}

// New creates a Device whose clock runs at sampleRate samples per second.
func New(sampleRate int) *Device {
	return &Device{rate: sampleRate}
}

// SampleRate implements [audio.OutputDevice].
func (d *Device) SampleRate() int { return d.rate }

// Now implements [audio.Clock]. It returns the number of samples rendered so
// far, which is the start position of the next render window.
func (d *Device) Now() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// Schedule implements [audio.OutputDevice]. A start position in the past is
// moved to the current clock value.
func (d *Device) Schedule(samples []float32, at int64, onEnded func()) (audio.Voice, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyBuffer
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if at < d.now {
		at = d.now
	}
	d.seq++
	v := &voice{
		dev:     d,
		samples: samples,
		start:   at,
		seq:     d.seq,
		onEnded: onEnded,
	}
	heap.Push(&d.pending, v)
	return v, nil
}

// Pending returns the number of voices that are scheduled or playing.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.Len() + len(d.active)
}

// Render mixes every voice overlapping the next len(out) samples into out,
// advances the clock by len(out), and fires completion callbacks for voices
// that finished inside the window. out is overwritten.
func (d *Device) Render(out []float32) {
	clear(out)

	d.mu.Lock()
	winStart := d.now
	winEnd := winStart + int64(len(out))

	for d.pending.Len() > 0 && d.pending[0].start < winEnd {
		d.active = append(d.active, heap.Pop(&d.pending).(*voice))
	}

	var finished []func()
	kept := d.active[:0]
	for _, v := range d.active {
		end := v.start + int64(len(v.samples))
		from := max(v.start, winStart)
		to := min(end, winEnd)
		for pos := from; pos < to; pos++ {
			out[pos-winStart] += v.samples[pos-v.start]
		}
		if end <= winEnd {
			if v.onEnded != nil {
				finished = append(finished, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(d.active[len(kept):])
	d.active = kept
	d.now = winEnd
	d.mu.Unlock()

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}
	for _, fn := range finished {
		fn()
	}
}

// Run drives the clock in real time without a speaker, rendering one period
// of samples per tick and discarding the output. It blocks until ctx is done.
func (d *Device) Run(ctx context.Context, period time.Duration) {
	n := audio.DurationToSamples(period, d.rate)
	if n <= 0 {
		n = 1
	}
	buf := make([]float32, n)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Render(buf)
		}
	}
}

// Close stops every voice and rejects further scheduling. Completion
// callbacks are not invoked. Close is idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for _, v := range d.pending {
		v.stopped = true
		v.index = -1
	}
	for _, v := range d.active {
		v.stopped = true
	}
	d.pending = nil
	d.active = nil
	return nil
}

// Stop implements [audio.Voice].
func (v *voice) Stop() {
	d := v.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if v.stopped {
		return
	}
	v.stopped = true
	if v.index >= 0 && v.index < d.pending.Len() && d.pending[v.index] == v {
		heap.Remove(&d.pending, v.index)
		return
	}
	for i, a := range d.active {
		if a == v {
			d.active = append(d.active[:i], d.active[i+1:]...)
			return
		}
	}
}
