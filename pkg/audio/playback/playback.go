// Package playback schedules decoded agent speech on an [audio.OutputDevice]
// with sample-exact, gapless back-to-back placement and an instant cancel for
// barge-in.
//
// A cursor records where the next buffer must start on the device clock.
// Every enqueued frame is placed at max(now, cursor) and the cursor advances
// by the buffer length, so consecutive frames abut with no gap and no
// overlap. Each scheduled buffer is tracked as a [Source]; [Playback.CancelAll]
// stops all of them at once and rewinds the cursor to the current clock.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/parley/internal/errs"
	"github.com/MrWong99/parley/pkg/audio"
)

// Event is a playback state change delivered to subscribers.
type Event int

const (
	// EventPlaying is emitted when the first source is scheduled on an idle
	// playback.
	EventPlaying Event = iota

	// EventEnded is emitted when the last source finishes or is cancelled.
	EventEnded
)

// String returns "playing" or "ended".
func (e Event) String() string {
	if e == EventPlaying {
		return "playing"
	}
	return "ended"
}

// Source is one in-flight buffer on the device.
type Source struct {
	id     uint64
	voice  audio.Voice
	Start  int64
	Length int64
}

// Option is a functional option for [New].
type Option func(*Playback)

// WithTap registers fn to receive every successfully scheduled buffer at the
// device rate. It runs synchronously inside Enqueue.
func WithTap(fn func(samples []float32, rate int)) Option {
	return func(p *Playback) { p.tap = fn }
}

// Playback owns the output side of a session. All exported methods are safe
// for concurrent use.
type Playback struct {
	dev audio.OutputDevice
	tap func([]float32, int)

	mu        sync.Mutex
	cursor    int64
	nextID    uint64
	sources   map[uint64]*Source
	order     []uint64
	playing   bool
	listeners []subscriber // registration order
	nextSub   int
}

type subscriber struct {
	id int
	fn func(Event)
}

// New creates a Playback on dev.
func New(dev audio.OutputDevice, opts ...Option) *Playback {
	p := &Playback{
		dev:     dev,
		sources: make(map[uint64]*Source),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Enqueue decodes frame and schedules it directly after everything already
// queued. A decode or schedule failure drops the frame and returns a
// *errs.AudioProcessingError; playback state is unaffected. If CancelAll runs
// while the frame is being scheduled, the frame is discarded silently.
func (p *Playback) Enqueue(ctx context.Context, frame audio.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rate := p.dev.SampleRate()
	samples, err := audio.Decode(frame, rate)
	if err != nil {
		return &errs.AudioProcessingError{Seq: frame.Seq, Op: "decode", Err: err}
	}
	if len(samples) == 0 {
		return nil
	}
	n := int64(len(samples))

	p.mu.Lock()
	start := max(p.dev.Now(), p.cursor)
	p.cursor = start + n
	p.nextID++
	src := &Source{id: p.nextID, Start: start, Length: n}
	p.sources[src.id] = src
	p.order = append(p.order, src.id)
	p.mu.Unlock()

	voice, err := p.dev.Schedule(samples, start, func() { p.ended(src.id) })

	p.mu.Lock()
	_, live := p.sources[src.id]
	if err != nil {
		if live {
			p.remove(src.id)
			if p.cursor == start+n {
				p.cursor = start
			}
		}
		p.mu.Unlock()
		return &errs.AudioProcessingError{Seq: frame.Seq, Op: "schedule", Err: err}
	}
	if !live {
		// Cancelled while scheduling.
		p.mu.Unlock()
		voice.Stop()
		return nil
	}
	src.voice = voice
	startedPlaying := !p.playing
	p.playing = true
	var listeners []func(Event)
	if startedPlaying {
		listeners = p.snapshotLocked()
	}
	p.mu.Unlock()

	if p.tap != nil {
		p.tap(samples, rate)
	}
	for _, fn := range listeners {
		fn(EventPlaying)
	}
	return nil
}

// CancelAll stops every scheduled source, empties the source set and rewinds
// the cursor to the current device time. Completion callbacks of stopped
// sources have no further effect. If anything was playing, subscribers
// receive [EventEnded]. CancelAll is safe to call with zero sources.
func (p *Playback) CancelAll() {
	p.mu.Lock()
	voices := make([]audio.Voice, 0, len(p.order))
	for _, id := range p.order {
		if src := p.sources[id]; src != nil && src.voice != nil {
			voices = append(voices, src.voice)
		}
	}
	count := len(p.sources)
	clear(p.sources)
	p.order = p.order[:0]
	p.cursor = p.dev.Now()
	wasPlaying := p.playing
	p.playing = false
	var listeners []func(Event)
	if wasPlaying {
		listeners = p.snapshotLocked()
	}
	p.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	if count > 0 {
		slog.Debug("playback cancelled", "sources", count)
	}
	for _, fn := range listeners {
		fn(EventEnded)
	}
}

// IsPlaying reports whether any scheduled source has not yet finished.
func (p *Playback) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Pending returns the number of sources currently tracked.
func (p *Playback) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sources)
}

// Cursor returns the device time at which the next enqueued buffer would
// start if the clock has not passed it.
func (p *Playback) Cursor() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Sources returns the tracked sources in scheduling order.
func (p *Playback) Sources() []Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Source, 0, len(p.order))
	for _, id := range p.order {
		if src := p.sources[id]; src != nil {
			out = append(out, *src)
		}
	}
	return out
}

// Subscribe registers fn for playback events and returns a function that
// removes the registration.
func (p *Playback) Subscribe(fn func(Event)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.listeners = append(p.listeners, subscriber{id: id, fn: fn})
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.listeners = slices.DeleteFunc(p.listeners, func(s subscriber) bool { return s.id == id })
			p.mu.Unlock()
		})
	}
}

// ended is the completion callback of a single source.
func (p *Playback) ended(id uint64) {
	p.mu.Lock()
	if _, ok := p.sources[id]; !ok {
		p.mu.Unlock()
		return
	}
	p.remove(id)
	var listeners []func(Event)
	if len(p.sources) == 0 && p.playing {
		p.playing = false
		listeners = p.snapshotLocked()
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(EventEnded)
	}
}

// remove drops id from the set. p.mu must be held.
func (p *Playback) remove(id uint64) {
	delete(p.sources, id)
	for i, o := range p.order {
		if o == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *Playback) snapshotLocked() []func(Event) {
	out := make([]func(Event), 0, len(p.listeners))
	for _, s := range p.listeners {
		out = append(out, s.fn)
	}
	return out
}

// String implements [fmt.Stringer] for debug logging.
func (s Source) String() string {
	return fmt.Sprintf("source#%d[%d+%d]", s.id, s.Start, s.Length)
}
