// Package capture turns a stream of normalised float samples from an
// [audio.InputDevice] into fixed-size PCM16 [audio.Frame] values.
//
// Samples are appended to an accumulation buffer while capturing. Each time
// the buffer fills it is converted to 16-bit PCM, emitted to every
// subscriber as one frame, and reset. Stopping discards a partially filled
// buffer: no short trailing frame is ever emitted.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/errs"
	"github.com/MrWong99/parley/pkg/audio"
)

// Defaults applied by [New] for zero-valued [Config] fields.
const (
	DefaultSampleRate = 16000
	DefaultBufferSize = 4096
)

// ErrNotInitialized is returned by [Capture.Start] before a successful
// [Capture.Initialize].
var ErrNotInitialized = errors.New("capture: not initialized")

// Config controls the capture format.
type Config struct {
	// SampleRate requested from the device. Default: 16000.
	SampleRate int

	// BufferSize is the number of samples per emitted frame. Default: 4096.
	BufferSize int
}

// Capture owns one input device for the lifetime of a session.
// All exported methods are safe for concurrent use.
type Capture struct {
	dev audio.InputDevice
	cfg Config

	mu          sync.Mutex
	initialized bool
	capturing   bool
	buf         []float32
	fill        int
	seq         uint64
	startedAt   time.Time
	listeners   []subscriber // registration order
	nextID      int
}

type subscriber struct {
	id int
	fn func(audio.Frame)
}

// New creates a Capture for dev. The device is not touched until
// [Capture.Initialize].
func New(dev audio.InputDevice, cfg Config) *Capture {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &Capture{dev: dev, cfg: cfg}
}

// Format returns the PCM format of emitted frames.
func (c *Capture) Format() audio.Format {
	return audio.Format{SampleRate: c.cfg.SampleRate, Channels: 1}
}

// Initialize acquires the device and allocates the accumulation buffer.
// Calling it again after success is a no-op. Acquisition failures are
// returned as *errs.AudioDeviceError.
func (c *Capture) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.dev.Open(ctx, c.Format(), c.onSamples); err != nil {
		return classify("input", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = true
	if c.buf == nil {
		c.buf = make([]float32, c.cfg.BufferSize)
	}
	return nil
}

// Start begins accumulating samples.
func (c *Capture) Start() error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	if c.capturing {
		c.mu.Unlock()
		return nil
	}
	c.fill = 0
	c.startedAt = time.Now()
	c.capturing = true
	c.mu.Unlock()

	if err := c.dev.Start(); err != nil {
		c.mu.Lock()
		c.capturing = false
		c.mu.Unlock()
		return classify("input", err)
	}
	slog.Debug("capture started", "sample_rate", c.cfg.SampleRate, "buffer_size", c.cfg.BufferSize)
	return nil
}

// Stop halts accumulation and stops the device stream. Any partially filled
// buffer is discarded.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.capturing {
		c.mu.Unlock()
		return nil
	}
	c.capturing = false
	dropped := c.fill
	c.fill = 0
	c.mu.Unlock()

	if dropped > 0 {
		slog.Debug("capture stopped, discarding partial buffer", "samples", dropped)
	}
	if err := c.dev.Stop(); err != nil {
		return fmt.Errorf("capture: stop device: %w", err)
	}
	return nil
}

// Close stops capturing and releases the device. A closed Capture may be
// initialized again.
func (c *Capture) Close() error {
	stopErr := c.Stop()

	c.mu.Lock()
	wasInit := c.initialized
	c.initialized = false
	c.mu.Unlock()

	if !wasInit {
		return stopErr
	}
	return errors.Join(stopErr, c.dev.Close())
}

// Capturing reports whether samples are currently being accumulated.
func (c *Capture) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturing
}

// Subscribe registers fn to receive every emitted frame and returns a
// function that removes the registration. fn runs on the device goroutine
// and must not block.
func (c *Capture) Subscribe(fn func(audio.Frame)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners = append(c.listeners, subscriber{id: id, fn: fn})
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

// onSamples is the device callback.
func (c *Capture) onSamples(in []float32) {
	c.mu.Lock()
	if !c.capturing || c.buf == nil {
		c.mu.Unlock()
		return
	}

	var frames []audio.Frame
	for len(in) > 0 {
		n := copy(c.buf[c.fill:], in)
		c.fill += n
		in = in[n:]
		if c.fill < len(c.buf) {
			break
		}
		c.seq++
		frames = append(frames, audio.Frame{
			Data:       audio.FloatToPCM16(c.buf),
			SampleRate: c.cfg.SampleRate,
			Channels:   1,
			Seq:        c.seq,
			Timestamp:  time.Since(c.startedAt),
		})
		c.fill = 0
	}

	var listeners []func(audio.Frame)
	if len(frames) > 0 {
		listeners = make([]func(audio.Frame), 0, len(c.listeners))
		for _, s := range c.listeners {
			listeners = append(listeners, s.fn)
		}
	}
	c.mu.Unlock()

	for _, f := range frames {
		for _, fn := range listeners {
			fn(f)
		}
	}
}

// classify wraps a device failure in *errs.AudioDeviceError, distinguishing
// permission denials from missing or broken hardware.
func classify(device string, err error) error {
	var de *errs.AudioDeviceError
	if errors.As(err, &de) {
		return err
	}
	cause := errs.CauseHardware
	if errors.Is(err, fs.ErrPermission) {
		cause = errs.CausePermission
	}
	return &errs.AudioDeviceError{Device: device, Cause: cause, Err: err}
}
