// Package fileinput provides a headless [audio.InputDevice] that feeds a WAV
// file, or silence, into the capture pipeline at real-time pace.
//
// It stands in for a microphone on machines without audio hardware and in
// end-to-end tests against a live service.
package fileinput

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"

	"github.com/MrWong99/parley/internal/errs"
	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultPeriod is the interval between sample deliveries.
const DefaultPeriod = 20 * time.Millisecond

// ErrInvalidFile is wrapped in the device error for unreadable WAV data.
var ErrInvalidFile = errors.New("fileinput: not a valid WAV file")

var _ audio.InputDevice = (*Input)(nil)

// Option configures an [Input].
type Option func(*Input)

// WithLoop restarts the file from the beginning when it ends instead of
// continuing with silence.
func WithLoop(loop bool) Option {
	return func(i *Input) { i.loop = loop }
}

// WithPeriod sets the delivery interval. Non-positive values are ignored.
func WithPeriod(d time.Duration) Option {
	return func(i *Input) {
		if d > 0 {
			i.period = d
		}
	}
}

// Input plays a decoded WAV file as microphone samples. An empty path yields
// silence. Safe for concurrent use.
type Input struct {
	path   string
	loop   bool
	period time.Duration

	mu        sync.Mutex
	opened    bool
	samples   []float32
	pos       int
	chunk     int
	onSamples func([]float32)
	cancel    context.CancelFunc
	done      chan struct{}
}

// New returns an unopened Input reading path.
func New(path string, opts ...Option) *Input {
	i := &Input{path: path, period: DefaultPeriod}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Open implements [audio.InputDevice]. The file is decoded, mixed down to
// mono, and resampled to format.SampleRate up front.
func (i *Input) Open(ctx context.Context, format audio.Format, onSamples func([]float32)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.opened {
		return nil
	}

	var samples []float32
	if i.path != "" {
		s, err := load(i.path, format.SampleRate)
		if err != nil {
			return err
		}
		samples = s
	}

	i.samples = samples
	i.pos = 0
	i.chunk = max(int(audio.DurationToSamples(i.period, format.SampleRate)), 1)
	i.onSamples = onSamples
	i.opened = true
	slog.Info("file input opened", "path", i.path, "sample_rate", format.SampleRate,
		"duration", audio.SamplesToDuration(int64(len(samples)), format.SampleRate))
	return nil
}

// Start implements [audio.InputDevice].
func (i *Input) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.opened {
		return &errs.AudioDeviceError{Device: "input", Cause: errs.CauseHardware, Err: errors.New("stream not open")}
	}
	if i.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.done = make(chan struct{})
	go i.run(ctx, i.done)
	return nil
}

// Stop implements [audio.InputDevice]. It blocks until the delivery loop
// has exited, so no callback runs after Stop returns.
func (i *Input) Stop() error {
	i.mu.Lock()
	cancel, done := i.cancel, i.done
	i.cancel, i.done = nil, nil
	i.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Close implements [audio.InputDevice].
func (i *Input) Close() error {
	err := i.Stop()
	i.mu.Lock()
	i.opened = false
	i.samples = nil
	i.onSamples = nil
	i.mu.Unlock()
	return err
}

func (i *Input) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(i.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			buf, fn := i.next()
			if fn != nil {
				fn(buf)
			}
		}
	}
}

// next returns the following chunk of samples, padded with silence once the
// file is exhausted.
func (i *Input) next() ([]float32, func([]float32)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	buf := make([]float32, i.chunk)
	n := 0
	for n < len(buf) && len(i.samples) > 0 {
		if i.pos >= len(i.samples) {
			if !i.loop {
				break
			}
			i.pos = 0
		}
		c := copy(buf[n:], i.samples[i.pos:])
		n += c
		i.pos += c
	}
	return buf, i.onSamples
}

// load decodes the WAV file at path into mono float samples at rate.
func load(path string, rate int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		cause := errs.CauseHardware
		if errors.Is(err, fs.ErrPermission) {
			cause = errs.CausePermission
		}
		return nil, &errs.AudioDeviceError{Device: "input", Cause: cause, Err: err}
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, &errs.AudioDeviceError{Device: "input", Cause: errs.CauseHardware, Err: fmt.Errorf("%w: %s", ErrInvalidFile, path)}
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, &errs.AudioDeviceError{Device: "input", Cause: errs.CauseHardware, Err: fmt.Errorf("fileinput: decode %q: %w", path, err)}
	}

	channels := max(buf.Format.NumChannels, 1)
	scale := float32(int(1) << (max(buf.SourceBitDepth, 8) - 1))
	mono := make([]float32, len(buf.Data)/channels)
	for n := range mono {
		var sum float32
		for c := range channels {
			sum += float32(buf.Data[n*channels+c])
		}
		mono[n] = sum / float32(channels) / scale
	}
	return audio.Resample(mono, buf.Format.SampleRate, rate), nil
}
