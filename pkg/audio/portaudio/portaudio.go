// Package portaudio binds the engine's device interfaces to the system's
// default microphone and speaker through PortAudio.
//
// [Init] must be called once before any device is opened and [Terminate]
// once after the last one is closed. The input device delivers samples from
// the PortAudio callback thread. The output device embeds a
// [timeline.Device] whose clock is advanced by the PortAudio output callback,
// so scheduling is driven by the hardware rate.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/parley/internal/errs"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/timeline"
)

// DefaultFramesPerBuffer is the callback size used when none is configured.
const DefaultFramesPerBuffer = 512

// Compile-time interface assertions.
var (
	_ audio.InputDevice  = (*Input)(nil)
	_ audio.OutputDevice = (*Output)(nil)
)

// Init initialises the PortAudio library.
func Init() error {
	if err := pa.Initialize(); err != nil {
		return deviceError("portaudio", err)
	}
	return nil
}

// Terminate releases the PortAudio library.
func Terminate() error {
	return pa.Terminate()
}

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is the default system microphone.
type Input struct {
	framesPerBuffer int

	mu     sync.Mutex
	stream *pa.Stream
}

// NewInput returns an unopened microphone. framesPerBuffer <= 0 selects
// [DefaultFramesPerBuffer].
func NewInput(framesPerBuffer int) *Input {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	return &Input{framesPerBuffer: framesPerBuffer}
}

// Open implements [audio.InputDevice].
func (i *Input) Open(ctx context.Context, format audio.Format, onSamples func([]float32)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stream != nil {
		return nil
	}
	channels := max(format.Channels, 1)
	stream, err := pa.OpenDefaultStream(channels, 0, float64(format.SampleRate), i.framesPerBuffer,
		func(in []float32) { onSamples(in) })
	if err != nil {
		return deviceError("input", err)
	}
	i.stream = stream
	slog.Info("microphone opened", "sample_rate", format.SampleRate, "frames_per_buffer", i.framesPerBuffer)
	return nil
}

// Start implements [audio.InputDevice].
func (i *Input) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stream == nil {
		return deviceError("input", errors.New("stream not open"))
	}
	if err := i.stream.Start(); err != nil {
		return deviceError("input", err)
	}
	return nil
}

// Stop implements [audio.InputDevice].
func (i *Input) Stop() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stream == nil {
		return nil
	}
	if err := i.stream.Stop(); err != nil && !errors.Is(err, pa.StreamIsStopped) {
		return fmt.Errorf("portaudio: stop input: %w", err)
	}
	return nil
}

// Close implements [audio.InputDevice].
func (i *Input) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stream == nil {
		return nil
	}
	err := i.stream.Close()
	i.stream = nil
	if err != nil {
		return fmt.Errorf("portaudio: close input: %w", err)
	}
	return nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is the default system speaker. Voices are mixed by the embedded
// timeline device on every output callback.
type Output struct {
	*timeline.Device
	stream *pa.Stream
}

// OpenOutput opens and starts a mono output stream at sampleRate.
func OpenOutput(sampleRate, framesPerBuffer int) (*Output, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	o := &Output{Device: timeline.New(sampleRate)}
	stream, err := pa.OpenDefaultStream(0, 1, float64(sampleRate), framesPerBuffer,
		func(out []float32) { o.Render(out) })
	if err != nil {
		return nil, deviceError("output", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, deviceError("output", err)
	}
	o.stream = stream
	slog.Info("speaker opened", "sample_rate", sampleRate, "frames_per_buffer", framesPerBuffer)
	return o, nil
}

// Close stops the output stream and drops every scheduled voice.
func (o *Output) Close() error {
	var errList []error
	if err := o.stream.Stop(); err != nil && !errors.Is(err, pa.StreamIsStopped) {
		errList = append(errList, fmt.Errorf("portaudio: stop output: %w", err))
	}
	if err := o.stream.Close(); err != nil {
		errList = append(errList, fmt.Errorf("portaudio: close output: %w", err))
	}
	errList = append(errList, o.Device.Close())
	return errors.Join(errList...)
}

// deviceError maps a PortAudio failure onto *errs.AudioDeviceError. PortAudio
// reports OS permission denials only through host error text.
func deviceError(device string, err error) error {
	cause := errs.CauseHardware
	if errors.Is(err, fs.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission") {
		cause = errs.CausePermission
	}
	return &errs.AudioDeviceError{Device: device, Cause: cause, Err: err}
}
