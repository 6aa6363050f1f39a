// Package audio defines the frame type, sample conversions, and device
// interfaces used by Parley's capture and playback pipeline.
//
// The device abstractions are deliberately small:
//
//   - [InputDevice] pushes normalised float32 samples from a microphone-like
//     source into a callback.
//   - [OutputDevice] is an audio clock plus a scheduler that starts a buffer
//     of samples at an exact clock position and reports natural completion.
//
// Hardware adapters live in subpackages (audio/portaudio); the software
// timeline in audio/timeline implements [OutputDevice] in pure Go and can be
// driven by any pull-based output stream.
package audio

import "context"

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// InputDevice is a microphone-like source of normalised float32 samples.
//
// Open acquires the device and registers onSamples, which is invoked from
// the device's own goroutine with samples in [-1, 1]. The slice passed to
// onSamples is only valid for the duration of the call. Start and Stop
// control whether samples flow; Close releases the device. Open failures
// must be reported as *errs.AudioDeviceError.
//
// Implementations must be safe for concurrent use.
type InputDevice interface {
	Open(ctx context.Context, format Format, onSamples func([]float32)) error
	Start() error
	Stop() error
	Close() error
}

// Clock is a monotonic audio clock measured in sample frames at the output
// device's rate. It never goes backwards.
type Clock interface {
	Now() int64
}

// Voice is a handle to one scheduled buffer on an [OutputDevice].
type Voice interface {
	// Stop silences the voice immediately. Its completion callback is not
	// invoked. Stopping twice is a no-op.
	Stop()
}

// OutputDevice schedules mono float32 buffers on its clock.
//
// Schedule starts samples at clock position at (in samples at SampleRate).
// If at is already in the past the device starts the buffer as soon as
// possible. onEnded, if non-nil, is invoked once when the buffer finishes
// playing naturally; it is never invoked for a stopped voice.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	Clock
	SampleRate() int
	Schedule(samples []float32, at int64, onEnded func()) (Voice, error)
}
