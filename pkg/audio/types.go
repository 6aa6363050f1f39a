package audio

import "time"

// Frame represents a single unit of linear PCM audio flowing through the
// engine. Frames are produced by capture (one per filled accumulation
// buffer) or received from a channel's binary path, and are consumed
// exactly once: either sent over the network or scheduled for playback.
//
// A Frame must be treated as immutable once created.
type Frame struct {
	// Data is 16-bit signed little-endian PCM.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for microphone capture, 24000 for agent speech).
	SampleRate int

	// Channels: 1 for mono. Interleaved when greater than one.
	Channels int

	// Seq is a per-producer, monotonically increasing sequence number.
	Seq uint64

	// Timestamp marks when the frame was captured or arrived, relative to the
	// producer's start.
	Timestamp time.Duration
}

// Samples returns the number of sample frames (per channel) in f.
func (f Frame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (2 * ch)
}

// Duration returns the playback length of f at its declared sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return SamplesToDuration(int64(f.Samples()), f.SampleRate)
}

// SamplesToDuration converts a sample count at rate Hz into a duration.
func SamplesToDuration(samples int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(samples * int64(time.Second) / int64(rate))
}

// DurationToSamples converts d into a whole number of samples at rate Hz,
// rounding down.
func DurationToSamples(d time.Duration, rate int) int64 {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return int64(d) * int64(rate) / int64(time.Second)
}
