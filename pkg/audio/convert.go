package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrOddLength is returned by [Decode] when PCM data does not contain a
// whole number of 16-bit sample frames.
var ErrOddLength = errors.New("audio: pcm length is not a multiple of the frame size")

// ErrBadFormat is returned by [Decode] when a frame declares a non-positive
// sample rate or channel count.
var ErrBadFormat = errors.New("audio: invalid frame format")

// FloatToPCM16 converts normalised float samples to 16-bit signed
// little-endian PCM. Values outside [-1, 1] are clamped and each sample is
// rounded to the nearest integer step, so 1.0 maps to 32767 and -1.0 to
// -32768.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return math.MinInt16
	}
	// Negative values span 32768 steps, positive values 32767.
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

// PCM16ToFloat converts 16-bit signed little-endian PCM to float32 samples
// normalised to [-1, 1]. A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if s < 0 {
			out[i] = float32(s) / 32768
		} else {
			out[i] = float32(s) / 32767
		}
	}
	return out
}

// Decode turns a PCM16 frame into mono float32 samples at targetRate.
// Multi-channel frames are averaged down to mono before resampling so that
// only one channel has to be interpolated.
func Decode(frame Frame, targetRate int) ([]float32, error) {
	channels := frame.Channels
	if channels == 0 {
		channels = 1
	}
	if frame.SampleRate <= 0 || channels < 0 || targetRate <= 0 {
		return nil, fmt.Errorf("%w: %s -> %dHz", ErrBadFormat, formatString(frame.SampleRate, channels), targetRate)
	}
	if len(frame.Data)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes, %d channels", ErrOddLength, len(frame.Data), channels)
	}

	samples := PCM16ToFloat(frame.Data)
	if channels > 1 {
		samples = downmix(samples, channels)
	}
	return Resample(samples, frame.SampleRate, targetRate), nil
}

// downmix averages interleaved channels into one.
func downmix(interleaved []float32, channels int) []float32 {
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += interleaved[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono float samples from srcRate to dstRate using linear
// interpolation. If the rates match (or either is invalid) the input is
// returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx < last {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
