// Package recorder writes session audio to 16-bit mono WAV files.
//
// A Recorder accepts either PCM16 frames (the captured microphone stream) or
// float samples (decoded agent speech). The WAV header is finalised on
// [Recorder.Close]; a file that was never closed has an invalid length field.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/transforms"
	"github.com/go-audio/wav"

	"github.com/MrWong99/parley/pkg/audio"
)

const bitDepth = 16

// ErrClosed is returned by writes after [Recorder.Close].
var ErrClosed = errors.New("recorder: closed")

// ErrRateMismatch is returned when a frame's sample rate differs from the
// file's.
var ErrRateMismatch = errors.New("recorder: sample rate mismatch")

// Recorder appends audio to one WAV file. Safe for concurrent use.
type Recorder struct {
	path string
	rate int

	mu      sync.Mutex
	file    *os.File
	enc     *wav.Encoder
	written int
	closed  bool
}

// Create truncates or creates path and prepares a mono WAV stream at
// sampleRate.
func Create(path string, sampleRate int) (*Recorder, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("recorder: invalid sample rate %d", sampleRate)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: create %q: %w", path, err)
	}
	return &Recorder{
		path: path,
		rate: sampleRate,
		file: f,
		enc:  wav.NewEncoder(f, sampleRate, bitDepth, 1, 1),
	}, nil
}

// Path returns the file being written.
func (r *Recorder) Path() string { return r.path }

// SampleRate returns the file's sample rate.
func (r *Recorder) SampleRate() int { return r.rate }

// Samples returns the number of samples written so far.
func (r *Recorder) Samples() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// WriteFrame appends a mono PCM16 frame.
func (r *Recorder) WriteFrame(frame audio.Frame) error {
	if frame.SampleRate != r.rate {
		return fmt.Errorf("%w: frame %dHz, file %dHz", ErrRateMismatch, frame.SampleRate, r.rate)
	}
	n := len(frame.Data) / 2
	data := make([]int, n)
	for i := range n {
		data[i] = int(int16(uint16(frame.Data[2*i]) | uint16(frame.Data[2*i+1])<<8))
	}
	return r.write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: r.rate},
		Data:           data,
		SourceBitDepth: bitDepth,
	})
}

// WriteSamples appends normalised float samples in [-1, 1]. samples is not
// modified.
func (r *Recorder) WriteSamples(samples []float32) error {
	buf := &goaudio.Float32Buffer{
		Format: &goaudio.Format{NumChannels: 1, SampleRate: r.rate},
		Data:   make([]float32, len(samples)),
	}
	for i, s := range samples {
		buf.Data[i] = max(-1, min(1, s))
	}
	if err := transforms.PCMScaleF32(buf, bitDepth); err != nil {
		return fmt.Errorf("recorder: scale samples: %w", err)
	}
	return r.write(buf.AsIntBuffer())
}

func (r *Recorder) write(buf *goaudio.IntBuffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if err := r.enc.Write(buf); err != nil {
		return fmt.Errorf("recorder: write %q: %w", r.path, err)
	}
	r.written += len(buf.Data)
	return nil
}

// Close finalises the WAV header and closes the file. Close is idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	encErr := r.enc.Close()
	fileErr := r.file.Close()
	if encErr != nil {
		return fmt.Errorf("recorder: flush %q: %w", r.path, encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("recorder: close %q: %w", r.path, fileErr)
	}
	return nil
}
