// Package voice records, sends and plays voice notes.
package voice

import (
	"context"
	"errors"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrNoDevice         = errors.New("no microphone available")
	ErrBusy             = errors.New("voice note send in flight")
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
	ErrCancelled        = errors.New("recording cancelled")
	ErrNoConversation   = errors.New("no conversation selected")
	ErrEmptyRecording   = errors.New("recording is empty")
	ErrInvalidAudio     = errors.New("invalid audio blob")
)

// Format describes raw PCM audio.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// BytesPerSecond is the data rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

func (f Format) valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && f.BitsPerSample > 0 && f.BitsPerSample%8 == 0
}

// Stream is an open capture device.
type Stream interface {
	// Chunks delivers captured audio and is closed once the device stops.
	Chunks() <-chan []byte
	Format() Format
	// Close stops capture and releases the device.
	Close() error
}

// Microphone grants access to a capture device.
type Microphone interface {
	// Open returns ErrPermissionDenied or ErrNoDevice (possibly wrapped)
	// when access is refused.
	Open(ctx context.Context) (Stream, error)
}

// Finalizer assembles captured chunks into a self-describing audio blob.
type Finalizer interface {
	Finalize(ctx context.Context, f Format, chunks [][]byte) ([]byte, error)
}

// Prober measures an audio blob from its own metadata.
type Prober interface {
	Duration(ctx context.Context, blob []byte) (float64, error)
}

// Refresher forces an out-of-band history fetch after a send.
type Refresher interface {
	Refresh(ctx context.Context, conversationID string) error
}
