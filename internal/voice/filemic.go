package voice

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
)

// FileMicrophone replays a PCM WAV file as if it were being captured live,
// one chunk per Interval. It stands in for a hardware device on headless
// hosts.
type FileMicrophone struct {
	Path     string
	Interval time.Duration
}

// Open implements Microphone.
func (m FileMicrophone) Open(ctx context.Context) (Stream, error) {
	if m.Path == "" {
		return nil, ErrNoDevice
	}
	blob, err := os.ReadFile(m.Path)
	switch {
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, m.Path)
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrNoDevice, m.Path)
	case err != nil:
		return nil, fmt.Errorf("open input %s: %w", m.Path, err)
	}
	format, data, err := parseWAV(blob)
	if err != nil {
		return nil, fmt.Errorf("input %s: %w", m.Path, err)
	}
	interval := m.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	chunkSize := max(1, int(float64(format.BytesPerSecond())*interval.Seconds()))

	s := &fileStream{
		format: format,
		chunks: make(chan []byte),
		stop:   make(chan struct{}),
	}
	go s.pump(data, chunkSize, interval)
	return s, nil
}

type fileStream struct {
	format Format
	chunks chan []byte
	stop   chan struct{}
	once   sync.Once
}

func (s *fileStream) pump(data []byte, chunkSize int, interval time.Duration) {
	defer close(s.chunks)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for len(data) > 0 {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		n := min(chunkSize, len(data))
		select {
		case s.chunks <- data[:n]:
		case <-s.stop:
			return
		}
		data = data[n:]
	}
	// Input exhausted: stay silent until the device is closed.
	<-s.stop
}

func (s *fileStream) Chunks() <-chan []byte { return s.chunks }
func (s *fileStream) Format() Format { return s.format }

func (s *fileStream) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
