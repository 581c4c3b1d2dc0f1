package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
)

const wavHeaderSize = 44

type wavHeader struct {
	RIFF          [4]byte
	Size          uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// WAVFinalizer wraps PCM chunks in a RIFF/WAVE container.
type WAVFinalizer struct{}

// Finalize implements Finalizer.
func (WAVFinalizer) Finalize(ctx context.Context, f Format, chunks [][]byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !f.valid() {
		return nil, fmt.Errorf("finalize: unsupported format %+v", f)
	}
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	if size == 0 {
		return nil, ErrEmptyRecording
	}
	blockAlign := f.Channels * f.BitsPerSample / 8
	size -= size % blockAlign

	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		Size:          uint32(36 + size),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		Channels:      uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.BytesPerSecond()),
		BlockAlign:    uint16(blockAlign),
		BitsPerSample: uint16(f.BitsPerSample),
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(size),
	}
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+size))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}
	for _, c := range chunks {
		n := min(len(c), size)
		buf.Write(c[:n])
		size -= n
	}
	return buf.Bytes(), nil
}

// WAVProber reads the duration of a WAV blob from its header.
type WAVProber struct{}

// Duration implements Prober.
func (WAVProber) Duration(ctx context.Context, blob []byte) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, data, err := parseWAV(blob)
	if err != nil {
		return 0, err
	}
	return float64(len(data)) / float64(f.BytesPerSecond()), nil
}

// parseWAV walks the RIFF chunks of a PCM WAV blob and returns its format
// and sample data.
func parseWAV(blob []byte) (Format, []byte, error) {
	if len(blob) < 12 || string(blob[0:4]) != "RIFF" || string(blob[8:12]) != "WAVE" {
		return Format{}, nil, fmt.Errorf("%w: not a RIFF/WAVE container", ErrInvalidAudio)
	}
	var (
		f       Format
		haveFmt bool
	)
	rest := blob[12:]
	for len(rest) >= 8 {
		id := string(rest[0:4])
		size := int(binary.LittleEndian.Uint32(rest[4:8]))
		body := rest[8:]
		if size > len(body) {
			if id == "data" {
				// Truncated recordings keep what is there.
				size = len(body)
			} else {
				return Format{}, nil, fmt.Errorf("%w: chunk %q overruns blob", ErrInvalidAudio, id)
			}
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, nil, fmt.Errorf("%w: short fmt chunk", ErrInvalidAudio)
			}
			if tag := binary.LittleEndian.Uint16(body[0:2]); tag != 1 {
				return Format{}, nil, fmt.Errorf("%w: audio format %d is not PCM", ErrInvalidAudio, tag)
			}
			f = Format{
				Channels:      int(binary.LittleEndian.Uint16(body[2:4])),
				SampleRate:    int(binary.LittleEndian.Uint32(body[4:8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(body[14:16])),
			}
			if !f.valid() {
				return Format{}, nil, fmt.Errorf("%w: format %+v", ErrInvalidAudio, f)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, nil, fmt.Errorf("%w: data before fmt", ErrInvalidAudio)
			}
			return f, body[:size], nil
		}
		// Chunks are padded to even sizes.
		next := 8 + size + size%2
		if next > len(rest) {
			break
		}
		rest = rest[next:]
	}
	return Format{}, nil, fmt.Errorf("%w: no data chunk", ErrInvalidAudio)
}
