package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes PCM16 samples as a WAV file.
func WriteWAV(w io.WriteSeeker, samples []int16, sampleRate, channels int) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// EncodeWAV returns a complete WAV file in memory.
func EncodeWAV(samples []int16, sampleRate, channels int) ([]byte, error) {
	buf := &seekBuffer{}
	if err := WriteWAV(buf, samples, sampleRate, channels); err != nil {
		return nil, err
	}
	return buf.data, nil
}

// ReadWAV decodes a 16-bit PCM WAV file.
func ReadWAV(r io.ReadSeeker) (Chunk, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Chunk{}, errors.New("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Chunk{}, fmt.Errorf("decode wav: %w", err)
	}
	if dec.BitDepth != 16 {
		return Chunk{}, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return Chunk{Samples: samples, SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}, nil
}

// seekBuffer is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.data) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.data)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	b.pos = int(next)
	return next, nil
}
