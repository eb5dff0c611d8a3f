package tts

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voicepad/internal/audio"
)

const mockWordDuration = 120 * time.Millisecond

// mockSynth hums one short tone per word.
type mockSynth struct {
	sampleRate int
	channels   int
	chunk      time.Duration
}

func NewMockSynth(sampleRate, channels int, chunk time.Duration) Synthesizer {
	if chunk <= 0 {
		chunk = 400 * time.Millisecond
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels, chunk: chunk}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		parts := split(audio.EncodePCM16(m.render(req.Text)), m.sampleRate, m.channels, m.chunk)
		for i, part := range parts {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- SynthChunk{
				RequestID:  req.RequestID,
				Sequence:   i,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        part,
				Final:      i == len(parts)-1,
			}:
			}
		}
	}()
	return chunks, errs
}

func (m *mockSynth) render(text string) []int16 {
	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	frames := int(float64(m.sampleRate) * mockWordDuration.Seconds())
	out := make([]int16, 0, words*frames*m.channels)
	for w := 0; w < words; w++ {
		freq := 220.0 + float64(w%5)*55
		for i := 0; i < frames; i++ {
			// 10% of each word is a gap.
			var v int16
			if i < frames*9/10 {
				v = int16(4000 * math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate)))
			}
			for c := 0; c < m.channels; c++ {
				out = append(out, v)
			}
		}
	}
	return out
}

// split cuts PCM16 bytes into chunks of roughly d. There is always at least
// one chunk so a final marker can be sent for empty audio.
func split(pcm []byte, sampleRate, channels int, d time.Duration) [][]byte {
	size := int(float64(sampleRate)*d.Seconds()) * channels * 2
	if size <= 0 || len(pcm) == 0 {
		return [][]byte{pcm}
	}
	parts := make([][]byte, 0, len(pcm)/size+1)
	for start := 0; start < len(pcm); start += size {
		end := start + size
		if end > len(pcm) {
			end = len(pcm)
		}
		parts = append(parts, pcm[start:end])
	}
	return parts
}
