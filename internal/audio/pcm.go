// Package audio holds PCM16 helpers shared by capture, analysis and
// synthesis.
package audio

import (
	"encoding/binary"
	"errors"
)

// Chunk is a block of interleaved PCM16 samples.
type Chunk struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

var errUnaligned = errors.New("pcm payload not aligned")

// DecodePCM16 converts little-endian bytes into samples.
func DecodePCM16(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, errUnaligned
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// EncodePCM16 converts samples into little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Downmix averages interleaved channels into mono.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]int16, frames)
	for f := 0; f < frames; f++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(samples[f*channels+c])
		}
		mono[f] = int16(sum / channels)
	}
	return mono
}

// ToUint8 maps a signed sample onto the unsigned 8-bit scale centred on 128.
func ToUint8(s int16) byte {
	return byte((int(s) >> 8) + 128)
}
