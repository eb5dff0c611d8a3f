// Package tts generates speech audio for the voice pad.
package tts

import (
	"context"
	"errors"
)

var (
	ErrEmptyText    = errors.New("speech text is empty")
	ErrUnknownVoice = errors.New("unknown voice")
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	RequestID string
	Text      string
	Voice     string
	Language  string
	Style     string
	SSML      bool
}

// SynthChunk contains PCM16 data.
type SynthChunk struct {
	RequestID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Speech is a fully generated utterance.
type Speech struct {
	RequestID  string
	Voice      string
	Language   string
	SampleRate int
	Channels   int
	PCM        []byte
}
