package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// remoteSynth calls an HTTP speech-generation endpoint that answers with
// base64 PCM16 for the whole utterance.
type remoteSynth struct {
	client     *resty.Client
	endpoint   string
	sampleRate int
	channels   int
	chunk      time.Duration
}

type remoteRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Language   string `json:"language,omitempty"`
	Style      string `json:"style,omitempty"`
	SSML       bool   `json:"ssml,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type remoteResponse struct {
	AudioBase64 string `json:"audio_base64"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
}

type remoteError struct {
	Error string `json:"error"`
}

func NewRemoteSynth(endpoint, apiKey string, timeout time.Duration, sampleRate, channels int, chunk time.Duration) Synthesizer {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &remoteSynth{client: client, endpoint: endpoint, sampleRate: sampleRate, channels: channels, chunk: chunk}
}

func (r *remoteSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		var out remoteResponse
		var failure remoteError
		resp, err := r.client.R().
			SetContext(ctx).
			SetBody(remoteRequest{
				Text:       req.Text,
				Voice:      req.Voice,
				Language:   req.Language,
				Style:      req.Style,
				SSML:       req.SSML,
				SampleRate: r.sampleRate,
				Channels:   r.channels,
			}).
			SetResult(&out).
			SetError(&failure).
			Post(r.endpoint)
		if err != nil {
			errs <- fmt.Errorf("speech request: %w", err)
			return
		}
		if resp.IsError() {
			if failure.Error != "" {
				errs <- fmt.Errorf("speech request: %s: %s", resp.Status(), failure.Error)
			} else {
				errs <- fmt.Errorf("speech request: %s", resp.Status())
			}
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(out.AudioBase64)
		if err != nil {
			errs <- fmt.Errorf("decode speech audio: %w", err)
			return
		}
		rate, channels := r.sampleRate, r.channels
		if out.SampleRate > 0 {
			rate = out.SampleRate
		}
		if out.Channels > 0 {
			channels = out.Channels
		}

		parts := split(pcm, rate, channels, r.chunk)
		for i, part := range parts {
			select {
			case chunks <- SynthChunk{
				RequestID:  req.RequestID,
				Sequence:   i,
				SampleRate: rate,
				Channels:   channels,
				PCM:        part,
				Final:      i == len(parts)-1,
			}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}
