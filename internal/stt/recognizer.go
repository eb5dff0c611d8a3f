// Package stt provides continuous speech recognizers for dictation.
package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voicepad/internal/config"
	"github.com/loqalabs/loqa-voicepad/internal/dictation"
	"github.com/loqalabs/loqa-voicepad/internal/microphone"
)

var errAlreadyStopped = errors.New("recognizer already stopped")

// NewFactory returns the recognizer factory for cfg.Mode, or nil when
// recognition is disabled so dictation reports itself unsupported.
func NewFactory(cfg config.STTConfig, devices dictation.MediaDevices, log *slog.Logger) (dictation.RecognizerFactory, error) {
	log = log.With(slog.String("component", "stt"))
	switch cfg.Mode {
	case "", "none":
		return nil, nil
	case "mock":
		return func() (dictation.Recognizer, error) {
			return NewMockRecognizer(devices, cfg, log), nil
		}, nil
	case "exec":
		if _, err := parseCommand(cfg.Command); err != nil {
			return nil, err
		}
		return func() (dictation.Recognizer, error) {
			return NewExecRecognizer(cfg, devices, log)
		}, nil
	case "deepgram":
		return func() (dictation.Recognizer, error) {
			return NewDeepgramRecognizer(cfg, devices, log), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

// session carries what every backend shares: settings, handlers, the
// result list and the captured stream.
type session struct {
	devices dictation.MediaDevices
	log     *slog.Logger

	mu       sync.Mutex
	settings dictation.RecognizerSettings
	onResult func(dictation.ResultEvent)
	onError  func(dictation.RecognitionError)
	onEnd    func()
	results  []dictation.Result
	started  bool
	stopped  bool
	ended    bool

	stream microphone.PCMStream
}

func (s *session) Configure(settings dictation.RecognizerSettings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

func (s *session) OnResult(h func(dictation.ResultEvent)) {
	s.mu.Lock()
	s.onResult = h
	s.mu.Unlock()
}

func (s *session) OnError(h func(dictation.RecognitionError)) {
	s.mu.Lock()
	s.onError = h
	s.mu.Unlock()
}

func (s *session) OnEnd(h func()) {
	s.mu.Lock()
	s.onEnd = h
	s.mu.Unlock()
}

func (s *session) config() dictation.RecognizerSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// open captures the microphone for the recognizer's own use.
func (s *session) open(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("recognizer already started")
	}
	s.started = true
	s.mu.Unlock()

	stream, err := s.devices.GetUserMedia(ctx)
	if err != nil {
		return fmt.Errorf("capture audio: %w", err)
	}
	pcm, ok := stream.(microphone.PCMStream)
	if !ok {
		releaseStream(stream)
		return fmt.Errorf("stream %T cannot be recognized", stream)
	}
	s.mu.Lock()
	s.stream = pcm
	s.mu.Unlock()
	return nil
}

// markStopped reports whether this call performed the stop.
func (s *session) markStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.stopped = true
	return true
}

func (s *session) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *session) release() {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		releaseStream(stream)
	}
}

func (s *session) capturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// upsert records a hypothesis for the trailing utterance and emits the
// result list. A final result closes the utterance; the next hypothesis
// opens a new entry.
func (s *session) upsert(text string, confidence float64, final bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if !final && !s.settings.InterimResults {
		s.mu.Unlock()
		return
	}
	idx := len(s.results)
	if idx > 0 && !s.results[idx-1].Final {
		idx--
	}
	res := dictation.Result{
		Final:        final,
		Alternatives: []dictation.TranscriptSegment{{Text: text, Confidence: confidence}},
	}
	if idx == len(s.results) {
		s.results = append(s.results, res)
	} else {
		s.results[idx] = res
	}
	ev := dictation.ResultEvent{ResultIndex: idx, Results: append([]dictation.Result(nil), s.results...)}
	handler := s.onResult
	s.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

func (s *session) fail(code string, err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	handler := s.onError
	s.mu.Unlock()
	s.log.Warn("recognition failed", slog.String("code", code), slogError(err))
	if handler != nil {
		handler(dictation.RecognitionError{Code: code, Message: err.Error()})
	}
}

// end fires the end handler once.
func (s *session) end() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	handler := s.onEnd
	s.mu.Unlock()
	if handler != nil {
		handler()
	}
}

func releaseStream(stream dictation.MediaStream) {
	for _, track := range stream.Tracks() {
		track.Stop()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
