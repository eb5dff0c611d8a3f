package stt

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voicepad/internal/audio"
	"github.com/loqalabs/loqa-voicepad/internal/config"
	"github.com/loqalabs/loqa-voicepad/internal/dictation"
)

// mockRecognizer reports how much audio it heard instead of words.
type mockRecognizer struct {
	session
	every   time.Duration
	samples atomic.Int64
	stop    chan struct{}
	done    chan struct{}
}

func NewMockRecognizer(devices dictation.MediaDevices, cfg config.STTConfig, log *slog.Logger) dictation.Recognizer {
	every := time.Duration(cfg.PartialEveryMS) * time.Millisecond
	if every <= 0 {
		every = 800 * time.Millisecond
	}
	return &mockRecognizer{
		session: session{devices: devices, log: log},
		every:   every,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (m *mockRecognizer) Start() error {
	if err := m.open(context.Background()); err != nil {
		return err
	}
	unsubscribe := m.stream.Subscribe(func(c audio.Chunk) {
		m.samples.Add(int64(len(c.Samples)))
	})
	go func() {
		defer close(m.done)
		defer unsubscribe()
		ticker := time.NewTicker(m.every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.upsert(fmt.Sprintf("[partial transcript samples=%d]", m.samples.Load()), 0, false)
			case <-m.stream.Done():
				m.fail("audio-capture", fmt.Errorf("microphone stream ended"))
				m.release()
				m.end()
				return
			case <-m.stop:
				m.upsert(fmt.Sprintf("[final transcript samples=%d]", m.samples.Load()), 0, true)
				m.release()
				m.end()
				return
			}
		}
	}()
	return nil
}

func (m *mockRecognizer) Stop() error {
	if !m.markStopped() {
		return errAlreadyStopped
	}
	if !m.capturing() {
		m.end()
		return nil
	}
	close(m.stop)
	return nil
}
