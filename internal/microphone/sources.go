package microphone

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-voicepad/internal/audio"
	"github.com/loqalabs/loqa-voicepad/internal/bus"
	"github.com/loqalabs/loqa-voicepad/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource receives protocol.AudioFrame messages for one capture device.
type BusSource struct {
	bus     *bus.Client
	subject string
	log     *slog.Logger
}

func NewBusSource(busClient *bus.Client, deviceID string, log *slog.Logger) *BusSource {
	return &BusSource{
		bus:     busClient,
		subject: protocol.AudioFrameSubject(deviceID),
		log:     log,
	}
}

func (s *BusSource) Check() error {
	if !s.bus.Healthy() {
		return fmt.Errorf("%w: bus not connected", ErrNoDevice)
	}
	return nil
}

func (s *BusSource) Run(ctx context.Context, emit func(audio.Chunk)) error {
	sub, err := s.bus.Conn().Subscribe(s.subject, func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			s.log.Warn("failed to decode audio frame", slogError(err))
			return
		}
		samples, err := audio.DecodePCM16(frame.PCM)
		if err != nil {
			s.log.Warn("dropping audio frame", slogError(err), slog.Int("sequence", frame.Sequence))
			return
		}
		emit(audio.Chunk{Samples: samples, SampleRate: frame.SampleRate, Channels: frame.Channels})
	})
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	<-ctx.Done()
	_ = sub.Unsubscribe()
	return ctx.Err()
}

// WAVSource replays a 16-bit WAV file in real time, then keeps emitting
// silence so listeners observe the speaker going quiet.
type WAVSource struct {
	path  string
	frame time.Duration
}

func NewWAVSource(path string, frame time.Duration) *WAVSource {
	if frame <= 0 {
		frame = 20 * time.Millisecond
	}
	return &WAVSource{path: path, frame: frame}
}

func (s *WAVSource) Check() error {
	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	return nil
}

func (s *WAVSource) Run(ctx context.Context, emit func(audio.Chunk)) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	clip, err := audio.ReadWAV(f)
	f.Close()
	if err != nil {
		return err
	}

	per := clip.SampleRate * clip.Channels * int(s.frame/time.Millisecond) / 1000
	if per <= 0 {
		return fmt.Errorf("wav frame too short for %d Hz", clip.SampleRate)
	}
	silence := make([]int16, per)

	ticker := time.NewTicker(s.frame)
	defer ticker.Stop()
	pos := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		samples := silence
		if pos < len(clip.Samples) {
			end := pos + per
			if end > len(clip.Samples) {
				end = len(clip.Samples)
			}
			samples = clip.Samples[pos:end]
			pos = end
		}
		emit(audio.Chunk{Samples: samples, SampleRate: clip.SampleRate, Channels: clip.Channels})
	}
}
