package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicepad/internal/bus"
	"github.com/loqalabs/loqa-voicepad/internal/config"
	"github.com/loqalabs/loqa-voicepad/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// NewSynthesizer builds the backend selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	chunk := time.Duration(cfg.ChunkDurationMS) * time.Millisecond
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels, chunk), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "remote":
		return NewRemoteSynth(cfg.Endpoint, cfg.APIKey, time.Duration(cfg.TimeoutMS)*time.Millisecond, cfg.SampleRate, cfg.Channels, chunk), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

// Service answers speech requests from the bus and from direct Generate
// calls.
type Service struct {
	cfg       config.TTSConfig
	bus       *bus.Client
	synth     Synthesizer
	catalogue *Catalogue
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
	tracer    trace.Tracer
	requests  metric.Int64Counter
}

// NewService wires synth to the bus. busClient may be nil, in which case
// only Generate is served.
func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:       cfg,
		bus:       busClient,
		synth:     synth,
		catalogue: NewCatalogue(cfg),
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.With(slog.String("component", "tts-service")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-voicepad/tts"),
	}
	requests, err := otel.Meter("github.com/loqalabs/loqa-voicepad/tts").Int64Counter("voicepad.speech.requests", metric.WithDescription("Speech generation requests by outcome"))
	if err != nil {
		s.logger.Warn("failed to create speech metric", slogError(err))
	}
	s.requests = requests
	return s
}

func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSpeechRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe speech requests: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.bus == nil || s.sub != nil }

func (s *Service) Voices() []config.Voice { return s.catalogue.Voices() }

func (s *Service) timeout() time.Duration {
	if s.cfg.TimeoutMS <= 0 {
		return 45 * time.Second
	}
	return time.Duration(s.cfg.TimeoutMS) * time.Millisecond
}

// Generate synthesizes req in full.
func (s *Service) Generate(ctx context.Context, req SynthRequest) (Speech, error) {
	req, err := s.catalogue.Resolve(req)
	if err != nil {
		s.count("rejected", req.Voice)
		return Speech{}, err
	}
	speech := Speech{RequestID: req.RequestID, Voice: req.Voice, Language: req.Language}
	var pcm bytes.Buffer
	err = s.synthesize(ctx, req, func(chunk SynthChunk) {
		speech.SampleRate = chunk.SampleRate
		speech.Channels = chunk.Channels
		pcm.Write(chunk.PCM)
	})
	if err != nil {
		return Speech{}, err
	}
	speech.PCM = pcm.Bytes()
	return speech, nil
}

// synthesize runs one resolved request, handing chunks to emit in order.
func (s *Service) synthesize(ctx context.Context, req SynthRequest, emit func(SynthChunk)) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("speech.request_id", req.RequestID),
		attribute.String("speech.voice", req.Voice),
		attribute.String("speech.language", req.Language),
		attribute.Bool("speech.ssml", req.SSML),
	))
	defer span.End()

	started := time.Now()
	chunks, errs := s.synth.Synthesize(ctx, req)
	sequence := 0
	var failure error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			chunk.Sequence = sequence
			sequence++
			emit(chunk)
		case err, ok := <-errs:
			if ok && err != nil {
				failure = err
			}
			errs = nil
		case <-ctx.Done():
			failure = ctx.Err()
			chunks, errs = nil, nil
		}
	}
	if failure != nil {
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
		s.count("error", req.Voice)
		s.logger.Warn("speech synthesis failed", slog.String("request_id", req.RequestID), slogError(failure))
		return fmt.Errorf("synthesize speech: %w", failure)
	}
	s.count("ok", req.Voice)
	s.logger.Debug("speech synthesized",
		slog.String("request_id", req.RequestID),
		slog.Int("chunks", sequence),
		slog.Duration("elapsed", time.Since(started)),
	)
	return nil
}

func (s *Service) count(outcome, voice string) {
	if s.requests == nil {
		return
	}
	s.requests.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("voice", voice),
	))
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var in protocol.SpeechRequest
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		s.logger.Warn("failed to decode speech request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		req, err := s.catalogue.Resolve(SynthRequest{
			RequestID: in.RequestID,
			Text:      in.Text,
			Voice:     in.Voice,
			Language:  in.Language,
			Style:     in.Style,
			SSML:      in.SSML,
		})
		if err != nil {
			s.count("rejected", in.Voice)
			s.publishStatus(req.RequestID, err)
			return
		}
		err = s.synthesize(s.ctx, req, s.publishChunk)
		s.publishStatus(req.RequestID, err)
	}()
}

func (s *Service) publishChunk(chunk SynthChunk) {
	packet := protocol.SpeechChunk{
		RequestID:  chunk.RequestID,
		Sequence:   chunk.Sequence,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	if err := s.bus.PublishJSON(protocol.SubjectSpeechAudio, packet); err != nil {
		s.logger.Warn("failed to publish speech chunk", slogError(err))
	}
}

func (s *Service) publishStatus(requestID string, failure error) {
	status := protocol.SpeechStatus{RequestID: requestID, Completed: failure == nil, Timestamp: time.Now().UTC()}
	if failure != nil {
		status.Error = failure.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectSpeechDone, status); err != nil {
		s.logger.Warn("failed to publish speech status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
