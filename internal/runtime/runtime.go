// Package runtime wires the voice pad components together and serves the
// HTTP API.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voicepad/internal/analysis"
	"github.com/loqalabs/loqa-voicepad/internal/bus"
	"github.com/loqalabs/loqa-voicepad/internal/config"
	"github.com/loqalabs/loqa-voicepad/internal/dictation"
	"github.com/loqalabs/loqa-voicepad/internal/eventstore"
	"github.com/loqalabs/loqa-voicepad/internal/microphone"
	"github.com/loqalabs/loqa-voicepad/internal/natsserver"
	"github.com/loqalabs/loqa-voicepad/internal/protocol"
	"github.com/loqalabs/loqa-voicepad/internal/stt"
	"github.com/loqalabs/loqa-voicepad/internal/tts"
)

type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	traceOut io.Writer

	httpServer     *http.Server
	handler        http.Handler
	metricsHandler http.Handler
	telemetryClose func(context.Context) error

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	events     *eventstore.Store
	microphone *microphone.Device
	loop       *dictation.EventLoop
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	dictation  *dictation.Coordinator
	speech     *tts.Service
	journal    *journal
	transcript *Transcript

	// Loop-owned.
	lastSession string
	lastError   string

	ready atomic.Bool
	wg    sync.WaitGroup
}

// Option adjusts a Runtime before it boots.
type Option func(*Runtime)

// WithTraceOutput sends stdout-exported spans to w.
func WithTraceOutput(w io.Writer) Option {
	return func(r *Runtime) { r.traceOut = w }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:        cfg,
		logger:     logger,
		traceOut:   os.Stdout,
		transcript: &Transcript{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start boots every component, serves HTTP until ctx is cancelled and then
// shuts down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Boot(ctx); err != nil {
		r.Shutdown(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.Shutdown(shutdownCtx)
	return nil
}

// Boot starts every component without serving HTTP. Handler is usable once
// it returns nil.
func (r *Runtime) Boot(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.traceOut, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	if err := r.connectBus(ctx); err != nil {
		return err
	}

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.events = events
	r.journal = newJournal(r.logger)

	device, err := r.openMicrophone()
	if err != nil {
		return err
	}
	r.microphone = device

	recognizers, err := stt.NewFactory(r.cfg.STT, device, r.logger)
	if err != nil {
		return fmt.Errorf("configure recognizer: %w", err)
	}

	r.loop = dictation.NewEventLoop(time.Duration(r.cfg.Dictation.FrameIntervalMS) * time.Millisecond)
	loopCtx, cancel := context.WithCancel(context.Background())
	r.loopCancel = cancel
	r.loopDone = make(chan struct{})
	go func() {
		defer close(r.loopDone)
		r.loop.Run(loopCtx)
	}()

	r.dictation = dictation.New(r.loop, device, analysis.Context{}, recognizers, dictation.Options{
		Locale:           r.cfg.Dictation.Locale,
		FFTSize:          r.cfg.Dictation.FFTSize,
		SilenceThreshold: r.cfg.Dictation.SilenceThreshold,
		SilenceWindow:    time.Duration(r.cfg.Dictation.SilenceWindowMS) * time.Millisecond,
		OnDictation:      r.onDictation,
		OnError:          r.onDictationError,
		OnSessionStart:   r.onSessionStart,
		OnSessionStop:    r.onSessionStop,
	}, r.logger)

	synth, err := tts.NewSynthesizer(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("configure speech: %w", err)
	}
	r.speech = tts.NewService(context.Background(), r.cfg.TTS, r.bus, synth, r.logger)
	if err := r.speech.Start(); err != nil {
		return err
	}

	r.handler = r.routes()
	r.ready.Store(true)
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = embedded
	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

func (r *Runtime) openMicrophone() (*microphone.Device, error) {
	mic := r.cfg.Microphone
	switch mic.Mode {
	case "bus":
		if r.bus == nil {
			return nil, errors.New("microphone.mode=bus requires the bus")
		}
		return microphone.NewDevice(microphone.NewBusSource(r.bus, mic.DeviceID, r.logger), r.logger), nil
	case "wav":
		frame := time.Duration(mic.FrameDurationMS) * time.Millisecond
		return microphone.NewDevice(microphone.NewWAVSource(mic.WAVPath, frame), r.logger), nil
	default:
		return microphone.NewDevice(nil, r.logger), nil
	}
}

// Shutdown releases everything Boot acquired. Dictation is closed first so
// an active session unwinds while its microphone and bus are still up.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.ready.Store(false)
	if r.loop != nil && r.dictation != nil {
		if err := r.loop.Do(ctx, r.dictation.Close); err != nil {
			r.logger.Warn("dictation close failed", slog.String("error", err.Error()))
		}
	}
	if r.loopCancel != nil {
		r.loopCancel()
		<-r.loopDone
		r.loopCancel = nil
	}
	if r.speech != nil {
		r.speech.Close()
		r.speech = nil
	}
	if r.journal != nil {
		r.journal.Close()
		r.journal = nil
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
		r.events = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
		r.telemetryClose = nil
	}
}

// Handler serves the HTTP API.
func (r *Runtime) Handler() http.Handler { return r.handler }

// Dictation hooks run on the event loop. Anything that blocks is handed to
// the journal.

func (r *Runtime) onSessionStart(sessionID string) {
	r.lastSession = sessionID
	r.lastError = ""
	r.record(func(ctx context.Context) {
		if err := r.events.BeginSession(ctx, eventstore.Session{ID: sessionID, Kind: eventstore.KindDictation, Locale: r.cfg.Dictation.Locale}); err != nil {
			r.logger.Warn("failed to record dictation session", slog.String("error", err.Error()))
		}
		r.publish(protocol.SubjectDictationStatus, protocol.DictationStatus{SessionID: sessionID, Active: true, Timestamp: time.Now().UTC()})
	})
}

func (r *Runtime) onSessionStop(sessionID string, reason dictation.StopReason) {
	r.record(func(ctx context.Context) {
		if err := r.events.EndSession(ctx, sessionID, string(reason)); err != nil {
			r.logger.Warn("failed to close dictation session", slog.String("error", err.Error()))
		}
		if err := r.events.AppendEvent(ctx, eventstore.Event{SessionID: sessionID, Type: eventstore.EventDictationStopped, Payload: []byte(reason)}); err != nil {
			r.logger.Warn("failed to record dictation stop", slog.String("error", err.Error()))
		}
		r.publish(protocol.SubjectDictationStatus, protocol.DictationStatus{SessionID: sessionID, Active: false, Reason: string(reason), Timestamp: time.Now().UTC()})
	})
}

// onDictation attributes text to the latest session; a flush after stop
// still belongs to the session that heard it.
func (r *Runtime) onDictation(text string) {
	sessionID := r.lastSession
	r.transcript.Append(text)
	r.record(func(ctx context.Context) {
		if err := r.events.AppendEvent(ctx, eventstore.Event{SessionID: sessionID, Type: eventstore.EventDictationText, Payload: []byte(text)}); err != nil {
			r.logger.Warn("failed to record dictation", slog.String("error", err.Error()))
		}
		r.publish(protocol.SubjectDictationText, protocol.DictationText{SessionID: sessionID, Text: text, Timestamp: time.Now().UTC()})
	})
}

func (r *Runtime) onDictationError(err error) {
	r.lastError = err.Error()
}

func (r *Runtime) record(fn func(ctx context.Context)) {
	if r.journal != nil {
		r.journal.Submit(fn)
	}
}

func (r *Runtime) publish(subject string, v any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.PublishJSON(subject, v); err != nil {
		r.logger.Warn("failed to publish", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	return r.speech.Healthy()
}
