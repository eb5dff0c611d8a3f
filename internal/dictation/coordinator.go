package dictation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// State is the coordinator's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateUnsupported
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// StopReason names the trigger that ended a session.
type StopReason string

const (
	ReasonUser             StopReason = "user"
	ReasonSilence          StopReason = "silence"
	ReasonRecognizerEnd    StopReason = "recognizer_end"
	ReasonRecognizerError  StopReason = "recognizer_error"
	ReasonUnmount          StopReason = "unmount"
	ReasonAcquisitionError StopReason = "acquisition_error"
)

// Options configures a Coordinator. Zero numeric values fall back to the
// package defaults.
type Options struct {
	Locale           string
	FFTSize          int
	SilenceThreshold float64
	SilenceWindow    time.Duration

	// OnDictation receives trimmed, non-empty finalized text.
	OnDictation func(text string)
	// OnError receives user-facing acquisition failures.
	OnError func(err error)

	OnSessionStart func(sessionID string)
	OnSessionStop  func(sessionID string, reason StopReason)
}

func (o Options) withDefaults() Options {
	if o.Locale == "" {
		o.Locale = "en-US"
	}
	if o.FFTSize <= 0 {
		o.FFTSize = DefaultFFTSize
	}
	if o.SilenceThreshold <= 0 {
		o.SilenceThreshold = DefaultSilenceThreshold
	}
	if o.SilenceWindow <= 0 {
		o.SilenceWindow = DefaultSilenceWindow
	}
	if o.OnDictation == nil {
		o.OnDictation = func(string) {}
	}
	if o.OnError == nil {
		o.OnError = func(error) {}
	}
	return o
}

// Coordinator owns the dictation start/stop lifecycle and every resource a
// session acquires. All methods must be called on the host loop.
type Coordinator struct {
	cfg           Options
	host          Host
	media         MediaDevices
	audio         AudioContextFactory
	newRecognizer RecognizerFactory
	log           *slog.Logger
	metrics       *metrics

	state     State
	dictating bool
	closed    bool
	session   *session
}

// session holds the handles of one start-to-stop cycle. Handles are nil
// once released.
type session struct {
	id           string
	cancel       context.CancelFunc
	recognizer   *recognizerAdapter
	stream       MediaStream
	graph        AnalysisGraph
	silenceTimer Timer
	frame        FrameHandle
	samples      []byte
}

// New builds a coordinator. A nil recognizer factory leaves it permanently
// unsupported.
func New(host Host, media MediaDevices, audio AudioContextFactory, recognizers RecognizerFactory, opts Options, log *slog.Logger) *Coordinator {
	c := &Coordinator{
		cfg:           opts.withDefaults(),
		host:          host,
		media:         media,
		audio:         audio,
		newRecognizer: recognizers,
		log:           log.With(slog.String("component", "dictation")),
		metrics:       newMetrics(log),
	}
	if recognizers == nil {
		c.state = StateUnsupported
		c.log.Info("speech recognition unavailable; dictation disabled")
	}
	return c
}

// State reports the lifecycle state.
func (c *Coordinator) State() State { return c.state }

// Dictating reports the UI flag. It turns true before the microphone is
// granted.
func (c *Coordinator) Dictating() bool { return c.dictating }

// SessionID returns the live session id, or "".
func (c *Coordinator) SessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.id
}

// Toggle starts a session when idle and stops the live one otherwise.
func (c *Coordinator) Toggle() error {
	switch {
	case c.closed:
		return ErrClosed
	case c.state == StateUnsupported:
		return ErrUnsupported
	case c.dictating:
		c.transitionToIdle(ReasonUser)
		return nil
	default:
		c.start()
		return nil
	}
}

// Close tears down any session and disables the coordinator.
func (c *Coordinator) Close() {
	if c.closed {
		return
	}
	c.transitionToIdle(ReasonUnmount)
	c.closed = true
}

func (c *Coordinator) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{id: uuid.NewString(), cancel: cancel}
	c.session = s
	c.dictating = true
	c.state = StateStarting
	c.metrics.sessionStarted()
	c.log.Info("dictation starting", slogSession(s))
	if c.cfg.OnSessionStart != nil {
		c.cfg.OnSessionStart(s.id)
	}

	media := c.media
	c.host.Go(func() {
		stream, err := media.GetUserMedia(ctx)
		c.host.Post(func() { c.acquired(s, stream, err) })
	})
}

func (c *Coordinator) acquired(s *session, stream MediaStream, err error) {
	if c.session != s {
		// Torn down while the grant was in flight.
		stopTracks(stream)
		return
	}
	if err != nil {
		c.fail(fmt.Errorf("acquire microphone: %w", err))
		return
	}
	s.stream = stream
	if err := c.activate(s); err != nil {
		c.fail(err)
	}
}

// activate acquires the graph, the polling loop and the recognizer in
// order. Whatever was acquired before a failure is released by the caller's
// single unwind through transitionToIdle.
func (c *Coordinator) activate(s *session) error {
	graph, err := c.audio.NewGraph(s.stream, c.cfg.FFTSize)
	if err != nil {
		return fmt.Errorf("build analysis graph: %w", err)
	}
	s.graph = graph
	s.samples = make([]byte, c.cfg.FFTSize)
	s.frame = c.host.RequestFrame(func() { c.tick(s) })

	rec, err := c.newRecognizer()
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}
	s.recognizer = newRecognizerAdapter(rec, c.cfg.Locale, c.host, c.log, recognizerHandlers{
		text:  c.dictated,
		error: func(e RecognitionError) { c.recognizerFailed(s, e) },
		end:   func() { c.recognizerEnded(s) },
	})
	if err := s.recognizer.start(); err != nil {
		return fmt.Errorf("start recognizer: %w", err)
	}

	c.state = StateActive
	c.log.Info("dictation active", slogSession(s))
	return nil
}

func (c *Coordinator) fail(err error) {
	c.log.Warn("dictation could not start", slogError(err))
	c.cfg.OnError(err)
	c.transitionToIdle(ReasonAcquisitionError)
}

// dictated forwards text even when it arrives after its session ended: a
// stopped recognizer may still flush what it heard.
func (c *Coordinator) dictated(text string) {
	if c.closed {
		return
	}
	c.metrics.transcript()
	c.cfg.OnDictation(text)
}

func (c *Coordinator) recognizerFailed(s *session, e RecognitionError) {
	if c.session != s {
		return
	}
	c.log.Warn("recognizer error", slogSession(s), slog.String("code", e.Code), slog.String("message", e.Message))
	c.transitionToIdle(ReasonRecognizerError)
}

func (c *Coordinator) recognizerEnded(s *session) {
	if c.session != s {
		return
	}
	c.transitionToIdle(ReasonRecognizerEnd)
}

// transitionToIdle is the single stop routine for every trigger. Each step
// is a no-op when its handle is already released.
func (c *Coordinator) transitionToIdle(reason StopReason) {
	s := c.session
	if s != nil {
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		if s.recognizer != nil {
			s.recognizer.stop()
			s.recognizer = nil
		}
		if s.frame != 0 {
			c.host.CancelFrame(s.frame)
			s.frame = 0
		}
		if s.silenceTimer != nil {
			s.silenceTimer.Stop()
			s.silenceTimer = nil
		}
		if s.stream != nil {
			stopTracks(s.stream)
			s.stream = nil
		}
		if s.graph != nil {
			if !s.graph.Closed() {
				if err := s.graph.Close(); err != nil {
					c.log.Debug("analysis graph close failed", slogError(err))
				}
			}
			s.graph = nil
		}
		c.session = nil
	}

	c.dictating = false
	if c.state != StateUnsupported {
		c.state = StateIdle
	}

	if s == nil {
		return
	}
	c.metrics.sessionStopped(reason)
	c.log.Info("dictation stopped", slogSession(s), slog.String("reason", string(reason)))
	if c.cfg.OnSessionStop != nil {
		c.cfg.OnSessionStop(s.id, reason)
	}
}

func stopTracks(stream MediaStream) {
	if stream == nil {
		return
	}
	for _, track := range stream.Tracks() {
		track.Stop()
	}
}

func slogSession(s *session) slog.Attr {
	return slog.String("session_id", s.id)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
