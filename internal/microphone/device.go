// Package microphone provides MediaDevices backed by audio sources that
// live outside the process: frames streamed over the bus or a WAV file.
package microphone

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voicepad/internal/audio"
	"github.com/loqalabs/loqa-voicepad/internal/dictation"
)

// ErrNoDevice is returned when no capture source is configured or reachable.
var ErrNoDevice = errors.New("no microphone available")

// Source produces PCM until ctx is cancelled.
type Source interface {
	// Check reports whether the source can be opened right now.
	Check() error
	Run(ctx context.Context, emit func(audio.Chunk)) error
}

// PCMStream is a MediaStream whose samples can be tapped.
type PCMStream interface {
	dictation.MediaStream
	Subscribe(fn func(audio.Chunk)) (unsubscribe func())
	Done() <-chan struct{}
}

// Device shares one running Source among every open stream. The source runs
// while at least one stream is live.
type Device struct {
	src Source
	log *slog.Logger

	mu      sync.Mutex
	streams map[*Stream]struct{}
	cancel  context.CancelFunc
}

func NewDevice(src Source, log *slog.Logger) *Device {
	return &Device{
		src:     src,
		log:     log.With(slog.String("component", "microphone")),
		streams: make(map[*Stream]struct{}),
	}
}

// GetUserMedia opens a new stream on the device.
func (d *Device) GetUserMedia(ctx context.Context) (dictation.MediaStream, error) {
	if d == nil || d.src == nil {
		return nil, ErrNoDevice
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.src.Check(); err != nil {
		return nil, err
	}

	s := newStream(d)
	d.mu.Lock()
	d.streams[s] = struct{}{}
	if d.cancel == nil {
		runCtx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		go d.run(runCtx)
	}
	d.mu.Unlock()
	return s, nil
}

// Live reports the number of open streams.
func (d *Device) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

func (d *Device) run(ctx context.Context) {
	if err := d.src.Run(ctx, d.broadcast); err != nil && !errors.Is(err, context.Canceled) {
		d.log.Warn("microphone source stopped", slogError(err))
	}
}

func (d *Device) broadcast(chunk audio.Chunk) {
	d.mu.Lock()
	targets := make([]*Stream, 0, len(d.streams))
	for s := range d.streams {
		targets = append(targets, s)
	}
	d.mu.Unlock()
	for _, s := range targets {
		s.deliver(chunk)
	}
}

func (d *Device) release(s *Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.streams, s)
	if len(d.streams) == 0 && d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

// Stream is one capture handle with a single track.
type Stream struct {
	device *Device
	track  *Track
	done   chan struct{}

	mu   sync.Mutex
	subs map[int]func(audio.Chunk)
	next int
}

func newStream(d *Device) *Stream {
	s := &Stream{device: d, done: make(chan struct{}), subs: make(map[int]func(audio.Chunk))}
	s.track = &Track{stream: s}
	return s
}

func (s *Stream) Tracks() []dictation.MediaTrack {
	return []dictation.MediaTrack{s.track}
}

// Subscribe delivers every chunk to fn until unsubscribed or the track
// stops. fn runs on the source goroutine.
func (s *Stream) Subscribe(fn func(audio.Chunk)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Done is closed once the track has been stopped.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) deliver(chunk audio.Chunk) {
	s.mu.Lock()
	fns := make([]func(audio.Chunk), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(chunk)
	}
}

// Track stops capture for its stream. Stop is idempotent.
type Track struct {
	stream *Stream
	once   sync.Once
}

func (t *Track) Stop() {
	t.once.Do(func() {
		t.stream.mu.Lock()
		t.stream.subs = make(map[int]func(audio.Chunk))
		t.stream.mu.Unlock()
		close(t.stream.done)
		t.stream.device.release(t.stream)
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
