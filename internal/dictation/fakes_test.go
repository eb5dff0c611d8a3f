package dictation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// manualHost is a deterministic Host driven by a virtual clock.
type manualHost struct {
	now       time.Duration
	interval  time.Duration
	queue     []func()
	work      []func()
	frames    map[FrameHandle]func()
	nextFrame FrameHandle
	timers    []*manualTimer
	armed     int
}

type manualTimer struct {
	host    *manualHost
	due     time.Duration
	fn      func()
	pending bool
}

func (t *manualTimer) Stop() bool {
	if !t.pending {
		return false
	}
	t.pending = false
	return true
}

func newManualHost() *manualHost {
	return &manualHost{interval: DefaultFrameInterval, frames: make(map[FrameHandle]func())}
}

func (h *manualHost) Post(fn func()) { h.queue = append(h.queue, fn) }

func (h *manualHost) RequestFrame(fn func()) FrameHandle {
	h.nextFrame++
	h.frames[h.nextFrame] = fn
	return h.nextFrame
}

func (h *manualHost) CancelFrame(id FrameHandle) { delete(h.frames, id) }

func (h *manualHost) AfterFunc(d time.Duration, fn func()) Timer {
	t := &manualTimer{host: h, due: h.now + d, fn: fn, pending: true}
	h.timers = append(h.timers, t)
	h.armed++
	return t
}

func (h *manualHost) Go(fn func()) { h.work = append(h.work, fn) }

// drain runs posted callbacks until the queue is empty.
func (h *manualHost) drain() {
	for len(h.queue) > 0 {
		fn := h.queue[0]
		h.queue = h.queue[1:]
		fn()
	}
}

// runWork completes every blocking operation started with Go.
func (h *manualHost) runWork() {
	for len(h.work) > 0 {
		fn := h.work[0]
		h.work = h.work[1:]
		fn()
	}
	h.drain()
}

func (h *manualHost) pendingTimers() int {
	n := 0
	for _, t := range h.timers {
		if t.pending {
			n++
		}
	}
	return n
}

// step advances one frame interval: due timers fire, then frames run.
func (h *manualHost) step() {
	h.now += h.interval
	var due []*manualTimer
	for _, t := range h.timers {
		if t.pending && t.due <= h.now {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].due < due[j].due })
	for _, t := range due {
		if !t.pending {
			continue
		}
		t.pending = false
		t.fn()
		h.drain()
	}

	frames := h.frames
	h.frames = make(map[FrameHandle]func())
	ids := make([]FrameHandle, 0, len(frames))
	for id := range frames {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		frames[id]()
	}
	h.drain()
}

func (h *manualHost) advance(d time.Duration) {
	end := h.now + d
	for h.now < end {
		h.step()
	}
}

type fakeTrack struct{ stops int }

func (t *fakeTrack) Stop() { t.stops++ }

type fakeStream struct{ tracks []*fakeTrack }

func newFakeStream(n int) *fakeStream {
	s := &fakeStream{}
	for i := 0; i < n; i++ {
		s.tracks = append(s.tracks, &fakeTrack{})
	}
	return s
}

func (s *fakeStream) Tracks() []MediaTrack {
	out := make([]MediaTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *fakeStream) stopCounts() []int {
	var counts []int
	for _, t := range s.tracks {
		counts = append(counts, t.stops)
	}
	return counts
}

type fakeMedia struct {
	streams []*fakeStream
	err     error
	calls   int
}

func (m *fakeMedia) GetUserMedia(ctx context.Context) (MediaStream, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	s := newFakeStream(2)
	m.streams = append(m.streams, s)
	return s, nil
}

// fakeGraph plays back a fixed volume chosen by the test.
type fakeGraph struct {
	level  byte
	closed bool
	closes int
}

func (g *fakeGraph) ByteTimeDomainData(dst []byte) {
	for i := range dst {
		if i%2 == 0 {
			dst[i] = midpoint + g.level
		} else {
			dst[i] = midpoint - g.level
		}
	}
}

func (g *fakeGraph) Closed() bool { return g.closed }

func (g *fakeGraph) Close() error {
	g.closes++
	g.closed = true
	return nil
}

type fakeAudio struct {
	graphs []*fakeGraph
	err    error
	level  byte
}

func (a *fakeAudio) NewGraph(stream MediaStream, fftSize int) (AnalysisGraph, error) {
	if a.err != nil {
		return nil, a.err
	}
	g := &fakeGraph{level: a.level}
	a.graphs = append(a.graphs, g)
	return g, nil
}

func (a *fakeAudio) last() *fakeGraph {
	if len(a.graphs) == 0 {
		return nil
	}
	return a.graphs[len(a.graphs)-1]
}

type fakeRecognizer struct {
	settings RecognizerSettings
	onResult func(ResultEvent)
	onError  func(RecognitionError)
	onEnd    func()
	starts   int
	stops    int
	startErr error
}

func (r *fakeRecognizer) Configure(s RecognizerSettings)   { r.settings = s }
func (r *fakeRecognizer) OnResult(h func(ResultEvent))     { r.onResult = h }
func (r *fakeRecognizer) OnError(h func(RecognitionError)) { r.onError = h }
func (r *fakeRecognizer) OnEnd(h func())                   { r.onEnd = h }
func (r *fakeRecognizer) Start() error                     { r.starts++; return r.startErr }

func (r *fakeRecognizer) Stop() error {
	r.stops++
	if r.stops > 1 {
		return errors.New("already stopped")
	}
	return nil
}

type fakeRecognizers struct {
	built []*fakeRecognizer
	err   error
}

func (f *fakeRecognizers) factory() RecognizerFactory {
	return func() (Recognizer, error) {
		if f.err != nil {
			return nil, f.err
		}
		r := &fakeRecognizer{}
		f.built = append(f.built, r)
		return r, nil
	}
}

func (f *fakeRecognizers) last() *fakeRecognizer {
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}
