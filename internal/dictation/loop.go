package dictation

import (
	"context"
	"sync"
	"time"
)

// DefaultFrameInterval approximates a 60 Hz render cadence.
const DefaultFrameInterval = 16 * time.Millisecond

// EventLoop is the production Host: a single goroutine runs every posted
// callback, frame callback and timer callback in turn.
type EventLoop struct {
	queue    chan func()
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup

	// Loop-owned.
	frames    map[FrameHandle]func()
	nextFrame FrameHandle
}

// NewEventLoop creates a loop with the given frame cadence.
func NewEventLoop(frameInterval time.Duration) *EventLoop {
	if frameInterval <= 0 {
		frameInterval = DefaultFrameInterval
	}
	return &EventLoop{
		queue:    make(chan func(), 256),
		interval: frameInterval,
		done:     make(chan struct{}),
		frames:   make(map[FrameHandle]func()),
	}
}

// Run processes callbacks until ctx is cancelled, then waits for work
// started with Go.
func (l *EventLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	defer func() {
		close(l.done)
		l.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.queue:
			fn()
		case <-ticker.C:
			l.runFrames()
		}
	}
}

// Post schedules fn on the loop. It is dropped once the loop has stopped.
func (l *EventLoop) Post(fn func()) {
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *EventLoop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case l.queue <- func() { fn(); close(finished) }:
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestFrame registers fn for the next frame. Loop only.
func (l *EventLoop) RequestFrame(fn func()) FrameHandle {
	l.nextFrame++
	l.frames[l.nextFrame] = fn
	return l.nextFrame
}

// CancelFrame drops a pending frame callback. Loop only.
func (l *EventLoop) CancelFrame(h FrameHandle) {
	delete(l.frames, h)
}

func (l *EventLoop) runFrames() {
	if len(l.frames) == 0 {
		return
	}
	pending := l.frames
	l.frames = make(map[FrameHandle]func())
	for _, fn := range pending {
		fn()
	}
}

// AfterFunc runs fn on the loop after d unless stopped first.
func (l *EventLoop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			fn()
		})
	})
	return t
}

// Go runs blocking work on its own goroutine.
func (l *EventLoop) Go(fn func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn()
	}()
}

// loopTimer's stopped flag is only touched on the loop, so a fire that was
// already queued when Stop ran is discarded.
type loopTimer struct {
	timer   *time.Timer
	stopped bool
}

func (t *loopTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	t.timer.Stop()
	return true
}
