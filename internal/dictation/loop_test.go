package dictation

import (
	"context"
	"testing"
	"time"
)

func runLoop(t *testing.T) *EventLoop {
	t.Helper()
	loop := NewEventLoop(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop
}

func TestEventLoopRunsFramesOnce(t *testing.T) {
	loop := runLoop(t)
	ran := make(chan int, 4)

	err := loop.Do(context.Background(), func() {
		loop.RequestFrame(func() { ran <- 1 })
		cancelled := loop.RequestFrame(func() { ran <- 2 })
		loop.CancelFrame(cancelled)
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}

	select {
	case v := <-ran:
		if v != 1 {
			t.Fatalf("cancelled frame ran")
		}
	case <-time.After(time.Second):
		t.Fatal("frame never ran")
	}
	select {
	case v := <-ran:
		t.Fatalf("unexpected extra frame %d", v)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEventLoopTimerStopWins(t *testing.T) {
	loop := runLoop(t)
	fired := make(chan struct{}, 1)

	var timer Timer
	if err := loop.Do(context.Background(), func() {
		timer = loop.AfterFunc(5*time.Millisecond, func() { fired <- struct{}{} })
	}); err != nil {
		t.Fatalf("do: %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	var stopped bool
	if err := loop.Do(context.Background(), func() { stopped = timer.Stop() }); err != nil {
		t.Fatalf("do: %v", err)
	}

	select {
	case <-fired:
		if stopped {
			t.Fatal("timer fired after a successful Stop")
		}
	default:
		if !stopped {
			t.Fatal("timer neither fired nor stopped")
		}
	}
}

func TestEventLoopGoPostsBack(t *testing.T) {
	loop := runLoop(t)
	result := make(chan string, 1)

	loop.Go(func() {
		loop.Post(func() { result <- "posted" })
	})

	select {
	case got := <-result:
		if got != "posted" {
			t.Fatalf("unexpected %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("post never ran")
	}
}
