package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const journalDepth = 256

// journal runs bookkeeping (event store writes, bus publishes) off the
// event loop, in submission order.
type journal struct {
	log   *slog.Logger
	queue chan func(context.Context)
	once  sync.Once
	done  chan struct{}
}

func newJournal(log *slog.Logger) *journal {
	j := &journal{
		log:   log.With(slog.String("component", "journal")),
		queue: make(chan func(context.Context), journalDepth),
		done:  make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *journal) run() {
	defer close(j.done)
	for fn := range j.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		fn(ctx)
		cancel()
	}
}

// Submit queues fn, dropping it when the journal is saturated.
func (j *journal) Submit(fn func(context.Context)) {
	select {
	case j.queue <- fn:
	default:
		j.log.Warn("journal full, dropping entry")
	}
}

// Close drains queued entries and stops the worker.
func (j *journal) Close() {
	j.once.Do(func() { close(j.queue) })
	<-j.done
}
