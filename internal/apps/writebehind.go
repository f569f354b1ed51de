package apps

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"notivox/internal/storage"
	"notivox/pkg/logx"
)

const writeQueueSize = 256

type writeTask struct {
	desc string
	fn   func(ctx context.Context, s storage.Store) error
}

// writeBehind persists registry mutations off the decision path.
// Failures are logged and retried once with a short delay; in-memory state
// stays authoritative either way.
type writeBehind struct {
	store storage.Store
	log   logx.Logger

	mu        sync.Mutex
	queue     chan writeTask
	accepting bool
	stopDone  chan struct{}

	runCancel context.CancelFunc
}

func newWriteBehind(store storage.Store, log logx.Logger) *writeBehind {
	return &writeBehind{store: store, log: log}
}

func (w *writeBehind) Start(ctx context.Context) {
	if w.store == nil {
		return
	}
	w.mu.Lock()
	if w.queue != nil {
		// already running
		w.mu.Unlock()
		return
	}
	q := make(chan writeTask, writeQueueSize)
	done := make(chan struct{})
	w.queue = q
	w.accepting = true
	w.stopDone = done
	runCtx, runCancel := context.WithCancel(ctx)
	w.runCancel = runCancel
	w.mu.Unlock()

	// The worker owns local copies; Stop clearing the fields cannot race it.
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("panic in settings writer", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		for t := range q {
			w.run(runCtx, t)
		}
	}()
}

// Stop blocks new writes and drains the queue best-effort until ctx expires.
func (w *writeBehind) Stop(ctx context.Context) {
	w.mu.Lock()
	q := w.queue
	done := w.stopDone
	cancel := w.runCancel
	if q == nil {
		w.mu.Unlock()
		return
	}
	w.accepting = false
	w.queue = nil
	w.stopDone = nil
	w.runCancel = nil
	// Close while still holding the lock so no Enqueue can slip a send
	// between the accepting check and the close.
	close(q)
	w.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}
}

// Enqueue schedules one store write. When the queue is full or the worker is
// stopped the write is dropped with a warning; the store is reconciled from
// memory on the next mutation of the same record.
func (w *writeBehind) Enqueue(desc string, fn func(ctx context.Context, s storage.Store) error) {
	if w.store == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.accepting || w.queue == nil {
		w.log.Warn("settings write skipped (writer stopped)", logx.String("op", desc))
		return
	}

	// Sending under the lock keeps the send ordered against Stop's close.
	// The channel is buffered and the send never blocks.
	select {
	case w.queue <- writeTask{desc: desc, fn: fn}:
	default:
		w.log.Warn("settings write dropped (queue full)", logx.String("op", desc))
	}
}

func (w *writeBehind) run(runCtx context.Context, t writeTask) {
	for attempt := 1; attempt <= 2; attempt++ {
		ctx, cancel := context.WithTimeout(runCtx, 5*time.Second)
		err := t.fn(ctx, w.store)
		cancel()
		if err == nil {
			return
		}
		if attempt == 1 && runCtx.Err() == nil {
			w.log.Debug("settings write failed; retrying", logx.String("op", t.desc), logx.Err(err))
			select {
			case <-time.After(250 * time.Millisecond):
			case <-runCtx.Done():
			}
			continue
		}
		w.log.Warn("settings write failed", logx.String("op", t.desc), logx.Err(err))
	}
}
