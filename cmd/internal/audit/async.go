package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// emitTimeout bounds a single sink write.
const emitTimeout = 5 * time.Second

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("audit: recorder closed")

// Async queues events and writes them to a Sink from a single goroutine.
type Async struct {
	sink Sink
	log  *slog.Logger
	now  func() time.Time

	queue chan Event
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
	onDrop  func()
}

// AsyncOption configures an Async recorder.
type AsyncOption func(*Async)

// WithDropHook registers fn to run whenever an event is dropped.
func WithDropHook(fn func()) AsyncOption {
	return func(a *Async) { a.onDrop = fn }
}

// WithClock overrides the clock used to stamp events.
func WithClock(now func() time.Time) AsyncOption {
	return func(a *Async) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAsync starts an Async recorder with the given queue size.
func NewAsync(sink Sink, log *slog.Logger, buffer int, opts ...AsyncOption) *Async {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	a := &Async{
		sink:  sink,
		log:   log,
		now:   time.Now,
		queue: make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	go a.loop()
	return a
}

// Record enqueues ev. It never blocks; a full or closed queue drops the event.
func (a *Async) Record(ev Event) {
	if a == nil {
		return
	}
	ev = ev.normalize(a.now())

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop(ev, "closed")
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.drop(ev, "queue_full")
	}
}

// Dropped returns how many events were discarded.
func (a *Async) Dropped() uint64 {
	if a == nil {
		return 0
	}
	return a.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be written, or
// for ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) loop() {
	defer close(a.done)
	for ev := range a.queue {
		a.emit(ev)
	}
}

func (a *Async) emit(ev Event) {
	if a.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	if err := a.sink.Emit(ctx, ev); err != nil {
		a.log.Error("audit.emit.fail", "err", err, "category", ev.Category, "id", ev.ID)
	}
}

func (a *Async) drop(ev Event, reason string) {
	a.dropped.Add(1)
	if a.onDrop != nil {
		a.onDrop()
	}
	a.log.Warn("audit.event.dropped", "reason", reason, "category", ev.Category, "id", ev.ID)
}
