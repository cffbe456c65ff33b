// Package audit appends security events to an append-only trail without
// putting the write on the caller's critical path. Events flow through a
// buffered dispatcher to a pluggable sink; a full buffer drops events and
// counts the drops rather than blocking authentication.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patternforge/authcore/ids"
	"github.com/patternforge/authcore/store"
)

// Sink receives dispatched events.
type Sink interface {
	Emit(ctx context.Context, event *store.AuditEvent)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(context.Context, *store.AuditEvent) {}

// StoreSink appends events to the credential store's audit table. Append
// failures are logged and swallowed: availability of the primary operation
// wins over completeness of the trail.
type StoreSink struct {
	Audit  store.AuditStore
	Logger *slog.Logger
}

func (s *StoreSink) Emit(ctx context.Context, event *store.AuditEvent) {
	if err := s.Audit.Append(ctx, event); err != nil && s.Logger != nil {
		s.Logger.Error("audit append failed", "action", event.Action, "error", err)
	}
}

// Config controls dispatcher buffering.
type Config struct {
	BufferSize int
}

// Dispatcher forwards events to its sink on a dedicated goroutine. A nil
// *Dispatcher is valid and drops everything, so wiring audit is optional.
type Dispatcher struct {
	sink      Sink
	ch        chan *store.AuditEvent
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	now       func() time.Time
}

// NewDispatcher starts the dispatch goroutine.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if sink == nil {
		sink = NopSink{}
	}
	d := &Dispatcher{
		sink: sink,
		ch:   make(chan *store.AuditEvent, cfg.BufferSize),
		done: make(chan struct{}),
		now:  time.Now,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case event := <-d.ch:
			// Detached context: a caller aborting its request must not
			// cancel an in-flight audit write.
			d.sink.Emit(context.Background(), event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.sink.Emit(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// Record queues an event, filling in id and timestamp when absent. Never
// blocks; events are dropped when the buffer is full.
func (d *Dispatcher) Record(event *store.AuditEvent) {
	if d == nil || d.closed.Load() || event == nil {
		return
	}
	if event.ID == "" {
		event.ID = ids.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.now().UTC()
	}
	select {
	case d.ch <- event:
	case <-d.done:
	default:
		d.dropped.Add(1)
	}
}

// Close drains the buffer and stops the dispatch goroutine.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped reports how many events were discarded due to a full buffer.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
