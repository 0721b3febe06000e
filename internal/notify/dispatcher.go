package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"autotrader/internal/logger"
)

// Dispatcher is the core's event sink. Publish enqueues without blocking and
// drops when the buffer is full; Run fans events out to the attached sinks
// and keeps a ring of recent events for the dashboard.
type Dispatcher struct {
	ch      chan Event
	dropped atomic.Int64

	mu     sync.RWMutex
	sinks  []Sink
	recent []Event
	next   int
	filled bool
}

func NewDispatcher(buffer, recent int) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if recent <= 0 {
		recent = 200
	}
	return &Dispatcher{ch: make(chan Event, buffer), recent: make([]Event, recent)}
}

// Attach adds a downstream sink. Safe to call while running.
func (d *Dispatcher) Attach(s Sink) {
	if s == nil {
		return
	}
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

func (d *Dispatcher) Publish(e Event) {
	select {
	case d.ch <- e:
	default:
		if n := d.dropped.Add(1); n == 1 || n%100 == 0 {
			logger.Warnf("[notify] event buffer full, dropped=%d kind=%s", n, e.Kind)
		}
	}
}

// Dropped reports how many events were discarded on a full buffer.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Run delivers events until ctx is done, then drains what is buffered.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case e := <-d.ch:
			d.deliver(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-d.ch:
					d.deliver(e)
				default:
					return nil
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(e Event) {
	d.mu.Lock()
	d.recent[d.next] = e
	d.next = (d.next + 1) % len(d.recent)
	if d.next == 0 {
		d.filled = true
	}
	sinks := append([]Sink(nil), d.sinks...)
	d.mu.Unlock()

	for _, s := range sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("[notify] sink panic: %v", r)
				}
			}()
			s.Publish(e)
		}()
	}
}

// Recent returns up to limit delivered events, newest first.
func (d *Dispatcher) Recent(limit int) []Event {
	d.mu.RLock()
	defer d.mu.RUnlock()
	size := d.next
	if d.filled {
		size = len(d.recent)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (d.next - i + len(d.recent)) % len(d.recent)
		out = append(out, d.recent[idx])
	}
	return out
}
