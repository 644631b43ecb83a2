// Package notify fans typed change events out to subscribers.
//
// Publishers never block: every subscription owns a bounded channel and an
// event that does not fit is dropped and counted. Workers publish from their
// transfer loop, so a slow consumer can delay its own view of the world but
// never a download.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies what changed.
type Kind string

const (
	KindProgress  Kind = "progress"
	KindStatus    Kind = "status"
	KindCompleted Kind = "completed"
)

// Event is a single change notification about one task.
type Event struct {
	Kind    Kind      `json:"kind"`
	TaskID  string    `json:"task_id"`
	Status  string    `json:"status,omitempty"`
	Success bool      `json:"success,omitempty"`
	At      time.Time `json:"at"`
}

const defaultBuffer = 256

// Bus is a set of subscriptions sharing one event stream.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscription with room for buffer pending events.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &Subscription{bus: b, ch: make(chan Event, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers e to every subscription that has room for it.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Progress publishes a progress event.
func (b *Bus) Progress(taskID string) {
	b.Publish(Event{Kind: KindProgress, TaskID: taskID})
}

// StatusChanged publishes a status event.
func (b *Bus) StatusChanged(taskID, status string) {
	b.Publish(Event{Kind: KindStatus, TaskID: taskID, Status: status})
}

// Completed publishes a completion event; success is false for failures.
func (b *Bus) Completed(taskID string, success bool) {
	b.Publish(Event{Kind: KindCompleted, TaskID: taskID, Success: success})
}

// Close ends every subscription. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Subscription is one consumer's bounded view of the bus.
type Subscription struct {
	bus     *Bus
	ch      chan Event
	dropped atomic.Int64
}

// Events returns the channel events arrive on. It is closed by Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many events did not fit in the buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() { s.bus.remove(s) }

// Sink receives events as callbacks instead of channel values.
type Sink interface {
	OnProgress(taskID string)
	OnStatusChanged(taskID string)
	OnCompleted(taskID string, success bool)
}

// Forward pumps sub into sink until ctx is done or the subscription closes.
func Forward(ctx context.Context, sub *Subscription, sink Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			switch e.Kind {
			case KindProgress:
				sink.OnProgress(e.TaskID)
			case KindStatus:
				sink.OnStatusChanged(e.TaskID)
			case KindCompleted:
				sink.OnCompleted(e.TaskID, e.Success)
			}
		}
	}
}
