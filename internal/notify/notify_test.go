package notify

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)
	bus.StatusChanged("t1", "downloading")

	for _, sub := range []*Subscription{a, b} {
		select {
		case e := <-sub.Events():
			if e.Kind != KindStatus || e.TaskID != "t1" || e.Status != "downloading" || e.At.IsZero() {
				t.Fatalf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(2)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Progress("t1")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	if sub.Dropped() != 8 {
		t.Fatalf("expected 8 dropped, got %d", sub.Dropped())
	}
}

func TestCloseSubscription(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	sub.Close()
	sub.Close()
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("expected closed channel")
	}
	bus.Progress("t1") // must not panic on a closed subscription
}

func TestBusCloseEndsSubscriptions(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	bus.Close()
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("expected closed channel after bus close")
	}
	late := bus.Subscribe(1)
	if _, ok := <-late.Events(); ok {
		t.Fatalf("subscription after close must be closed")
	}
	sub.Close()
}

type recordingSink struct {
	mu        sync.Mutex
	progress  []string
	status    []string
	completed map[string]bool
}

func (r *recordingSink) OnProgress(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, id)
}

func (r *recordingSink) OnStatusChanged(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = append(r.status, id)
}

func (r *recordingSink) OnCompleted(id string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed[id] = success
}

func TestForwardDispatchesToSink(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(8)
	sink := &recordingSink{completed: make(map[string]bool)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	finished := make(chan struct{})
	go func() {
		Forward(ctx, sub, sink)
		close(finished)
	}()

	bus.Progress("a")
	bus.StatusChanged("a", "completed")
	bus.Completed("a", true)
	bus.Completed("b", false)
	sub.Close()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("forward did not stop after subscription closed")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.progress) != 1 || len(sink.status) != 1 {
		t.Fatalf("unexpected callbacks: %+v", sink)
	}
	if ok, seen := sink.completed["a"]; !seen || !ok {
		t.Fatalf("expected successful completion of a")
	}
	if ok, seen := sink.completed["b"]; !seen || ok {
		t.Fatalf("expected failed completion of b")
	}
}
