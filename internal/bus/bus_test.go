package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskReleased, TaskEvent{Task: "a", Tick: 3})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicTaskReleased {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskReleased)
		}
		got, ok := event.Payload.(TaskEvent)
		if !ok || got.Task != "a" || got.Tick != 3 {
			t.Fatalf("payload = %#v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskActivated, TaskEvent{Task: "a"})
	b.Publish(TopicDeadlineMissed, DeadlineEvent{Task: "a"})

	select {
	case event := <-taskSub.Ch():
		if event.Topic != TopicTaskActivated {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskActivated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}
	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on taskSub: %v", event)
	default:
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
}

func TestBus_NonBlockingCountsDrops(t *testing.T) {
	b := NewWithBuffer(4)
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		b.Publish(TopicTickAdvanced, TickEvent{Tick: uint64(i)})
	}

	if got := len(sub.Ch()); got != 4 {
		t.Fatalf("buffered = %d, want 4", got)
	}
	if got := sub.Dropped(); got != 6 {
		t.Fatalf("dropped = %d, want 6", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	// Publishing after unsubscribe must not panic on the closed channel.
	b.Publish(TopicTaskReleased, TaskEvent{})
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicTickAdvanced, TickEvent{Tick: uint64(id*100 + i)})
			}
		}(g)
	}
	wg.Wait()

	if got := len(sub.Ch()); got != goroutines*perGoroutine {
		t.Fatalf("received %d events, want %d", got, goroutines*perGoroutine)
	}
}
