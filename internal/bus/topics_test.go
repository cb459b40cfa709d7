package bus

import (
	"testing"

	"github.com/basket/go-tman/internal/tman"
)

var _ tman.Observer = (*Observer)(nil)

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev := <-sub.Ch():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestObserver_PublishesSchedulingEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	o := NewObserver(b, false)
	o.TickAdvanced(1)
	o.TaskReleased("a", 0)
	o.TaskActivated("a", 1, 1)
	o.DeadlineMissed("a", 7, 1)
	o.DeadlineOverrun("a", 6)

	events := drain(sub)
	wantTopics := []string{TopicTaskReleased, TopicTaskActivated, TopicDeadlineMissed, TopicDeadlineOverrun}
	if len(events) != len(wantTopics) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantTopics), events)
	}
	for i, topic := range wantTopics {
		if events[i].Topic != topic {
			t.Fatalf("event %d topic = %q, want %q", i, events[i].Topic, topic)
		}
	}
	miss := events[2].Payload.(DeadlineEvent)
	if miss.Task != "a" || miss.Tick != 7 || miss.Misses != 1 {
		t.Fatalf("miss payload = %+v", miss)
	}
}

func TestObserver_TicksOptIn(t *testing.T) {
	b := New()
	sub := b.Subscribe("tick.")
	defer b.Unsubscribe(sub)

	NewObserver(b, true).TickAdvanced(9)

	events := drain(sub)
	if len(events) != 1 || events[0].Payload.(TickEvent).Tick != 9 {
		t.Fatalf("events = %+v, want one tick 9", events)
	}
}
