package bus

import (
	"testing"
)

func collect(sub *Subscription, n int) []Event {
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case e := <-sub.C():
			out = append(out, e)
		default:
			return out
		}
	}
	return out
}

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(SubscribeOptions{})
	defer b.Unsubscribe(sub)

	b.Publish("agent.text", map[string]any{"text": "hi"})

	events := collect(sub, 1)
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	if events[0].Type != "agent.text" || events[0].Data["text"] != "hi" {
		t.Errorf("event = %+v", events[0])
	}
	if events[0].Seq == 0 {
		t.Error("seq not assigned")
	}
}

func TestTypeFilter(t *testing.T) {
	b := New()
	cronOnly := b.Subscribe(SubscribeOptions{Types: []string{"cron.*"}})
	exact := b.Subscribe(SubscribeOptions{Types: []string{"agent.text"}})

	b.Publish("cron.job-started", nil)
	b.Publish("agent.text", nil)
	b.Publish("agent.thinking", nil)

	if got := collect(cronOnly, 10); len(got) != 1 || got[0].Type != "cron.job-started" {
		t.Errorf("prefix subscriber got %+v", got)
	}
	if got := collect(exact, 10); len(got) != 1 || got[0].Type != "agent.text" {
		t.Errorf("exact subscriber got %+v", got)
	}
}

func TestSeqMonotonic(t *testing.T) {
	b := New()
	sub := b.Subscribe(SubscribeOptions{})

	for i := 0; i < 5; i++ {
		b.Publish("x", nil)
	}
	events := collect(sub, 5)
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Errorf("seq not monotonic: %d then %d", events[i-1].Seq, events[i].Seq)
		}
	}
}

func TestDropIfSlowDiscardsOldest(t *testing.T) {
	b := New()
	sub := b.Subscribe(SubscribeOptions{Buffer: 2, DropIfSlow: true})

	b.Publish("e1", nil)
	b.Publish("e2", nil)
	b.Publish("e3", nil) // buffer full: e1 dropped

	events := collect(sub, 10)
	if len(events) != 2 {
		t.Fatalf("received %d events, want 2", len(events))
	}
	if events[0].Type != "e2" || events[1].Type != "e3" {
		t.Errorf("kept events = %s, %s; want e2, e3", events[0].Type, events[1].Type)
	}
	if sub.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", sub.Dropped())
	}
}

func TestSlowSubscriberWithoutDropKeepsOldest(t *testing.T) {
	b := New()
	sub := b.Subscribe(SubscribeOptions{Buffer: 1})

	b.Publish("e1", nil)
	b.Publish("e2", nil) // no room, publisher must not block

	events := collect(sub, 10)
	if len(events) != 1 || events[0].Type != "e1" {
		t.Errorf("events = %+v, want only e1", events)
	}
	if sub.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", sub.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(SubscribeOptions{})
	b.Unsubscribe(sub)

	if _, ok := <-sub.C(); ok {
		t.Error("channel not closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d", b.SubscriberCount())
	}

	// Publishing after unsubscribe must not panic.
	b.Publish("x", nil)
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe(SubscribeOptions{Buffer: 1024})

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				b.Publish("load", nil)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	if got := len(collect(sub, 1024)); got != 400 {
		t.Errorf("received %d events, want 400", got)
	}
}
