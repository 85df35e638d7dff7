package eventbus

import "testing"

func TestSubscribeFiltersTopics(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	polls, unsubPolls := b.Subscribe(4, TopicPollCompleted, TopicPollFailed)
	defer unsubPolls()

	b.Publish(Event{Type: TopicNotificationsChanged})
	b.Publish(Event{Type: TopicPollFailed, Data: "boom"})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(polls); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	e := <-polls
	if e.Type != TopicPollFailed || e.Data != "boom" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped, must not block
	if got := len(ch); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}
	unsub()
	unsub() // idempotent
	b.Publish(Event{Type: "c"})
}
