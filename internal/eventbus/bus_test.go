package eventbus

import (
	"testing"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TickDone, Tenant: "ACME"})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != TickDone || e.Tenant != "ACME" || e.Time.IsZero() {
			t.Fatalf("event=%+v", e)
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatalf("expected closed channel")
	}
	b.Publish(Event{Type: ItemAnnounced})
	if e := <-c; e.Type != ItemAnnounced {
		t.Fatalf("event=%+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if e := <-ch; e.Type != "a" {
		t.Fatalf("event=%+v", e)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected %+v", e)
	default:
	}
}
