package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeOutcome, Data: "x"})

	for i, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != TypeOutcome {
			t.Fatalf("sub %d: type = %q, want %q", i, e.Type, TypeOutcome)
		}
		if e.Time.IsZero() {
			t.Fatalf("sub %d: time not stamped", i)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	unsub()

	var got []string
	for e := range ch {
		got = append(got, e.Type)
	}
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("received %v, want [a]", got)
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "c"})
}
