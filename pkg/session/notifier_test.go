package session

import (
	"testing"
)

func TestNotifierFanOut(t *testing.T) {
	n := NewNotifier(2)
	a := n.Subscribe()
	b := n.Subscribe()

	n.Publish(Event{Kind: EventState, State: "active"})

	for _, ch := range []chan Event{a, b} {
		ev := <-ch
		if ev.State != "active" {
			t.Errorf("State = %q, want %q", ev.State, "active")
		}
		if ev.Time.IsZero() {
			t.Error("Time not stamped")
		}
	}

	n.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Error("unsubscribed channel still open")
	}
	n.Unsubscribe(a)

	n.Publish(Event{Kind: EventOutcome})
	if ev := <-b; ev.Kind != EventOutcome {
		t.Errorf("Kind = %q, want %q", ev.Kind, EventOutcome)
	}
	n.Unsubscribe(b)
}

func TestNotifierDropsForLaggingSubscriber(t *testing.T) {
	n := NewNotifier(1)
	ch := n.Subscribe()
	defer n.Unsubscribe(ch)

	n.Publish(Event{Subject: "first"})
	n.Publish(Event{Subject: "second"})

	if ev := <-ch; ev.Subject != "first" {
		t.Errorf("Subject = %q, want %q", ev.Subject, "first")
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected event %+v", ev)
	default:
	}
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	n.Publish(Event{Kind: EventFatal})
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Idle, "idle"},
		{Opening, "opening"},
		{Active, "active"},
		{Closing, "closing"},
		{Closed, "closed"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
