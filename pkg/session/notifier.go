package session

import (
	"sync"
	"time"
)

// EventKind tags a session event.
type EventKind string

const (
	EventState   EventKind = "state"
	EventOutcome EventKind = "outcome"
	EventRadio   EventKind = "radio"
	EventFatal   EventKind = "fatal"
)

// Event is published to every Notifier subscriber.
type Event struct {
	Kind      EventKind `json:"kind"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	Accepted  bool      `json:"accepted,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Radio     string    `json:"radio,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Notifier fans session events out to subscribers. A subscriber that falls
// behind misses events rather than blocking the session. A nil *Notifier
// discards everything.
type Notifier struct {
	subscribers map[chan Event]struct{}
	mu          sync.RWMutex
	buffer      int
}

// NewNotifier creates a Notifier whose subscriber channels hold buffer events.
func NewNotifier(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 64
	}
	return &Notifier{
		subscribers: make(map[chan Event]struct{}),
		buffer:      buffer,
	}
}

// Subscribe adds a new subscriber.
func (n *Notifier) Subscribe() chan Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan Event, n.buffer)
	n.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(ch chan Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subscribers[ch]; !ok {
		return
	}
	delete(n.subscribers, ch)
	close(ch)
}

// Publish sends ev to every subscriber.
func (n *Notifier) Publish(ev Event) {
	if n == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for ch := range n.subscribers {
		select {
		case ch <- ev:
		default:
			// subscriber is lagging, drop
		}
	}
}
