// Package events is the in-process pub/sub bus for session events. It feeds
// the SSE adapter and internal listeners. Delivery is best-effort and ordered
// per session; activity events drop oldest under pressure, every other kind
// coalesces by evicting the oldest queued event instead of the newest.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind is a typed event name. These match the SSE event names on the wire.
type Kind string

const (
	KindPhaseChange        Kind = "phase_change"
	KindReviewSubmitted    Kind = "review_submitted"
	KindOpinionSubmitted   Kind = "opinion_submitted"
	KindIssueCreated       Kind = "issue_created"
	KindIssueStatusChanged Kind = "issue_status_changed"
	KindAgentStatus        Kind = "agent_status"
	KindAgentActivity      Kind = "agent_activity"
	KindAgentConfigChanged Kind = "agent_config_changed"
	KindContextSubmitted   Kind = "context_submitted"
	KindIssueResponse      Kind = "issue_response"
	KindIssueDismissed     Kind = "issue_dismissed"
)

// Event is one published bus message.
type Event struct {
	Kind      Kind           `json:"-"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"-"`
	Timestamp time.Time      `json:"-"`
}

// Payload returns the wire payload including the session ID.
func (e Event) Payload() map[string]any {
	out := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		out[k] = v
	}
	out["session_id"] = e.SessionID
	return out
}

// Subscriber receives one session's events over a bounded channel.
type Subscriber struct {
	C       chan Event
	session string
	addedAt time.Time
}

// Bus fans session events out to subscribers.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]*Subscriber
	queueSize   int
	maxSubs     int
}

// NewBus creates a bus. queueSize bounds each subscriber's queue and maxSubs
// bounds subscribers per session (oldest evicted beyond it).
func NewBus(queueSize, maxSubs int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	if maxSubs <= 0 {
		maxSubs = 16
	}
	return &Bus{
		subscribers: make(map[string][]*Subscriber),
		queueSize:   queueSize,
		maxSubs:     maxSubs,
	}
}

// Subscribe registers a receiver for one session's events. The returned
// cancel function must be called when the receiver goes away.
func (b *Bus) Subscribe(sessionID string) (*Subscriber, func()) {
	sub := &Subscriber{
		C:       make(chan Event, b.queueSize),
		session: sessionID,
		addedAt: time.Now(),
	}

	b.mu.Lock()
	subs := b.subscribers[sessionID]
	if len(subs) >= b.maxSubs {
		oldest := subs[0]
		subs = subs[1:]
		close(oldest.C)
		log.Warn().Str("session_id", sessionID).Msg("subscriber cap reached, evicting oldest")
	}
	b.subscribers[sessionID] = append(subs, sub)
	b.mu.Unlock()

	return sub, func() { b.unsubscribe(sub) }
}

func (b *Bus) unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[sub.session]
	for i, s := range subs {
		if s == sub {
			b.subscribers[sub.session] = append(subs[:i:i], subs[i+1:]...)
			close(sub.C)
			return
		}
	}
}

// Publish delivers an event to all of the session's subscribers.
func (b *Bus) Publish(sessionID string, kind Kind, data map[string]any) {
	event := Event{
		Kind:      kind,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now(),
	}

	// Delivery stays under the bus lock: every send below is non-blocking,
	// and the lock keeps Publish from racing a concurrent close in
	// unsubscribe or DropSession.
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers[sessionID] {
		select {
		case sub.C <- event:
			continue
		default:
		}
		if kind == KindAgentActivity {
			// Queue full: activity is droppable, newest wins.
			select {
			case <-sub.C:
			default:
			}
			select {
			case sub.C <- event:
			default:
			}
			continue
		}
		// Lifecycle-bearing events must not be lost outright; evict the
		// oldest queued event to make room.
		for {
			select {
			case <-sub.C:
			default:
			}
			select {
			case sub.C <- event:
			default:
				continue
			}
			break
		}
	}
}

// SubscriberCount reports the live subscriber count for a session.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[sessionID])
}

// DropSession closes every subscriber of a deleted session.
func (b *Bus) DropSession(sessionID string) {
	b.mu.Lock()
	subs := b.subscribers[sessionID]
	delete(b.subscribers, sessionID)
	b.mu.Unlock()
	for _, sub := range subs {
		close(sub.C)
	}
}
