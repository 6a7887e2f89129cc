package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewBus(8, 4)
	sub, cancel := bus.Subscribe("s1")
	defer cancel()

	bus.Publish("s1", KindPhaseChange, map[string]any{"phase": "reviewing"})

	event := <-sub.C
	assert.Equal(t, KindPhaseChange, event.Kind)
	assert.Equal(t, "s1", event.SessionID)
	assert.Equal(t, "reviewing", event.Payload()["phase"])
	assert.Equal(t, "s1", event.Payload()["session_id"])
}

func TestEventsAreSessionScoped(t *testing.T) {
	bus := NewBus(8, 4)
	sub, cancel := bus.Subscribe("s1")
	defer cancel()

	bus.Publish("s2", KindPhaseChange, nil)
	select {
	case event := <-sub.C:
		t.Fatalf("unexpected event for other session: %+v", event)
	default:
	}
}

func TestOrderingPerSession(t *testing.T) {
	bus := NewBus(64, 4)
	sub, cancel := bus.Subscribe("s1")
	defer cancel()

	for i := 0; i < 10; i++ {
		bus.Publish("s1", KindOpinionSubmitted, map[string]any{"seq": i})
	}
	for i := 0; i < 10; i++ {
		event := <-sub.C
		assert.Equal(t, i, event.Data["seq"])
	}
}

func TestActivityDropsOldestUnderPressure(t *testing.T) {
	bus := NewBus(2, 4)
	sub, cancel := bus.Subscribe("s1")
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish("s1", KindAgentActivity, map[string]any{"seq": i})
	}
	// The queue holds two events and the newest must be among them.
	var seen []int
	for len(sub.C) > 0 {
		event := <-sub.C
		seen = append(seen, event.Data["seq"].(int))
	}
	require.NotEmpty(t, seen)
	assert.Equal(t, 4, seen[len(seen)-1], "newest activity survives")
}

func TestLifecycleEventsNeverDropNewest(t *testing.T) {
	bus := NewBus(2, 4)
	sub, cancel := bus.Subscribe("s1")
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish("s1", KindPhaseChange, map[string]any{"seq": i})
	}
	var last int
	for len(sub.C) > 0 {
		event := <-sub.C
		last = event.Data["seq"].(int)
	}
	assert.Equal(t, 4, last)
}

func TestSubscriberCapEvictsOldest(t *testing.T) {
	bus := NewBus(8, 2)
	first, cancelFirst := bus.Subscribe("s1")
	defer cancelFirst()
	_, cancelSecond := bus.Subscribe("s1")
	defer cancelSecond()
	_, cancelThird := bus.Subscribe("s1")
	defer cancelThird()

	assert.Equal(t, 2, bus.SubscriberCount("s1"))
	_, open := <-first.C
	assert.False(t, open, "oldest subscriber channel closed on eviction")
}

func TestDropSessionClosesSubscribers(t *testing.T) {
	bus := NewBus(8, 4)
	sub, _ := bus.Subscribe("s1")
	bus.DropSession("s1")
	_, open := <-sub.C
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount("s1"))
}

func TestUnsubscribeIsIdempotentWithPublish(t *testing.T) {
	bus := NewBus(8, 4)
	for i := 0; i < 20; i++ {
		sub, cancel := bus.Subscribe("s1")
		bus.Publish("s1", KindAgentStatus, map[string]any{"n": fmt.Sprint(i)})
		cancel()
		for range sub.C {
			// drain until close
		}
		cancel()
	}
	assert.Equal(t, 0, bus.SubscriberCount("s1"))
}
