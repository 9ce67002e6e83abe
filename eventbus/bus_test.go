package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := New(8)
	var mu sync.Mutex
	var a, b []NodeEvent

	bus.Subscribe(func(ev NodeEvent) {
		mu.Lock()
		a = append(a, ev)
		mu.Unlock()
	})
	bus.Subscribe(func(ev NodeEvent) {
		mu.Lock()
		b = append(b, ev)
		mu.Unlock()
	})

	bus.Publish(NodeEvent{Kind: AgentRegistered})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(a) == 1 && len(b) == 1
	}, time.Second, time.Millisecond)
}

func TestPublishIsFIFOPerSubscriber(t *testing.T) {
	bus := New(16)
	var mu sync.Mutex
	var order []int

	bus.Subscribe(func(ev NodeEvent) {
		mu.Lock()
		order = append(order, int(ev.At))
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		bus.Publish(NodeEvent{Kind: AgentMessage, At: int64(i)})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 10
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(8)
	var mu sync.Mutex
	count := 0

	unsubscribe := bus.Subscribe(func(ev NodeEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	bus.Publish(NodeEvent{Kind: AgentRegistered})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, time.Millisecond)

	unsubscribe()
	bus.Publish(NodeEvent{Kind: AgentRegistered})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}
