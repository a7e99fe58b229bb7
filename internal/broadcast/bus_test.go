package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(nil, 4)
	b := bus.Subscribe(nil, 4)

	bus.Broadcast(Notification("c1", LevelError, "Invalid credentials"))

	for _, s := range []*Subscription{a, b} {
		ev := receive(t, s)
		assert.Equal(t, EventNotification, ev.Type)
		assert.Equal(t, "c1", ev.ClusterID)
		assert.Equal(t, LevelError, ev.Level)
		assert.Equal(t, "Invalid credentials", ev.Message)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestBus_Filter(t *testing.T) {
	bus := NewBus()
	s := bus.Subscribe(ForCluster("c2"), 4)

	bus.Broadcast(ConnectionUpdate("c1", "Healthy", "v1.30.0"))
	bus.Broadcast(ConnectionUpdate("c2", "Backoff1", ""))

	ev := receive(t, s)
	assert.Equal(t, "c2", ev.ClusterID)
	assert.Equal(t, "Backoff1", ev.State)
	assert.Len(t, s.C, 0)
}

func TestBus_FullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	s := bus.Subscribe(nil, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Broadcast(Notification("c1", LevelInfo, "tick"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}

	published, dropped := bus.Stats()
	assert.Equal(t, int64(5), published)
	assert.Equal(t, int64(4), dropped)
	assert.Len(t, s.C, 1)
}

func TestBus_CloseSubscription(t *testing.T) {
	bus := NewBus()
	s := bus.Subscribe(nil, 1)
	s.Close()
	s.Close()

	_, ok := <-s.C
	assert.False(t, ok)

	// Publishing after close is a no-op for that subscriber.
	bus.Broadcast(Notification("c1", LevelInfo, "x"))
	_, dropped := bus.Stats()
	assert.Zero(t, dropped)
}

func TestBus_ConcurrentPublishAndClose(t *testing.T) {
	bus := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		s := bus.Subscribe(nil, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Broadcast(Notification("c1", LevelInfo, "x"))
			}
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	bus.Close()
}
