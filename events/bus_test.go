package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, sub *Subscription[int], n int) []int {
	t.Helper()
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		select {
		case v, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	return out
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus[int](8)
	defer bus.Close()

	a := bus.Subscribe()
	b := bus.Subscribe()
	require.Equal(t, 2, bus.SubscriberCount())

	for i := 0; i < 5; i++ {
		bus.Publish(i)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, collect(t, a, 5))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, collect(t, b, 5))
	assert.Zero(t, a.Lagged())
	assert.Zero(t, b.Lagged())
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	bus := NewBus[int](4)
	defer bus.Close()

	sub := bus.Subscribe()

	// Publish more than the buffer without draining.
	for i := 0; i < 10; i++ {
		bus.Publish(i)
	}

	got := collect(t, sub, 4)
	// The newest four events survive; the oldest six were dropped.
	assert.Equal(t, []int{6, 7, 8, 9}, got)
	assert.Equal(t, uint64(6), sub.Lagged())
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus[int](1)
	defer bus.Close()

	_ = bus.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestBusCancel(t *testing.T) {
	bus := NewBus[int](4)
	defer bus.Close()

	sub := bus.Subscribe()
	sub.Cancel()
	sub.Cancel() // idempotent

	assert.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-sub.C
	assert.False(t, ok, "channel should be closed after Cancel")

	// Publishing after cancel must not panic.
	bus.Publish(1)
}

func TestBusClose(t *testing.T) {
	bus := NewBus[int](4)
	sub := bus.Subscribe()

	bus.Close()
	bus.Close() // idempotent

	_, ok := <-sub.C
	assert.False(t, ok)

	// Subscribe after close yields an already-closed subscription.
	late := bus.Subscribe()
	_, ok = <-late.C
	assert.False(t, ok)

	bus.Publish(1) // no-op, no panic
}
