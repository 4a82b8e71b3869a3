package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestSubscribersReceiveInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := New[int](false)
	ch := f.Subscribe(ctx)

	for i := 1; i <= 100; i++ {
		f.Publish(i)
	}
	for i := 1; i <= 100; i++ {
		assert.Equal(t, i, receive(t, ch))
	}
}

func TestReplayStartsWithLatest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := NewWithInitial("disconnected")
	f.Publish("connecting")

	ch := f.Subscribe(ctx)
	assert.Equal(t, "connecting", receive(t, ch))

	f.Publish("connected")
	assert.Equal(t, "connected", receive(t, ch))

	latest, ok := f.Latest()
	assert.True(t, ok)
	assert.Equal(t, "connected", latest)
}

func TestWithoutReplayNewSubscriberSeesOnlyLaterValues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := New[int](false)
	f.Publish(1)
	ch := f.Subscribe(ctx)
	f.Publish(2)
	assert.Equal(t, 2, receive(t, ch))
}

func TestCancelRemovesSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := New[int](false)
	ch := f.Subscribe(ctx)
	require.Equal(t, 1, f.Len())

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return f.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCloseDrainsQueuedValues(t *testing.T) {
	f := New[int](false)
	ch := f.Subscribe(context.Background())
	f.Publish(7)
	f.Close()

	assert.Equal(t, 7, receive(t, ch))
	_, ok := <-ch
	assert.False(t, ok)

	late := f.Subscribe(context.Background())
	_, ok = <-late
	assert.False(t, ok)
}
