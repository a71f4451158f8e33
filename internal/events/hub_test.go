package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_SubscribeReceivesLatestThenUpdates(t *testing.T) {
	hub := NewHub("idle", 8)
	hub.Publish("advertising")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := hub.Subscribe(ctx)
	hub.Publish("connected")

	assert.Equal(t, "advertising", <-ch)
	assert.Equal(t, "connected", <-ch)
	assert.Equal(t, "connected", hub.Latest())
}

func TestHub_UnsubscribeOnCancel(t *testing.T) {
	hub := NewHub(0, 1)

	ctx, cancel := context.WithCancel(context.Background())
	ch := hub.Subscribe(ctx)
	<-ch

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("subscriber channel was not closed")
	}

	assert.Equal(t, 0, hub.Subscribers())
}

func TestHub_SlowSubscriberDropsOldest(t *testing.T) {
	hub := NewHub(0, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := hub.Subscribe(ctx)
	for i := 1; i <= 5; i++ {
		hub.Publish(i)
	}

	assert.Equal(t, 4, <-ch)
	assert.Equal(t, 5, <-ch)
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(0, 4)

	ch := hub.Subscribe(context.Background())
	<-ch

	hub.Close()
	hub.Publish(7)

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 7, hub.Latest())

	late := hub.Subscribe(context.Background())
	_, ok = <-late
	assert.False(t, ok)
}

func TestHub_ConcurrentPublish(t *testing.T) {
	hub := NewHub(0, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := hub.Subscribe(ctx)
	<-ch

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			for j := range 10 {
				hub.Publish(n*10 + j)
			}
		}(i)
	}

	wg.Wait()
	require.Len(t, ch, 100)
}

func TestHub_ListenSkipsLatest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub("initial", 4)
	ch := hub.Listen(ctx)

	select {
	case v := <-ch:
		t.Fatalf("unexpected replay %q", v)
	default:
	}

	hub.Publish("next")

	assert.Equal(t, "next", <-ch)
}
