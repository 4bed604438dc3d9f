package delaywake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueueDeliversWakeWhenDue(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Push("broker-0", time.Now().Add(20*time.Millisecond))

	select {
	case id := <-q.C:
		assert.Equal(t, "broker-0", id)
	case <-time.After(time.Second):
		t.Fatal("wake not delivered in time")
	}
}

func TestQueueRepushReplacesWakeTime(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	start := time.Now()
	q.Push("broker-0", start.Add(time.Hour))
	q.Push("broker-0", start.Add(10*time.Millisecond))

	select {
	case id := <-q.C:
		assert.Equal(t, "broker-0", id)
		assert.WithinDuration(t, start, time.Now(), 500*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("rescheduled wake not delivered promptly")
	}
}

func TestQueueOrdersMultipleWakesByTime(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	now := time.Now()
	q.Push("later", now.Add(60*time.Millisecond))
	q.Push("sooner", now.Add(10*time.Millisecond))

	first := <-q.C
	second := <-q.C
	assert.Equal(t, "sooner", first)
	assert.Equal(t, "later", second)
}

func TestQueueStopsOnContextCancel(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
