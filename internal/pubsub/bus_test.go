package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plateworks/internal/domain"
)

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case frame := <-ch:
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func TestEmitFansOutToJobSubscribers(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := bus.Subscribe(ctx, "job-1")
	b := bus.Subscribe(ctx, "job-1")
	other := bus.Subscribe(ctx, "job-2")

	bus.EmitLog("job-1", "info", "hello")

	for _, ch := range []<-chan string{a, b} {
		frame := recv(t, ch)
		assert.Contains(t, frame, "event: log\n")
		assert.Contains(t, frame, `"message":"hello"`)
	}
	select {
	case frame := <-other:
		t.Fatalf("unexpected frame on other job: %q", frame)
	default:
	}
}

func TestSubscribeStartsWithoutHistory(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus.EmitLog("job-1", "info", "before anyone listened")

	ch := bus.Subscribe(ctx, "job-1")
	select {
	case frame := <-ch:
		t.Fatalf("expected empty channel, got %q", frame)
	default:
	}
}

func TestFullSubscriberDropsEvents(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx, "job-1")
	for i := 0; i < subscriberBuffer+10; i++ {
		bus.EmitLog("job-1", "info", "flood")
	}
	// Emission never blocks; the channel holds at most its buffer.
	assert.Len(t, ch, subscriberBuffer)
}

func TestContextCancelDeregisters(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch := bus.Subscribe(ctx, "job-1")
	require.Equal(t, 1, bus.SubscriberCount("job-1"))

	cancel()
	assert.Eventually(t, func() bool {
		return bus.SubscriberCount("job-1") == 0
	}, time.Second, 5*time.Millisecond)

	_, open := <-ch
	assert.False(t, open)
}

func TestEmitStepUpdatedFormatsFrame(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx, "job-1")
	bus.EmitStepUpdated("job-1", &domain.Step{ID: "s1", Status: domain.StepStatusRunning})

	frame := recv(t, ch)
	assert.Contains(t, frame, "event: step.updated\n")
	assert.Contains(t, frame, `"id":"s1"`)
	assert.Contains(t, frame, `"status":"RUNNING"`)
}
