// Package pubsub fans job-scoped progress events out to subscribers as
// text/event-stream frames. Delivery is fire-and-forget: there is no history
// and a slow consumer loses events rather than stalling step execution.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"plateworks/internal/domain"
)

// Event types delivered over the stream.
const (
	EventLog         = "log"
	EventJobUpdated  = "job.updated"
	EventStepUpdated = "step.updated"
)

const subscriberBuffer = 64

// Bus is an in-process event bus keyed by job id.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[chan string]struct{}
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subs: map[string]map[chan string]struct{}{}}
}

// Subscribe registers a new subscriber for the job and returns its event
// channel. The channel is closed and deregistered when ctx is done; the
// job's subscriber set is dropped entirely once empty. A new subscription
// starts with zero buffered history.
func (b *Bus) Subscribe(ctx context.Context, jobID string) <-chan string {
	ch := make(chan string, subscriberBuffer)

	b.mu.Lock()
	set, ok := b.subs[jobID]
	if !ok {
		set = map[chan string]struct{}{}
		b.subs[jobID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if set, ok := b.subs[jobID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, jobID)
			}
		}
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Emit delivers one event to every subscriber of the job. Full subscriber
// buffers drop the event; emission never blocks. No-op when nobody listens.
func (b *Bus) Emit(jobID, eventType string, data any) {
	blob, err := json.Marshal(data)
	if err != nil {
		return
	}
	frame := fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, blob)

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[jobID] {
		select {
		case ch <- frame:
		default:
		}
	}
}

// EmitLog publishes a log message with a severity level.
func (b *Bus) EmitLog(jobID, level, message string) {
	b.Emit(jobID, EventLog, map[string]string{"level": level, "message": message})
}

// EmitJobUpdated publishes a full job snapshot.
func (b *Bus) EmitJobUpdated(job *domain.Job) {
	b.Emit(job.ID, EventJobUpdated, job)
}

// EmitStepUpdated publishes a full step snapshot.
func (b *Bus) EmitStepUpdated(jobID string, step *domain.Step) {
	b.Emit(jobID, EventStepUpdated, step)
}

// SubscriberCount reports how many subscribers a job currently has.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}
