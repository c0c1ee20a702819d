package jobs

import (
	"log/slog"
	"sync"

	"github.com/ghoststream/ghoststream/internal/engine"
	"github.com/ghoststream/ghoststream/internal/observability"
)

// Message is one broadcast frame. Progress frames carry a sample; status
// frames carry the new state.
type Message struct {
	Kind     string           `json:"kind"` // "progress" or "status"
	JobID    string           `json:"job_id"`
	Progress *engine.Progress `json:"progress,omitempty"`
	State    State            `json:"state,omitempty"`
}

const (
	progressBuffer = 64
	statusBuffer   = 16
)

// Subscription is one registered listener. Progress frames ride a
// droppable queue (oldest first under back-pressure); status frames have
// their own queue, so a progress flood can never evict a transition.
type Subscription struct {
	id       uint64
	jobID    string // empty = all jobs
	progress chan Message
	status   chan Message
}

// ProgressC returns the droppable progress frame channel.
func (s *Subscription) ProgressC() <-chan Message { return s.progress }

// StatusC returns the status transition channel.
func (s *Subscription) StatusC() <-chan Message { return s.status }

// Broadcaster fans progress samples and status transitions out to
// subscribers. A slow or broken subscriber never blocks the job manager
// or the other subscribers.
type Broadcaster struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger: observability.WithComponent(logger, "broadcaster"),
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscribe registers a listener. jobID filters to one job; empty
// receives everything.
func (b *Broadcaster) Subscribe(jobID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		jobID:    jobID,
		progress: make(chan Message, progressBuffer),
		status:   make(chan Message, statusBuffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a listener and closes its channels.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.progress)
		close(sub.status)
	}
}

// SubscriberCount returns the number of registered listeners.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Progress publishes a sample. Under back-pressure the oldest queued
// frame for that subscriber is dropped.
func (b *Broadcaster) Progress(jobID string, p engine.Progress) {
	b.publish(Message{Kind: "progress", JobID: jobID, Progress: &p}, true)
}

// Status publishes a state transition. Transitions ride their own queue,
// out of reach of progress back-pressure.
func (b *Broadcaster) Status(jobID string, state State) {
	b.publish(Message{Kind: "status", JobID: jobID, State: state}, false)
}

func (b *Broadcaster) publish(msg Message, droppable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.jobID != "" && sub.jobID != msg.JobID {
			continue
		}
		b.deliver(sub, msg, droppable)
	}
}

// deliver enqueues without ever blocking. Holding the lock here is fine:
// every send is non-blocking.
func (b *Broadcaster) deliver(sub *Subscription, msg Message, droppable bool) {
	if droppable {
		select {
		case sub.progress <- msg:
			return
		default:
		}
		// Queue full. Drop the oldest sample to keep the stream fresh.
		select {
		case <-sub.progress:
		default:
		}
		select {
		case sub.progress <- msg:
		default:
			b.logger.Debug("dropped progress frame", slog.String("job_id", msg.JobID))
		}
		return
	}

	for {
		select {
		case sub.status <- msg:
			return
		default:
		}
		// A subscriber this far behind on transitions loses the oldest.
		select {
		case <-sub.status:
		default:
		}
	}
}
