// Package eventbus implements the Event Bus: a bounded in-process
// publish/subscribe channel publishers (scheduler, sub-agents, reviewer)
// enqueue events onto, and subscribers (the out-of-scope dashboard server)
// drain. Events are not persisted.
//
// Grounded closely on runtime/agent/hooks.Bus's Register/Subscription
// shape (idempotent Close via sync.Once, snapshot-before-iterate so
// concurrent Register/Close don't affect an in-flight Publish), adapted
// from the teacher's synchronous fail-fast fan-out to a bounded
// per-subscriber channel so a slow subscriber can be dropped past a
// backlog cap instead of blocking the publisher (spec.md §4.7).
package eventbus

import (
	"context"
	"sync"
	"time"
)

// Type identifies the kind of Event on the wire.
type Type string

const (
	TaskCreated          Type = "task_created"
	TaskUpdated          Type = "task_updated"
	TaskCompleted        Type = "task_completed"
	TaskLog              Type = "task_log"
	AgentCreated         Type = "agent_created"
	AgentUpdated         Type = "agent_updated"
	AgentRemoved         Type = "agent_removed"
	AgentLog             Type = "agent_log"
	AgentStream          Type = "agent_stream"
	AgentStreamClear     Type = "agent_stream_clear"
	StepStatusChanged    Type = "step_status_changed"
	ExecutionFlowUpdated Type = "execution_flow_updated"
	TaskProgress         Type = "task_progress"
	OutputProgress       Type = "output_progress"
)

// Event is a tagged record delivered to subscribers.
type Event struct {
	Type      Type
	TaskID    string
	Payload   any
	Timestamp time.Time
}

// DefaultBacklog is the per-subscriber channel capacity past which events
// are dropped with a subscriber_lagged warning.
const DefaultBacklog = 1000

// Subscriber receives events from a Subscription's channel.
type Subscriber interface {
	HandleEvent(ctx context.Context, event Event) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, event Event) error

// HandleEvent calls f.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error { return f(ctx, event) }

// Subscription is an active registration on a Bus.
type Subscription interface {
	// Close removes the subscriber from the bus. Idempotent and thread-safe.
	Close() error
}

// Bus publishes Events to registered subscribers in a bounded fan-out.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscription]*subscriberState
	backlog     int
}

// New constructs a Bus with the given per-subscriber backlog cap. A
// non-positive backlog defaults to DefaultBacklog.
func New(backlog int) *Bus {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Bus{subscribers: make(map[*subscription]*subscriberState), backlog: backlog}
}

type subscriberState struct {
	queue  chan Event
	done   chan struct{}
	lagged bool
	mu     sync.Mutex
}

type subscription struct {
	bus   *Bus
	state *subscriberState
	once  sync.Once
}

// Register adds sub and starts a goroutine draining its bounded queue in
// publication order. Returns a Subscription to unregister.
func (b *Bus) Register(ctx context.Context, sub Subscriber) (Subscription, error) {
	state := &subscriberState{
		queue: make(chan Event, b.backlog),
		done:  make(chan struct{}),
	}
	s := &subscription{bus: b, state: state}

	b.mu.Lock()
	b.subscribers[s] = state
	b.mu.Unlock()

	go func() {
		for {
			select {
			case evt, ok := <-state.queue:
				if !ok {
					return
				}
				_ = sub.HandleEvent(ctx, evt)
			case <-state.done:
				return
			}
		}
	}()

	return s, nil
}

// Publish enqueues event to every currently registered subscriber. A
// subscriber whose queue is full has the event dropped for it and is sent
// one subscriber_lagged warning (at most once until it catches up), which
// takes the place of its oldest queued event; Publish itself never blocks on
// a slow subscriber.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	states := make([]*subscriberState, 0, len(b.subscribers))
	for _, st := range b.subscribers {
		states = append(states, st)
	}
	b.mu.RUnlock()

	for _, st := range states {
		select {
		case st.queue <- event:
			st.mu.Lock()
			st.lagged = false
			st.mu.Unlock()
		default:
			st.mu.Lock()
			alreadyWarned := st.lagged
			st.lagged = true
			st.mu.Unlock()
			if !alreadyWarned {
				// The queue is full: discard its oldest event to make room
				// for the warning.
				select {
				case <-st.queue:
				default:
				}
				select {
				case st.queue <- Event{Type: TaskLog, TaskID: event.TaskID, Payload: "subscriber_lagged", Timestamp: time.Now()}:
				default:
				}
			}
		}
	}
}

// Close unregisters the subscription and stops its drain goroutine.
// Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
		close(s.state.done)
	})
	return nil
}
