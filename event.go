package keel

import (
	"context"
	"log/slog"
)

// Lifecycle event types emitted by the agent core, the tool pipeline, and
// the runtime. Dotted names group by component; TypeHead() yields the group.
const (
	EventAgentStarted     = "agent.started"
	EventAgentCompleted   = "agent.completed"
	EventAgentError       = "agent.error"
	EventAgentThought     = "agent.thought"
	EventAgentAction      = "agent.action"
	EventAgentResult      = "agent.result"
	EventAgentObservation = "agent.observation"

	EventActionStart            = "agent.action.start"
	EventToolCompleted          = "agent.tool.completed"
	EventToolError              = "agent.tool.error"
	EventParallelToolsStart     = "agent.parallel.tools.start"
	EventParallelToolsCompleted = "agent.parallel.tools.completed"

	EventProcessed = "runtime.event_processed"
	EventFailed    = "runtime.event_failed"

	EventStateChanged    = "kernel.state_changed"
	EventSnapshotCreated = "kernel.snapshot_created"
)

// Emitter publishes lifecycle events. Emission is best-effort: failures are
// logged by implementations, never returned to the hot path.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// nopEmitter drops every event.
type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, Event) {}

// QueueEmitter publishes lifecycle events into an EventQueue at the given
// priority. Enqueue rejections (destroyed queue, depth limit) are logged
// and swallowed.
type QueueEmitter struct {
	queue    *EventQueue
	priority int
	logger   *slog.Logger
}

// NewQueueEmitter wraps a queue as an Emitter. Lifecycle events default to
// priority 1 so domain work dequeues first.
func NewQueueEmitter(q *EventQueue, priority int, logger *slog.Logger) *QueueEmitter {
	if logger == nil {
		logger = nopLogger
	}
	return &QueueEmitter{queue: q, priority: priority, logger: logger}
}

// Emit enqueues the event, best-effort.
func (e *QueueEmitter) Emit(ctx context.Context, ev Event) {
	if !e.queue.Enqueue(ev, e.priority) {
		e.logger.Debug("lifecycle event dropped",
			"event_id", ev.ID, "event_type", ev.Type)
	}
}
