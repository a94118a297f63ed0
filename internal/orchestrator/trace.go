package orchestrator

import "sync"

// EventType distinguishes trace entries.
type EventType string

const (
	// EventLaunched is recorded when an operation starts.
	EventLaunched EventType = "launched"

	// EventSkipped is recorded when a launch is refused after an abort.
	EventSkipped EventType = "skipped"

	// EventCompleted is recorded when an operation reaches a terminal state.
	EventCompleted EventType = "completed"

	// EventTimerFired is recorded when a timed wait's timer wins the race.
	EventTimerFired EventType = "timer-fired"

	// EventAborted is recorded once, when the scenario aborts.
	EventAborted EventType = "aborted"
)

// Event is one entry of the orchestrator's trace.
type Event struct {
	Seq    int64     `json:"seq"`
	Type   EventType `json:"type"`
	OpID   int64     `json:"op_id,omitempty"`
	Label  string    `json:"label,omitempty"`
	Kind   string    `json:"kind,omitempty"`
	Status string    `json:"status,omitempty"`
	Code   int       `json:"code,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// trace is an append-only event log written from the orchestrating
// goroutine and from completion callbacks.
type trace struct {
	mu     sync.Mutex
	events []Event
}

func (t *trace) append(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, e)
}

func (t *trace) snapshot() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}
