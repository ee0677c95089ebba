// Package taskfsm implements the Task State Machine (C13): an
// event-sourced state machine over a task's lifecycle. Every mutation
// appends an Event; the current state is always reconstructible by
// folding the event log in append order, which is the authoritative
// value whenever an in-memory cache would diverge from it. Grounded on
// the teacher's workflow execution state store (update-by-step, fetch by
// id, list by owner) generalized from per-step workflow state to
// per-task lifecycle state.
package taskfsm

import (
	"sync"
	"time"

	"github.com/agentium/governance-core/core"
)

// State is one of the task lifecycle states (§4.13).
type State string

const (
	StatePending      State = "pending"
	StateDeliberating State = "deliberating"
	StateApproved     State = "approved"
	StateRejected     State = "rejected"
	StateDelegating   State = "delegating"
	StateAssigned     State = "assigned"
	StateInProgress   State = "in_progress"
	StateReview       State = "review"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// terminal states have no outgoing legal transition.
var terminal = map[State]struct{}{
	StateCompleted: {}, StateRejected: {}, StateFailed: {}, StateCancelled: {},
}

// Priority gates the pending → approved fast path.
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityCritical  Priority = "critical"
	PrioritySovereign Priority = "sovereign"
	PriorityIdle      Priority = "idle"
)

var fastTrackPriorities = map[Priority]struct{}{
	PriorityCritical: {}, PrioritySovereign: {}, PriorityIdle: {},
}

// legalTransitions is the exact table from §4.13. in_progress's retry
// self-loop is listed explicitly since it is a legal transition to
// itself, not merely a no-op.
var legalTransitions = map[State]map[State]struct{}{
	StatePending:      {StateDeliberating: {}, StateApproved: {}},
	StateDeliberating: {StateApproved: {}, StateRejected: {}, StateCancelled: {}},
	StateApproved:     {StateDelegating: {}, StateInProgress: {}, StateCancelled: {}},
	StateDelegating:   {StateAssigned: {}, StateCancelled: {}},
	StateAssigned:     {StateInProgress: {}, StateCancelled: {}},
	StateInProgress:   {StateReview: {}, StateFailed: {}, StateCancelled: {}, StateInProgress: {}},
	StateReview:       {StateCompleted: {}, StateFailed: {}, StateInProgress: {}},
}

// EventType discriminates an event-log entry.
type EventType string

const (
	EventTaskCreated     EventType = "TASK_CREATED"
	EventStatusChanged   EventType = "STATUS_CHANGED"
	EventProgressUpdated EventType = "PROGRESS_UPDATED"
	EventRetryScheduled  EventType = "RETRY_SCHEDULED"
	EventCompleted       EventType = "COMPLETED"
	EventFailed          EventType = "FAILED"
	EventCancelled       EventType = "CANCELLED"
)

// Event is one append-only log entry (§4.13).
type Event struct {
	Type      EventType
	TaskID    string
	Timestamp time.Time
	OldState  State
	NewState  State
	Progress  string
	Reason    string
	Retry     int
}

// Task is the folded, current view of a task's lifecycle. MaxRetries
// bounds the in_progress → failed retry loop.
type Task struct {
	ID         string
	State      State
	RetryCount int
	MaxRetries int
	Events     []Event
}

// New creates a pending task with its TASK_CREATED event already
// appended.
func New(id string, maxRetries int) *Task {
	now := time.Now().UTC()
	t := &Task{ID: id, State: StatePending, MaxRetries: maxRetries}
	t.Events = append(t.Events, Event{Type: EventTaskCreated, TaskID: id, Timestamp: now, NewState: StatePending})
	return t
}

// Apply folds a single event into t, mutating t.State and t.RetryCount
// to match. Used both live (as transitions are appended) and for
// reconstruction from a stored event log.
func (t *Task) Apply(e Event) {
	switch e.Type {
	case EventTaskCreated:
		t.State = StatePending
	case EventStatusChanged:
		t.State = e.NewState
	case EventRetryScheduled:
		t.RetryCount = e.Retry
		t.State = StateAssigned
	case EventCompleted:
		t.State = StateCompleted
	case EventFailed:
		t.State = StateFailed
	case EventCancelled:
		t.State = StateCancelled
	}
}

// Reconstruct rebuilds a Task's current state by folding a stored event
// log in order, per §4.13's authoritative-reconstruction invariant.
func Reconstruct(id string, maxRetries int, events []Event) *Task {
	t := &Task{ID: id, MaxRetries: maxRetries}
	for _, e := range events {
		t.Apply(e)
	}
	t.Events = events
	return t
}

// Transition moves t from its current state to `to`, appending the
// matching event. pending → approved requires a fast-track priority
// (§4.13); every other edge is checked against legalTransitions.
func (t *Task) Transition(to State, priority Priority, reason string) error {
	if _, done := terminal[t.State]; done {
		return core.WrapID("taskfsm.Transition", "state_machine", t.ID, core.ErrIllegalTransition)
	}
	if t.State == StatePending && to == StateApproved {
		if _, ok := fastTrackPriorities[priority]; !ok {
			return core.WrapID("taskfsm.Transition", "state_machine", t.ID, core.ErrIllegalTransition)
		}
	} else {
		next, ok := legalTransitions[t.State]
		if !ok {
			return core.WrapID("taskfsm.Transition", "state_machine", t.ID, core.ErrIllegalTransition)
		}
		if _, ok := next[to]; !ok {
			return core.WrapID("taskfsm.Transition", "state_machine", t.ID, core.ErrIllegalTransition)
		}
	}

	old := t.State
	ev := Event{Type: EventStatusChanged, TaskID: t.ID, Timestamp: time.Now().UTC(), OldState: old, NewState: to, Reason: reason}
	switch to {
	case StateCompleted:
		ev.Type = EventCompleted
	case StateFailed:
		ev.Type = EventFailed
	case StateCancelled:
		ev.Type = EventCancelled
	}
	t.Events = append(t.Events, ev)
	t.State = to
	return nil
}

// Fail handles an in_progress → {failed retry loop | failed} decision:
// if the retry budget remains, the retry counter increments and the task
// re-enters assigned without a terminal state change; otherwise it moves
// to failed (§4.13).
func (t *Task) Fail(reason string) error {
	if t.State != StateInProgress {
		return core.WrapID("taskfsm.Fail", "state_machine", t.ID, core.ErrIllegalTransition)
	}
	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.State = StateAssigned
		t.Events = append(t.Events, Event{
			Type: EventRetryScheduled, TaskID: t.ID, Timestamp: time.Now().UTC(),
			OldState: StateInProgress, NewState: StateAssigned, Reason: reason, Retry: t.RetryCount,
		})
		return nil
	}
	t.State = StateFailed
	t.Events = append(t.Events, Event{
		Type: EventFailed, TaskID: t.ID, Timestamp: time.Now().UTC(),
		OldState: StateInProgress, NewState: StateFailed, Reason: reason,
	})
	return nil
}

// Progress appends a PROGRESS_UPDATED event without changing State.
func (t *Task) Progress(detail string) {
	t.Events = append(t.Events, Event{Type: EventProgressUpdated, TaskID: t.ID, Timestamp: time.Now().UTC(), Progress: detail})
}

// Store persists tasks by id, one writer at a time per task (§5's
// per-task serialization guarantee is enforced by the caller holding a
// task-scoped lock; Store itself only guards its own map).
type Store interface {
	Put(id string, t *Task)
	Get(id string) (*Task, bool)
	List() []*Task
}

// InMemoryStore is a mutex-guarded map-backed Store.
type InMemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tasks: map[string]*Task{}}
}

func (s *InMemoryStore) Put(id string, t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id] = t
}

func (s *InMemoryStore) Get(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

func (s *InMemoryStore) List() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}
