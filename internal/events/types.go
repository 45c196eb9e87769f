package events

import (
	"time"

	"github.com/aristath/taskflow/internal/scheduler"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicQueue = "queue"
	TopicPoll  = "poll"
	TopicAlert = "alert"
)

// Event type constants
const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskProduced  = "task.produced"
	EventTypeTaskFinished  = "task.finished"
	EventTypeTaskFailed    = "task.failed"
	EventTypeQueueProgress = "queue.progress"
	EventTypePollRound     = "poll.round"
	EventTypeAlert         = "alert.raised"
)

// TaskStartedEvent is published when a task begins execution.
type TaskStartedEvent struct {
	ID        string
	Name      string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskProducedEvent is published when a task hands a new task to its scheduler.
type TaskProducedEvent struct {
	ID           string
	Name         string
	ProducedID   string
	ProducedName string
	Timestamp    time.Time
}

func (e TaskProducedEvent) EventType() string { return EventTypeTaskProduced }
func (e TaskProducedEvent) TaskID() string    { return e.ID }

// TaskFinishedEvent is published when a task finishes without errors.
type TaskFinishedEvent struct {
	ID        string
	Name      string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFinishedEvent) EventType() string { return EventTypeTaskFinished }
func (e TaskFinishedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task finishes with errors, including
// cancellation.
type TaskFailedEvent struct {
	ID        string
	Name      string
	Errs      []error
	Cancelled bool
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// QueueProgressEvent is published when a queue's task counts change.
type QueueProgressEvent struct {
	Queue     string
	Progress  scheduler.Progress
	Timestamp time.Time
}

func (e QueueProgressEvent) EventType() string { return EventTypeQueueProgress }
func (e QueueProgressEvent) TaskID() string    { return "" }

// PollRoundEvent is published when a poll workflow schedules another fetch.
type PollRoundEvent struct {
	Workflow  string
	Round     int
	URL       string
	Timestamp time.Time
}

func (e PollRoundEvent) EventType() string { return EventTypePollRound }
func (e PollRoundEvent) TaskID() string    { return "" }

// AlertEvent carries a user-facing alert.
type AlertEvent struct {
	Title     string
	Message   string
	Timestamp time.Time
}

func (e AlertEvent) EventType() string { return EventTypeAlert }
func (e AlertEvent) TaskID() string    { return "" }
