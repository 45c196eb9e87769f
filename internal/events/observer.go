package events

import (
	"context"
	"net/url"
	"time"

	"github.com/aristath/taskflow/internal/scheduler"
)

// NewObserver returns a scheduler observer publishing task lifecycle events
// on the task topic.
func NewObserver(bus *EventBus) scheduler.Observer {
	return scheduler.ObserverFuncs{
		Start: func(t *scheduler.Task) {
			bus.Publish(TopicTask, TaskStartedEvent{ID: t.ID(), Name: t.Name(), Timestamp: time.Now()})
		},
		Produce: func(t *scheduler.Task, produced *scheduler.Task) {
			bus.Publish(TopicTask, TaskProducedEvent{
				ID:           t.ID(),
				Name:         t.Name(),
				ProducedID:   produced.ID(),
				ProducedName: produced.Name(),
				Timestamp:    time.Now(),
			})
		},
		Finish: func(t *scheduler.Task, errs []error) {
			var d time.Duration
			if started := t.StartedAt(); !started.IsZero() {
				d = time.Since(started)
			}
			if len(errs) > 0 {
				bus.Publish(TopicTask, TaskFailedEvent{
					ID:        t.ID(),
					Name:      t.Name(),
					Errs:      errs,
					Cancelled: t.Cancelled(),
					Duration:  d,
					Timestamp: time.Now(),
				})
				return
			}
			bus.Publish(TopicTask, TaskFinishedEvent{ID: t.ID(), Name: t.Name(), Duration: d, Timestamp: time.Now()})
		},
	}
}

// WatchProgress samples the progress of s every interval and publishes it
// whenever it changed, until ctx is done.
func WatchProgress(ctx context.Context, bus *EventBus, s *scheduler.Scheduler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last scheduler.Progress
	first := true
	for {
		p := s.Progress()
		if first || p != last {
			bus.Publish(TopicQueue, QueueProgressEvent{Queue: s.Name(), Progress: p, Timestamp: time.Now()})
			last, first = p, false
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollRounds returns a callback for poll.Config.OnRound publishing a
// PollRoundEvent per round.
func PollRounds(bus *EventBus, workflow string) func(round int, next *url.URL) {
	return func(round int, next *url.URL) {
		bus.Publish(TopicPoll, PollRoundEvent{Workflow: workflow, Round: round, URL: next.String(), Timestamp: time.Now()})
	}
}

// Alerts returns a presenter publishing alerts on the alert topic.
func Alerts(bus *EventBus) func(a scheduler.Alert) {
	return func(a scheduler.Alert) {
		bus.Publish(TopicAlert, AlertEvent{Title: a.Title, Message: a.Message, Timestamp: time.Now()})
	}
}
