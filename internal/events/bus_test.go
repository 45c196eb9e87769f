package events

import (
	"testing"
	"time"

	"github.com/aristath/taskflow/internal/scheduler"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func expectNone(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Errorf("unexpected event %s", ev.EventType())
	case <-time.After(10 * time.Millisecond):
	}
}

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)
	bus.Publish(TopicTask, TaskStartedEvent{ID: "task-1", Name: "fetch", Timestamp: time.Now()})

	received := receive(t, ch)
	if received.TaskID() != "task-1" {
		t.Errorf("expected task ID 'task-1', got '%s'", received.TaskID())
	}
	if received.EventType() != EventTypeTaskStarted {
		t.Errorf("expected event type '%s', got '%s'", EventTypeTaskStarted, received.EventType())
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskFinishedEvent{ID: "task-2", Duration: 100 * time.Millisecond, Timestamp: time.Now()})

	for i, ch := range []<-chan Event{ch1, ch2} {
		if got := receive(t, ch).TaskID(); got != "task-2" {
			t.Errorf("subscriber %d: expected task ID 'task-2', got '%s'", i+1, got)
		}
	}
}

// TestNonBlockingSend verifies that publishing doesn't block when channels
// are full, and that skipped deliveries are counted.
func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicTask, TaskStartedEvent{ID: "task", Timestamp: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	select {
	case received := <-ch:
		if received == nil {
			t.Error("received nil event")
		}
	default:
		t.Error("expected at least one event in buffer")
	}
	if got := bus.Dropped(); got != 9 {
		t.Errorf("expected 9 dropped deliveries, got %d", got)
	}
}

// TestCloseSignalsSubscribers verifies that closing the bus closes subscriber channels.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	for _, c := range []<-chan Event{ch, all} {
		received := 0
		for range c {
			received++
		}
		if received != 0 {
			t.Errorf("expected 0 events after close, got %d", received)
		}
	}
}

// TestSubscribeAfterClose verifies late subscribers get a closed channel.
func TestSubscribeAfterClose(t *testing.T) {
	bus := NewEventBus()
	bus.Close()

	if _, ok := <-bus.Subscribe(TopicTask, 1); ok {
		t.Error("expected closed channel")
	}
	if _, ok := <-bus.SubscribeAll(1); ok {
		t.Error("expected closed channel")
	}
}

// TestPublishAfterClose verifies publishing after close doesn't panic.
func TestPublishAfterClose(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)
	bus.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()
	bus.Publish(TopicTask, TaskStartedEvent{ID: "task-1", Timestamp: time.Now()})

	if _, ok := <-ch; ok {
		t.Error("received event after bus was closed")
	}
}

// TestMultipleTopics verifies topic isolation.
func TestMultipleTopics(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	queueCh := bus.Subscribe(TopicQueue, 10)

	bus.Publish(TopicTask, TaskStartedEvent{ID: "task-1", Timestamp: time.Now()})
	bus.Publish(TopicQueue, QueueProgressEvent{
		Queue:     "main",
		Progress:  scheduler.Progress{Total: 10, Pending: 3, Executing: 2},
		Timestamp: time.Now(),
	})

	if got := receive(t, taskCh).EventType(); got != EventTypeTaskStarted {
		t.Errorf("task channel: expected task event, got %s", got)
	}
	if got := receive(t, queueCh).EventType(); got != EventTypeQueueProgress {
		t.Errorf("queue channel: expected queue event, got %s", got)
	}
	expectNone(t, taskCh)
	expectNone(t, queueCh)
}

// TestSubscribeAll verifies that SubscribeAll receives events from all topics.
func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	allCh := bus.SubscribeAll(20)

	bus.Publish(TopicTask, TaskStartedEvent{ID: "task-1", Timestamp: time.Now()})
	bus.Publish(TopicPoll, PollRoundEvent{Workflow: "report", Round: 2, URL: "https://example.test/poll", Timestamp: time.Now()})
	bus.Publish(TopicAlert, AlertEvent{Title: "Unable to Connect", Timestamp: time.Now()})

	receivedTypes := make(map[string]bool)
	for i := 0; i < 3; i++ {
		receivedTypes[receive(t, allCh).EventType()] = true
	}

	for _, typ := range []string{EventTypeTaskStarted, EventTypePollRound, EventTypeAlert} {
		if !receivedTypes[typ] {
			t.Errorf("SubscribeAll did not receive %s", typ)
		}
	}
	expectNone(t, allCh)
}
