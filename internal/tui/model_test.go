package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/scheduler"
)

func update(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func sized(t *testing.T) Model {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	return update(t, New(bus), tea.WindowSizeMsg{Width: 120, Height: 30})
}

// TestTaskLifecycleRendering verifies task events drive the list and log.
func TestTaskLifecycleRendering(t *testing.T) {
	now := time.Now()
	m := update(t, sized(t),
		events.TaskStartedEvent{ID: "a", Name: "fetch jobs", Timestamp: now},
		events.TaskProducedEvent{ID: "a", Name: "fetch jobs", ProducedName: "alert: Unable to Connect"},
		events.TaskFinishedEvent{ID: "a", Name: "fetch jobs", Duration: 1500 * time.Millisecond},
		events.TaskFailedEvent{ID: "b", Name: "parse jobs", Errs: []error{errors.New("boom")}},
	)

	if m.taskPane.Len() != 2 {
		t.Fatalf("expected 2 tasks, got %d", m.taskPane.Len())
	}
	sel := m.taskPane.Selected()
	if sel == nil || sel.TaskID != "a" || sel.Status != StatusFinished {
		t.Fatalf("unexpected selection %+v", sel)
	}
	if len(sel.Log) != 3 || !strings.Contains(sel.Log[1], "alert: Unable to Connect") {
		t.Errorf("unexpected log %v", sel.Log)
	}

	view := m.View()
	for _, want := range []string{"Tasks", "fetch jobs", "parse jobs", "Finished in 1.5s"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected %q in view", want)
		}
	}
}

// TestSelectionMoves verifies j/k move the selection within the task pane.
func TestSelectionMoves(t *testing.T) {
	m := update(t, sized(t),
		events.TaskStartedEvent{ID: "a", Name: "first"},
		events.TaskStartedEvent{ID: "b", Name: "second"},
		tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")},
	)
	if got := m.taskPane.Selected().Name; got != "second" {
		t.Errorf("expected 'second' selected, got %q", got)
	}

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")}, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	if got := m.taskPane.Selected().Name; got != "first" {
		t.Errorf("expected 'first' selected, got %q", got)
	}
}

// TestCancelledTask verifies tasks that never start are listed as cancelled.
func TestCancelledTask(t *testing.T) {
	m := update(t, sized(t), events.TaskFailedEvent{ID: "c", Name: "never", Cancelled: true, Errs: []error{scheduler.ErrCancelled}})

	if got := m.taskPane.Selected().Status; got != StatusCancelled {
		t.Errorf("expected cancelled, got %q", got)
	}
	if m.queuePane.failed != 1 {
		t.Errorf("expected one failure counted, got %d", m.queuePane.failed)
	}
}

// TestQueuePane verifies progress, poll rounds and alerts are shown.
func TestQueuePane(t *testing.T) {
	m := update(t, sized(t),
		events.QueueProgressEvent{Queue: "main", Progress: scheduler.Progress{Total: 3, Pending: 1, Executing: 2}},
		events.PollRoundEvent{Workflow: "report", Round: 3, URL: "https://api.example.test/jobs/7/poll/2"},
		events.AlertEvent{Title: "Unable to Download", Message: "Cannot download data. Try again later."},
	)

	if !m.queuePane.Busy() {
		t.Error("expected queue to be busy")
	}
	view := m.View()
	for _, want := range []string{"Queue main", "Poll report: round 3", "Unable to Download", "Cannot download data."} {
		if !strings.Contains(view, want) {
			t.Errorf("expected %q in view", want)
		}
	}
}

// TestFocusCycling verifies tab and the number keys move focus.
func TestFocusCycling(t *testing.T) {
	m := sized(t)
	if m.focusedPane != PaneTasks {
		t.Fatalf("expected tasks focused initially")
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneQueue {
		t.Errorf("expected queue focused after tab, got %d", m.focusedPane)
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneTasks {
		t.Errorf("expected focus to wrap, got %d", m.focusedPane)
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("2")})
	if m.focusedPane != PaneQueue {
		t.Errorf("expected queue focused after 2, got %d", m.focusedPane)
	}
}

// TestQuitAndBusClosed verifies quitting and the finished banner.
func TestQuitAndBusClosed(t *testing.T) {
	m := update(t, sized(t), busClosedMsg{})
	if !strings.Contains(m.View(), "All work finished.") {
		t.Error("expected finished banner after bus closed")
	}

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
	if next.(Model).View() != "Goodbye!\n" {
		t.Error("expected goodbye view")
	}
}

// TestWaitForEventClosed verifies a closed subscription yields busClosedMsg.
func TestWaitForEventClosed(t *testing.T) {
	bus := events.NewEventBus()
	sub := bus.SubscribeAll(1)
	bus.Close()
	if _, ok := waitForEvent(sub)().(busClosedMsg); !ok {
		t.Error("expected busClosedMsg")
	}
}
