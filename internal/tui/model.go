package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskflow/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneQueue
	paneCount
)

// busClosedMsg is delivered once the event bus has been closed.
type busClosedMsg struct{}

// Model is the root Bubble Tea model of the monitor.
type Model struct {
	taskPane    TaskPaneModel
	queuePane   QueuePaneModel
	help        help.Model
	keys        keyMap
	focusedPane PaneID
	eventSub    <-chan events.Event
	width       int
	height      int
	quitting    bool
	done        bool
}

// New creates a monitor fed by every topic of bus.
func New(bus *events.EventBus) Model {
	m := Model{
		taskPane:  NewTaskPaneModel(),
		queuePane: NewQueuePaneModel(),
		help:      help.New(),
		keys:      defaultKeyMap(),
		eventSub:  bus.SubscribeAll(1024),
	}
	m.updateFocusStates()
	return m
}

// Init starts waiting for events.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), m.queuePane.Init())
}

// waitForEvent returns a command that waits for the next event from the bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Next):
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()
		case key.Matches(msg, m.keys.Prev):
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()
		case key.Matches(msg, m.keys.Pane1):
			m.focusedPane = PaneTasks
			m.updateFocusStates()
		case key.Matches(msg, m.keys.Pane2):
			m.focusedPane = PaneQueue
			m.updateFocusStates()
		default:
			var cmd tea.Cmd
			m.taskPane, cmd = m.taskPane.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.computeLayout()

	case busClosedMsg:
		m.done = true

	case events.TaskStartedEvent, events.TaskProducedEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.TaskFinishedEvent, events.TaskFailedEvent:
		// Both panes count finished tasks.
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		m.queuePane, cmd = m.queuePane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.QueueProgressEvent, events.PollRoundEvent, events.AlertEvent:
		var cmd tea.Cmd
		m.queuePane, cmd = m.queuePane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.Event:
		// Unknown event types are skipped.
		cmds = append(cmds, waitForEvent(m.eventSub))

	default:
		var cmd tea.Cmd
		m.queuePane, cmd = m.queuePane.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// View renders the monitor.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	main := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.queuePane.View())
	helpBar := m.help.View(m.keys)
	if m.done {
		helpBar = StyleStatusComplete.Render("All work finished. ") + helpBar
	}
	return lipgloss.JoinVertical(lipgloss.Left, main, helpBar)
}

// computeLayout gives the task pane 60% of the width and the queue pane the rest.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 60) / 100
	availableHeight := m.height - 1 // help bar

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.queuePane.SetSize(m.width-leftWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.queuePane.SetFocused(m.focusedPane == PaneQueue)
}
