package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskflow/internal/events"
)

// Task statuses shown in the list.
const (
	StatusRunning   = "running"
	StatusFinished  = "finished"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

const listWidth = 28

// TaskState is what the monitor knows about one task.
type TaskState struct {
	TaskID    string
	Name      string
	Status    string
	Log       []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel is the task list with the selected task's log.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string
	selectedIdx int
	viewport    viewport.Model
	keys        keyMap
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
		keys:     defaultKeyMap(),
	}
}

// Update handles key messages and task events.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch {
		case key.Matches(msg, m.keys.Down):
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.refresh()
			}
		case key.Matches(msg, m.keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.refresh()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		t := m.task(msg.ID, msg.Name)
		t.Status = StatusRunning
		t.StartTime = msg.Timestamp
		t.Log = append(t.Log, fmt.Sprintf("%s started", msg.Timestamp.Format(time.TimeOnly)))
		m.touched(msg.ID)

	case events.TaskProducedEvent:
		t := m.task(msg.ID, msg.Name)
		t.Log = append(t.Log, fmt.Sprintf("produced %s", msg.ProducedName))
		m.touched(msg.ID)

	case events.TaskFinishedEvent:
		t := m.task(msg.ID, msg.Name)
		t.Status = StatusFinished
		t.Duration = msg.Duration
		t.Log = append(t.Log, fmt.Sprintf("[Finished in %v]", msg.Duration.Round(time.Millisecond)))
		m.touched(msg.ID)

	case events.TaskFailedEvent:
		t := m.task(msg.ID, msg.Name)
		t.Status = StatusFailed
		if msg.Cancelled {
			t.Status = StatusCancelled
		}
		t.Duration = msg.Duration
		for _, err := range msg.Errs {
			t.Log = append(t.Log, fmt.Sprintf("[Error: %v]", err))
		}
		m.touched(msg.ID)
	}

	return m, cmd
}

// task returns the state for id, adding it to the list on first sight.
// Tasks that never start (cancelled, failed conditions) first appear with
// their finish event.
func (m *TaskPaneModel) task(id, name string) *TaskState {
	if t, ok := m.tasks[id]; ok {
		return t
	}
	t := &TaskState{TaskID: id, Name: name}
	m.tasks[id] = t
	m.order = append(m.order, id)
	return t
}

func (m *TaskPaneModel) touched(id string) {
	if m.selectedID() == id || len(m.order) == 1 {
		m.refresh()
	}
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(),
		lipgloss.NewStyle().
			Width(m.width-listWidth-4).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.Width(m.width - 2).Height(m.height - 2).Render(content)
}

func (m TaskPaneModel) renderList() string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		t := m.tasks[id]
		name := t.Name
		if len(name) > listWidth-4 {
			name = name[:listWidth-7] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().Width(listWidth).Height(m.height - 2).Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case StatusRunning:
		return StyleStatusRunning.Render("●")
	case StatusFinished:
		return StyleStatusComplete.Render("✓")
	case StatusFailed:
		return StyleStatusFailed.Render("✗")
	case StatusCancelled:
		return StyleStatusCancelled.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Selected returns the selected task, or nil.
func (m TaskPaneModel) Selected() *TaskState {
	return m.tasks[m.selectedID()]
}

// Len returns the number of tasks listed.
func (m TaskPaneModel) Len() int { return len(m.order) }

func (m *TaskPaneModel) refresh() {
	t := m.Selected()
	if t == nil {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(t.Log, "\n"))
	m.viewport.GotoBottom()
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
