package tui

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/scheduler"
)

// QueuePaneModel shows queue progress, poll rounds and the last alert.
type QueuePaneModel struct {
	queue     string
	progress  scheduler.Progress
	finished  int
	failed    int
	rounds    map[string]int
	lastURL   string
	alert     *events.AlertEvent
	spinner   spinner.Model
	width     int
	height    int
	focused   bool
}

// NewQueuePaneModel creates an empty queue pane.
func NewQueuePaneModel() QueuePaneModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = StyleStatusRunning
	return QueuePaneModel{rounds: make(map[string]int), spinner: s}
}

// Init starts the spinner.
func (m QueuePaneModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles progress, poll and alert events.
func (m QueuePaneModel) Update(msg tea.Msg) (QueuePaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case events.QueueProgressEvent:
		m.queue = msg.Queue
		m.progress = msg.Progress

	case events.TaskFinishedEvent:
		m.finished++

	case events.TaskFailedEvent:
		m.failed++

	case events.PollRoundEvent:
		m.rounds[msg.Workflow] = msg.Round
		m.lastURL = msg.URL

	case events.AlertEvent:
		a := msg
		m.alert = &a
	}
	return m, nil
}

// Busy reports whether the queue has work in flight.
func (m QueuePaneModel) Busy() bool {
	return m.progress.Executing > 0 || m.progress.Evaluating > 0
}

// View renders the queue pane.
func (m QueuePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := "Queue"
	if m.queue != "" {
		title += " " + m.queue
	}
	if m.Busy() {
		title = m.spinner.View() + " " + title
	}
	title = StyleTitle.Render(title)
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	p := m.progress
	b.WriteString(fmt.Sprintf("Queued:     %d\n", p.Total))
	b.WriteString(fmt.Sprintf("Pending:    %s\n", StyleStatusPending.Render(fmt.Sprint(p.Pending+p.Evaluating+p.Ready))))
	b.WriteString(fmt.Sprintf("Executing:  %s\n", StyleStatusRunning.Render(fmt.Sprint(p.Executing))))
	b.WriteString(fmt.Sprintf("Finished:   %s\n", StyleStatusComplete.Render(fmt.Sprint(m.finished))))
	b.WriteString(fmt.Sprintf("Failed:     %s\n", StyleStatusFailed.Render(fmt.Sprint(m.failed))))
	b.WriteString("\n")

	if done := m.finished + m.failed; done+p.Total > 0 {
		total := done + p.Total
		barWidth := max(min(m.width-12, 40), 0)
		okWidth := (m.finished * barWidth) / total
		failWidth := (m.failed * barWidth) / total
		runWidth := (p.Executing * barWidth) / total
		restWidth := max(0, barWidth-okWidth-failWidth-runWidth)

		bar := StyleStatusComplete.Render(strings.Repeat("=", okWidth)) +
			StyleStatusFailed.Render(strings.Repeat("!", failWidth)) +
			StyleStatusRunning.Render(strings.Repeat("-", runWidth)) +
			StyleStatusPending.Render(strings.Repeat(".", restWidth))
		b.WriteString(fmt.Sprintf("[%s]  %d/%d\n\n", bar, done, total))
	}

	for _, wf := range slices.Sorted(maps.Keys(m.rounds)) {
		b.WriteString(fmt.Sprintf("Poll %s: round %d\n", wf, m.rounds[wf]))
	}
	if m.lastURL != "" {
		b.WriteString(StyleStatusPending.Render(m.lastURL))
		b.WriteString("\n")
	}
	if m.alert != nil {
		b.WriteString("\n")
		b.WriteString(StyleAlert.Render(m.alert.Title))
		b.WriteString("\n")
		b.WriteString(m.alert.Message)
		b.WriteString("\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.Width(m.width - 2).Height(m.height - 2).Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *QueuePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *QueuePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
