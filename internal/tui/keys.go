package tui

import (
	"github.com/charmbracelet/bubbles/key"
)

// keyMap holds the monitor's bindings.
type keyMap struct {
	Next  key.Binding
	Prev  key.Binding
	Up    key.Binding
	Down  key.Binding
	Pane1 key.Binding
	Pane2 key.Binding
	Quit  key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Next:  key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "cycle focus")),
		Prev:  key.NewBinding(key.WithKeys("shift+tab"), key.WithHelp("shift+tab", "back")),
		Up:    key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "up")),
		Down:  key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "down")),
		Pane1: key.NewBinding(key.WithKeys("1"), key.WithHelp("1/2", "jump to pane")),
		Pane2: key.NewBinding(key.WithKeys("2")),
		Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Next, k.Pane1, k.Down, k.Up, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp(), {k.Prev}}
}
