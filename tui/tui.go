package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/chanijjani/lingua-franca/engine"
	"github.com/chanijjani/lingua-franca/types"
)

func New(e *engine.Engine, cfg *types.Config, version string) Model {
	return Model{
		engine:  e,
		cfg:     cfg,
		version: version,
	}
}

func (m Model) Init() tea.Cmd {
	return tick()
}

// Run blocks until the operator quits the monitor.
func Run(e *engine.Engine, cfg *types.Config, version string) error {
	p := tea.NewProgram(New(e, cfg, version), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
