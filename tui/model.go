package tui

import (
	"github.com/charmbracelet/bubbles/viewport"

	"github.com/chanijjani/lingua-franca/engine"
	"github.com/chanijjani/lingua-franca/types"
)

const (
	minWindowWidth  = 60
	minWindowHeight = 16
	statusPanelRows = 4 // border + title + start line, before federate rows
	footerHeight    = 2
)

// Model is the single-screen federation monitor: a status panel over a
// scrolling log tail.
type Model struct {
	engine *engine.Engine
	cfg    *types.Config

	logViewport viewport.Model
	ready       bool
	stopped     bool

	width   int
	height  int
	version string
}

type fedRow struct {
	id       int
	name     string
	status   types.FederateStatus
	sent     int
	received int
}

func (m *Model) rows() []fedRow {
	rows := make([]fedRow, 0, len(m.cfg.Federates))
	for _, f := range m.cfg.Federates {
		sent, received := m.engine.Counts(f.ID)
		rows = append(rows, fedRow{
			id:       f.ID,
			name:     f.Name,
			status:   m.engine.GetStatus(f.ID),
			sent:     sent,
			received: received,
		})
	}
	return rows
}
