package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

type tickMsg time.Time

const refreshEvery = 200 * time.Millisecond

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layoutViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if !m.stopped {
				m.engine.StopAll()
				m.stopped = true
			}
			return m, tea.Quit

		case "s":
			if !m.stopped {
				m.engine.StopAll()
				m.stopped = true
			}
			return m, nil

		default:
			var cmd tea.Cmd
			m.logViewport, cmd = m.logViewport.Update(msg)
			return m, cmd
		}

	case tickMsg:
		if m.ready {
			atBottom := m.logViewport.AtBottom()
			m.logViewport.SetContent(m.engine.Log.ReadAll())
			if atBottom {
				m.logViewport.GotoBottom()
			}
		}
		return m, tick()
	}

	var cmd tea.Cmd
	m.logViewport, cmd = m.logViewport.Update(msg)
	return m, cmd
}

// layoutViewport sizes the log viewport to the space left under the
// status panel.
func (m *Model) layoutViewport() {
	if m.width < minWindowWidth || m.height < minWindowHeight {
		m.ready = false
		return
	}

	panelHeight := statusPanelRows + len(m.cfg.Federates)
	vpHeight := m.height - panelHeight - footerHeight - 4
	if vpHeight < 3 {
		vpHeight = 3
	}
	vpWidth := m.width - 6

	if !m.ready {
		m.logViewport = viewport.New(vpWidth, vpHeight)
		m.logViewport.SetContent(m.engine.Log.ReadAll())
		m.logViewport.GotoBottom()
		m.ready = true
		return
	}
	m.logViewport.Width = vpWidth
	m.logViewport.Height = vpHeight
}
