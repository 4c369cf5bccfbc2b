package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/chanijjani/lingua-franca/types"
)

func (m Model) View() string {
	if m.width == 0 {
		return "loading..."
	}
	if m.width < minWindowWidth || m.height < minWindowHeight {
		return styleScreenTooSmall.
			Width(m.width).
			Height(m.height).
			Render(fmt.Sprintf("window too small\nneed at least %dx%d", minWindowWidth, minWindowHeight))
	}

	header := lipgloss.JoinHorizontal(lipgloss.Center,
		styleAppTitle.Render("lf-federation"),
		styleLabel.Render(" run "+shortRunID(m.engine.RunID)+"  "+m.version),
	)

	var b strings.Builder
	b.WriteString(styleTitle.Render("FEDERATES"))
	b.WriteString("\n")
	if start := m.engine.StartTime(); start != 0 {
		b.WriteString(styleLabel.Render("start time ") + styleValue.Render(fmt.Sprintf("%d", start)))
	} else {
		b.WriteString(styleLabel.Render("waiting for start-time rendezvous"))
	}
	b.WriteString("\n")
	for _, row := range m.rows() {
		b.WriteString(fmt.Sprintf("%s %s  %s  %s\n",
			styleValue.Render(fmt.Sprintf("%-12s", row.name)),
			styleLabel.Render(fmt.Sprintf("id=%d", row.id)),
			statusStyle(row.status).Render(fmt.Sprintf("%-10s", row.status)),
			styleLabel.Render(fmt.Sprintf("sent %d / recv %d", row.sent, row.received)),
		))
	}
	statusPanel := stylePanel.Width(m.width - 4).Render(strings.TrimRight(b.String(), "\n"))

	logPanel := stylePanel.Width(m.width - 4).Render(
		styleTitle.Render("LOG") + "\n" + m.logViewport.View())

	help := styleHelp.Render("q: quit  s: stop federation  ↑/↓: scroll log")

	return styleWindow.Width(m.width - 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, header, statusPanel, logPanel, help))
}

func statusStyle(s types.FederateStatus) lipgloss.Style {
	switch s {
	case types.StatusRunning, types.StatusConnecting:
		return styleRunning
	case types.StatusCompleted:
		return styleCompleted
	case types.StatusError:
		return styleFailed
	default:
		return styleLabel
	}
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
