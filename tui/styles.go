package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	colorPrimary   = lipgloss.Color("#7D56F4") // Purple
	colorSecondary = lipgloss.Color("#F4A956") // Orange
	colorText      = lipgloss.Color("#FAFAFA") // White/Light Gray
	colorSubtext   = lipgloss.Color("#777777") // Gray
	colorSuccess   = lipgloss.Color("#43BF6D") // Green
	colorError     = lipgloss.Color("#FF5F5F") // Red

	styleWindow = lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(colorPrimary)

	stylePanel = lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(colorSubtext).
			Padding(0, 1)

	styleTitle = lipgloss.NewStyle().
			Background(colorPrimary).
			Foreground(colorText).
			Padding(0, 1).
			Bold(true)

	styleAppTitle = lipgloss.NewStyle().
			Foreground(colorSecondary).
			Bold(true).
			Padding(0, 1)

	styleLabel = lipgloss.NewStyle().
			Foreground(colorSubtext)

	styleValue = lipgloss.NewStyle().
			Foreground(colorText)

	styleRunning = lipgloss.NewStyle().
			Foreground(colorSecondary).
			Bold(true)

	styleCompleted = lipgloss.NewStyle().
			Foreground(colorSuccess)

	styleFailed = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	styleHelp = lipgloss.NewStyle().
			Foreground(colorSubtext).
			Padding(0, 1)

	styleScreenTooSmall = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true).
				Align(lipgloss.Center, lipgloss.Center)
)
