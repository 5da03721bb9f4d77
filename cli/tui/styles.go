package tui

import "github.com/charmbracelet/lipgloss"

var (
	// UI colors.
	colorTitle     = lipgloss.Color("#FFFFFF")
	colorSubtle    = lipgloss.Color("#666666")
	colorUser      = lipgloss.Color("#88C0D0")
	colorAssistant = lipgloss.Color("#7D56F4")
	colorError     = lipgloss.Color("#FF6B6B")

	// Styles.
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorTitle)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(colorSubtle)

	subtleStyle = lipgloss.NewStyle().
			Foreground(colorSubtle)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorSubtle)

	userLabelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorUser)

	assistantLabelStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(colorAssistant)

	draftStyle = lipgloss.NewStyle().
			Italic(true).
			Foreground(colorSubtle)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorError)
)
