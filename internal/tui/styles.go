package tui

import "github.com/charmbracelet/lipgloss"

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#000000", Dark: "#FFFFFF"}).
			Background(lipgloss.AdaptiveColor{Light: "#D0D0D0", Dark: "#303030"}).
			Padding(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle        = lipgloss.NewStyle().Padding(0, 1)
	selectedStyle    = lipgloss.NewStyle().Padding(0, 1).Reverse(true)

	suspendedBanner = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#B71C1C")).
			Padding(0, 1)

	infoStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#90CAF9"})
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B71C1C", Dark: "#EF9A9A"})
)
