package dashboard

import (
	"github.com/charmbracelet/lipgloss"

	"supd/internal/supervisor"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#000000", Dark: "#FFFFFF"}).
			Background(lipgloss.AdaptiveColor{Light: "#D0D0D0", Dark: "#303030"}).
			Padding(0, 1)

	detailStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#606060", Dark: "#A0A0A0"}).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().Faint(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	faintStyle = lipgloss.NewStyle().Faint(true)
)

// statusStyle picks the colour of a status cell.
func statusStyle(s supervisor.Status) lipgloss.Style {
	switch s {
	case supervisor.StatusRunning:
		return okStyle
	case supervisor.StatusCrashed, supervisor.StatusUnhealthy:
		return errorStyle
	case supervisor.StatusStarting, supervisor.StatusStopping:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	default:
		return faintStyle
	}
}
