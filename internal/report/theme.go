package report

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	// IconPass marks a passing step.
	IconPass = "✓"
	// IconFail marks a failing step.
	IconFail = "✗"
	// IconWarn marks a warning.
	IconWarn = "⚠"
	// IconRunning marks a step in progress.
	IconRunning = "▸"
)

const (
	greenOk       = "#33FF33"
	redAlert      = "#FF3333"
	yellowCaution = "#FFCC00"
	blueInfo      = "#9999CC"
	galaxyGray    = "#52526A"
)

type styles struct {
	pass    lipgloss.Style
	fail    lipgloss.Style
	warn    lipgloss.Style
	info    lipgloss.Style
	muted   lipgloss.Style
	heading lipgloss.Style
}

func newStyles(renderer *lipgloss.Renderer) styles {
	return styles{
		pass:    renderer.NewStyle().Foreground(profileColor(renderer, greenOk, "46", "10")).Bold(true),
		fail:    renderer.NewStyle().Foreground(profileColor(renderer, redAlert, "203", "9")).Bold(true),
		warn:    renderer.NewStyle().Foreground(profileColor(renderer, yellowCaution, "220", "11")).Bold(true),
		info:    renderer.NewStyle().Foreground(profileColor(renderer, blueInfo, "146", "12")),
		muted:   renderer.NewStyle().Foreground(profileColor(renderer, galaxyGray, "60", "8")),
		heading: renderer.NewStyle().Bold(true),
	}
}

func profileColor(renderer *lipgloss.Renderer, hex, ansi256, ansi string) lipgloss.TerminalColor {
	switch renderer.ColorProfile() {
	case termenv.ANSI256, termenv.ANSI:
		return lipgloss.CompleteColor{TrueColor: hex, ANSI256: ansi256, ANSI: ansi}
	default:
		return lipgloss.Color(hex)
	}
}
