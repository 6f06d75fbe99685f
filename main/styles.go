package main

import (
	"github.com/charmbracelet/lipgloss"

	"exasweep/internal/runstate"
)

var (
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

// stateLabel pads before styling so escape codes do not break alignment.
func stateLabel(s runstate.State, width int) string {
	text := padRight(s.String(), width)
	switch s {
	case runstate.Complete:
		return okStyle.Render(text)
	case runstate.Failed:
		return failStyle.Render(text)
	case runstate.Running:
		return runningStyle.Render(text)
	}
	return mutedStyle.Render(text)
}

func checkLabel(ok bool) string {
	if ok {
		return okStyle.Render("[ OK ]")
	}
	return failStyle.Render("[FAIL]")
}

func padRight(s string, width int) string {
	for len(s) < width {
		s += " "
	}
	return s
}
