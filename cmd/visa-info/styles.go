package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	headingStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))

	failureStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#EF4444"))
)

// render highlights section headings and backend failures when styled is
// set. Otherwise the report is returned untouched.
func render(report string, styled bool) string {
	if !styled {
		return report
	}
	lines := strings.Split(report, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case line != "" && line[0] != ' ' && strings.HasSuffix(line, ":"):
			lines[i] = headingStyle.Render(line)
		case strings.HasPrefix(trimmed, "-> "), strings.HasPrefix(trimmed, "Could not"):
			lines[i] = line[:len(line)-len(trimmed)] + failureStyle.Render(trimmed)
		}
	}
	return strings.Join(lines, "\n")
}
