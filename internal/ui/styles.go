// Package ui provides consistent styling for the waymirror CLI
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Color palette - consistent across the application
var (
	// Primary colors
	ColorPrimary   = lipgloss.Color("39")  // Bright blue
	ColorSecondary = lipgloss.Color("205") // Pink/magenta
	ColorSuccess   = lipgloss.Color("82")  // Green
	ColorWarning   = lipgloss.Color("214") // Orange
	ColorError     = lipgloss.Color("196") // Red
	ColorInfo      = lipgloss.Color("86")  // Cyan

	// Neutral colors
	ColorText      = lipgloss.Color("252") // Light gray
	ColorSubtle    = lipgloss.Color("241") // Medium gray
	ColorMuted     = lipgloss.Color("238") // Dark gray
	ColorHighlight = lipgloss.Color("255") // White
)

// Base styles - building blocks for other styles
var (
	TextStyle = lipgloss.NewStyle().
			Foreground(ColorText)

	SubtleStyle = lipgloss.NewStyle().
			Foreground(ColorSubtle)

	MutedStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	SubheaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorText)

	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			Background(ColorMuted).
			Padding(0, 1)

	// Status styles
	SuccessStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	InfoStyle = lipgloss.NewStyle().
			Foreground(ColorInfo)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorSubtle).
			Padding(0, 2)

	LabelStyle = lipgloss.NewStyle().
			Foreground(ColorSubtle).
			Width(12)

	ValueStyle = lipgloss.NewStyle().
			Foreground(ColorHighlight)
)

// Table styles
var (
	TableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(ColorPrimary).
				Padding(0, 1)

	TableNameStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorInfo).
			Padding(0, 1)

	TableActiveStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(ColorSuccess).
				Padding(0, 1)

	TableRowStyle = lipgloss.NewStyle().
			Foreground(ColorText).
			Padding(0, 1)
)

// Icons and indicators (simple Unicode symbols)
var (
	IconSuccess = "✓"
	IconError   = "✗"
	IconWarning = "!"
	IconActive  = "●"
	IconIdle    = "○"
	IconArrow   = "→"
)

// FormatAppHeader renders a title badge followed by a subtle subtitle
func FormatAppHeader(title, subtitle string) string {
	header := TitleStyle.Render("WAYMIRROR " + title)
	if subtitle == "" {
		return header
	}
	return header + " " + SubtleStyle.Render(subtitle)
}

// FormatField renders an aligned label/value line
func FormatField(label, value string) string {
	return LabelStyle.Render(label) + ValueStyle.Render(value)
}

// FormatState renders a lifecycle state with its indicator
func FormatState(state string) string {
	switch state {
	case "running":
		return SuccessStyle.Render(IconActive + " " + state)
	case "starting", "stopping":
		return WarningStyle.Render(IconActive + " " + state)
	default:
		return MutedStyle.Render(IconIdle + " " + state)
	}
}

// FormatRoute renders "source → target, target"
func FormatRoute(source string, targets []string) string {
	return InfoStyle.Render(source) + " " + SubtleStyle.Render(IconArrow) + " " +
		TextStyle.Render(strings.Join(targets, ", "))
}

// CreateSeparator creates a horizontal line separator
func CreateSeparator(width int, char string) string {
	if width <= 0 {
		width = 50
	}
	if char == "" {
		char = "─"
	}
	return lipgloss.NewStyle().
		Foreground(ColorSubtle).
		Render(strings.Repeat(char, width))
}
