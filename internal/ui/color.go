package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	boldStyle = lipgloss.NewStyle().
			Bold(true)

	redStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	greenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	yellowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("220"))

	cyanStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("81"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	// boxStyle frames run summaries.
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("81")).
			Padding(0, 1)
)

var colorEnabled = true

func init() {
	if os.Getenv("NO_COLOR") != "" {
		colorEnabled = false
	}
}

// SetColor enables or disables styled output.
func SetColor(enabled bool) {
	colorEnabled = enabled
}

func render(style lipgloss.Style, s string) string {
	if !colorEnabled {
		return s
	}
	return style.Render(s)
}

func Boldf(format string, a ...any) string {
	return render(boldStyle, fmt.Sprintf(format, a...))
}

func Redf(format string, a ...any) string {
	return render(redStyle, fmt.Sprintf(format, a...))
}

func Greenf(format string, a ...any) string {
	return render(greenStyle, fmt.Sprintf(format, a...))
}

func Yellowf(format string, a ...any) string {
	return render(yellowStyle, fmt.Sprintf(format, a...))
}

func Cyanf(format string, a ...any) string {
	return render(cyanStyle, fmt.Sprintf(format, a...))
}

func Dimf(format string, a ...any) string {
	return render(dimStyle, fmt.Sprintf(format, a...))
}

// Tokens formats a token count with thousands separators.
func Tokens(n int) string {
	return humanize.Comma(int64(n))
}

// CostColor returns a dollar amount, green when something was saved.
func CostColor(cost float64) string {
	s := fmt.Sprintf("$%.4f", cost)
	if cost > 0 {
		return render(greenStyle, s)
	}
	return render(dimStyle, s)
}

// RatioColor returns a compression ratio such as "3.10x", colored by how
// much it shrank the input.
func RatioColor(ratio float64) string {
	s := fmt.Sprintf("%.2fx", ratio)
	switch {
	case ratio >= 2:
		return render(greenStyle, s)
	case ratio > 1:
		return render(yellowStyle, s)
	default:
		return render(dimStyle, s)
	}
}

// Box writes content framed by a rounded border. Without color it writes
// the content unframed.
func Box(w io.Writer, content string) {
	if !colorEnabled {
		fmt.Fprintln(w, content)
		return
	}
	fmt.Fprintln(w, boxStyle.Render(content))
}
