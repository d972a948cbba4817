package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	primaryColor = lipgloss.Color("#A78BFA") // Purple
	successColor = lipgloss.Color("#10B981") // Green
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#F87171") // Red
	mutedColor   = lipgloss.Color("#9CA3AF") // Gray

	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	labelStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	successStyle = lipgloss.NewStyle().Foreground(successColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(errorColor)
)

// printer writes command output, styled only when it goes to a terminal.
type printer struct {
	w      io.Writer
	styled bool
}

func newPrinter(cmd *cobra.Command) *printer {
	w := cmd.OutOrStdout()
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = term.IsTerminal(int(f.Fd()))
	}
	return &printer{w: w, styled: styled}
}

func (p *printer) render(style lipgloss.Style, s string) string {
	if !p.styled {
		return s
	}
	return style.Render(s)
}

func (p *printer) Header(title string) {
	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, p.render(headerStyle, strings.ToUpper(title)))
	fmt.Fprintln(p.w, strings.Repeat("─", 50))
}

func (p *printer) Field(label string, value any) {
	fmt.Fprintf(p.w, "%s %v\n", p.render(labelStyle, fmt.Sprintf("%-18s", label+":")), value)
}

func (p *printer) Line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(successStyle, "✓ "+fmt.Sprintf(format, args...)))
}

func (p *printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(warningStyle, "! "+fmt.Sprintf(format, args...)))
}

func (p *printer) Fail(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(errorStyle, "✗ "+fmt.Sprintf(format, args...)))
}

// Status renders a pipeline or stage status in its color.
func (p *printer) Status(status string) string {
	switch status {
	case "completed", "cached":
		return p.render(successStyle, status)
	case "failed":
		return p.render(errorStyle, status)
	case "running", "retrying":
		return p.render(warningStyle, status)
	default:
		return p.render(labelStyle, status)
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.String()
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
