// Package cliui renders CLI output for human operators through small
// lipgloss-backed helpers, matching the ui.RenderAccent/RenderPass/
// RenderWarn convention the teacher's own command tree calls into.
package cliui

import (
	"fmt"
	"os"

	catppuccin "github.com/catppuccin/go"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	accentStyle lipgloss.Style
	passStyle   lipgloss.Style
	warnStyle   lipgloss.Style
	errorStyle  lipgloss.Style
)

func init() {
	flavor := catppuccin.Mocha
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#" + flavor.Mauve().Hex))
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#" + flavor.Green().Hex)).Bold(true)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#" + flavor.Yellow().Hex)).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#" + flavor.Red().Hex)).Bold(true)

	if !colorSupported() {
		accentStyle = lipgloss.NewStyle()
		passStyle = lipgloss.NewStyle()
		warnStyle = lipgloss.NewStyle()
		errorStyle = lipgloss.NewStyle()
	}
}

// colorSupported reports whether stdout's color profile can render
// anything beyond plain ASCII, so piped or redirected output degrades
// to unstyled text instead of raw escape codes.
func colorSupported() bool {
	return termenv.NewOutput(os.Stdout).Profile != termenv.Ascii
}

// RenderAccent styles s as an informational highlight.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass styles s as a success indicator.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles s as a warning indicator.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderError styles s as an error indicator.
func RenderError(s string) string { return errorStyle.Render(s) }

// Accentf is RenderAccent over a format string, for the common
// "%s <formatted message>" call sites in the command tree.
func Accentf(format string, args ...any) string { return RenderAccent(fmt.Sprintf(format, args...)) }
