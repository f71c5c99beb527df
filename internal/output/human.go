package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/render"
)

// writeHumanSuccess prints message. One-line messages get a check mark;
// rendered blocks such as tables and job views are printed untouched.
func writeHumanSuccess(w io.Writer, message string) {
	if message == "" {
		return
	}
	if strings.Contains(message, "\n") || !render.ColorsEnabled() {
		fmt.Fprintln(w, message)
		return
	}
	icon := lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Render("✔")
	fmt.Fprintf(w, "%s %s\n", icon, message)
}

// writeHumanError prints err, followed by the suggested fix when a pipeline
// error in the chain carries one.
func writeHumanError(w io.Writer, err error) {
	label := "Error:"
	if render.ColorsEnabled() {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
		label = style.Render("✘") + " " + style.Render("Error:")
	}
	fmt.Fprintf(w, "%s %s\n", label, err)

	if e, ok := errs.As(err); ok && e.Fix != "" {
		fix := "Fix: " + e.Fix
		if render.ColorsEnabled() {
			fix = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(fix)
		}
		fmt.Fprintf(w, "  %s\n", fix)
	}
}
