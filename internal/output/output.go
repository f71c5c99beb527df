package output

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/ALT-F4-LLC/crate/internal/render"
)

// Writer routes command output. Results go to Stdout, either as a JSON
// envelope or as rendered text; diagnostics go to Stderr and are dropped
// in JSON mode.
type Writer struct {
	JSONMode  bool
	QuietMode bool
	Stdout    io.Writer
	Stderr    io.Writer
}

// New returns a Writer on the process streams.
func New(jsonMode, quietMode bool) *Writer {
	return &Writer{
		JSONMode:  jsonMode,
		QuietMode: quietMode,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}
}

// Success reports a result. data is what JSON consumers receive; message is
// the rendered text for a terminal.
func (w *Writer) Success(data any, message string) {
	if w.JSONMode {
		writeJSONSuccess(w.Stdout, data, message)
		return
	}
	writeHumanSuccess(w.Stdout, message)
}

// Error reports err and returns the process exit code for code. Pipeline
// errors keep their structured detail in both modes.
func (w *Writer) Error(err error, code ErrorCode) int {
	if w.JSONMode {
		writeJSONError(w.Stdout, err, code)
	} else {
		writeHumanError(w.Stderr, err)
	}
	return ExitCodeForError(code)
}

// Info writes a progress note. Quiet and JSON modes drop it.
func (w *Writer) Info(format string, args ...any) {
	if w.QuietMode || w.JSONMode {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if !render.ColorsEnabled() {
		fmt.Fprintln(w.Stderr, msg)
		return
	}
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	fmt.Fprintf(w.Stderr, "%s %s\n", dim.Render("ℹ"), dim.Render(msg))
}

// Warn writes a single warning. Quiet mode still shows it.
func (w *Writer) Warn(format string, args ...any) {
	if w.JSONMode {
		return
	}
	fmt.Fprintf(w.Stderr, "%s %s\n", warnLabel(), fmt.Sprintf(format, args...))
}

// Warnings writes the warnings collected by a job under one heading. In
// JSON mode they travel inside the job record instead.
func (w *Writer) Warnings(msgs []string) {
	if w.JSONMode || len(msgs) == 0 {
		return
	}
	if len(msgs) == 1 {
		w.Warn("%s", msgs[0])
		return
	}
	fmt.Fprintf(w.Stderr, "%s %d warnings\n", warnLabel(), len(msgs))
	for _, m := range msgs {
		fmt.Fprintf(w.Stderr, "  - %s\n", m)
	}
}

func warnLabel() string {
	if !render.ColorsEnabled() {
		return "Warning:"
	}
	style := lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	return style.Render("⚠") + " " + style.Render("Warning:")
}
