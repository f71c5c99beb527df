package render

import (
	"fmt"
	"strings"

	humanize "github.com/dustin/go-humanize"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/tree"

	"github.com/ALT-F4-LLC/crate/internal/model"
)

const progressBarWidth = 30

// RenderJob renders a full job detail view including metadata, progress,
// messages, warnings and errors.
func RenderJob(j *model.Job) string {
	if !ColorsEnabled() {
		return renderPlainJob(j)
	}

	sections := []string{renderHeader(j), renderMetadata(j)}

	if len(j.Messages) > 0 {
		sections = append(sections, renderList("Messages", j.Messages, lipgloss.Color("15")))
	}
	if len(j.Warnings) > 0 {
		sections = append(sections, renderList("Warnings", j.Warnings, lipgloss.Color("11")))
	}
	if len(j.Errors) > 0 {
		sections = append(sections, renderList("Errors", j.Errors, lipgloss.Color("9")))
	}

	return strings.Join(sections, "\n\n")
}

func renderHeader(j *model.Job) string {
	idStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	titleStyle := lipgloss.NewStyle().Bold(true)
	statusStyle := lipgloss.NewStyle().
		Foreground(ColorFromName(j.Status.Color())).
		Bold(true)

	return fmt.Sprintf("%s  %s\n%s",
		idStyle.Render(j.ID),
		titleStyle.Render(fmt.Sprintf("%s %s", j.Kind, j.Deliverable)),
		statusStyle.Render(statusLabel(j.Status)),
	)
}

func renderMetadata(j *model.Job) string {
	labelStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	barStyle := lipgloss.NewStyle().Foreground(ColorFromName(j.Status.Color()))

	var lines []string
	if j.Archive != "" {
		lines = append(lines, fmt.Sprintf("%s %s", labelStyle.Render("Archive:"), j.Archive))
	}
	lines = append(lines, fmt.Sprintf("%s %s %d/%d (%d%%)", labelStyle.Render("Progress:"),
		barStyle.Render(ProgressBar(j.Completed, j.Total, progressBarWidth)), j.Completed, j.Total, j.Percent()))
	lines = append(lines, fmt.Sprintf("%s %s", labelStyle.Render("Created:"), humanize.Time(j.CreatedAt)))
	lines = append(lines, fmt.Sprintf("%s %s", labelStyle.Render("Updated:"), humanize.Time(j.UpdatedAt)))

	return strings.Join(lines, "\n")
}

func renderList(title string, items []string, color lipgloss.Color) string {
	sectionStyle := lipgloss.NewStyle().Bold(true).Foreground(color)
	t := tree.New().Root(fmt.Sprintf("%s (%d)", sectionStyle.Render(title), len(items)))
	for _, item := range items {
		t.Child(item)
	}
	return t.String()
}

// ProgressBar renders completed out of total as a bar width cells wide.
func ProgressBar(completed, total, width int) string {
	if width < 1 {
		return ""
	}
	filled := 0
	if total > 0 {
		filled = min(completed*width/total, width)
	}
	// U+25B0 (filled) and U+25B1 (empty) may render as boxes on terminals
	// with limited Unicode support; the plain view uses # and -.
	if !ColorsEnabled() {
		return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
	}
	return strings.Repeat("▰", filled) + strings.Repeat("▱", width-filled)
}

func renderPlainJob(j *model.Job) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s  %s %s\n", j.ID, j.Kind, j.Deliverable)
	fmt.Fprintf(&b, "Status: %s\n", statusLabel(j.Status))
	if j.Archive != "" {
		fmt.Fprintf(&b, "Archive: %s\n", j.Archive)
	}
	fmt.Fprintf(&b, "Progress: %s %d/%d (%d%%)\n",
		ProgressBar(j.Completed, j.Total, progressBarWidth), j.Completed, j.Total, j.Percent())
	fmt.Fprintf(&b, "Created: %s\n", humanize.Time(j.CreatedAt))
	fmt.Fprintf(&b, "Updated: %s\n", humanize.Time(j.UpdatedAt))

	for _, section := range []struct {
		title string
		items []string
	}{
		{"Messages", j.Messages},
		{"Warnings", j.Warnings},
		{"Errors", j.Errors},
	} {
		if len(section.items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s (%d):\n", section.title, len(section.items))
		for _, item := range section.items {
			fmt.Fprintf(&b, "  - %s\n", item)
		}
	}

	return b.String()
}
