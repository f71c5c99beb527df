package render

import (
	"fmt"
	"strings"
	"unicode/utf8"

	humanize "github.com/dustin/go-humanize"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/importer"
	"github.com/ALT-F4-LLC/crate/internal/model"
)

const (
	maxDeliverableWidth = 24
	maxReasonWidth      = 60
	shortIDLength       = 8
)

// StyledText applies a lipgloss style to text when colors are enabled.
// When colors are disabled, it returns the plain text unchanged.
func StyledText(text string, style lipgloss.Style) string {
	if ColorsEnabled() {
		return style.Render(text)
	}
	return text
}

// ColorFromName maps model color name strings to lipgloss colors.
func ColorFromName(name string) lipgloss.Color {
	switch name {
	case "red":
		return lipgloss.Color("9")
	case "yellow":
		return lipgloss.Color("11")
	case "blue":
		return lipgloss.Color("12")
	case "green":
		return lipgloss.Color("10")
	case "magenta":
		return lipgloss.Color("13")
	case "gray":
		return lipgloss.Color("8")
	case "white":
		return lipgloss.Color("15")
	default:
		return lipgloss.Color("15")
	}
}

// truncate shortens a string to maxLen runes, appending an ellipsis if truncated.
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// ShortID returns the leading characters of a job id, enough to tell jobs
// apart in listings.
func ShortID(id string) string {
	if len(id) <= shortIDLength {
		return id
	}
	return id[:shortIDLength]
}

// statusLabel returns a status string with icon, e.g. "✔ completed successfully".
func statusLabel(s model.JobStatus) string {
	return s.Icon() + " " + s.Label()
}

// EmptyState renders a styled empty-state message with an optional contextual hint.
// When colors are enabled the message is rendered in dim gray and the hint is italic.
// When quiet is true the hint is suppressed.
func EmptyState(message, hint string, quiet bool) string {
	if !ColorsEnabled() {
		if quiet || hint == "" {
			return message
		}
		return message + "\n" + hint
	}

	dimStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	hintStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)

	result := dimStyle.Render(message)
	if !quiet && hint != "" {
		result += "\n" + hintStyle.Render(hint)
	}
	return result
}

func newTable(headers []string, rows [][]string, style func(row, col int, s lipgloss.Style) lipgloss.Style) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("8"))).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
			if row == table.HeaderRow {
				return s.Bold(true).Foreground(lipgloss.Color("15"))
			}
			if style == nil {
				return s
			}
			return style(row, col, s)
		}).
		Render()
}

// RenderJobTable renders a list of jobs as a formatted table.
func RenderJobTable(jobs []*model.Job) string {
	if len(jobs) == 0 {
		return EmptyState("No jobs found.", "Start one with: crate export <identifier>", false)
	}

	if !ColorsEnabled() {
		return renderPlainJobTable(jobs)
	}

	headers := []string{"ID", "Kind", "Status", "Deliverable", "Progress", "Warnings", "Updated"}
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, jobToRow(j))
	}

	return newTable(headers, rows, func(row, col int, s lipgloss.Style) lipgloss.Style {
		if row < 0 || row >= len(jobs) {
			return s
		}
		switch col {
		case 0: // ID
			return s.Foreground(lipgloss.Color("15"))
		case 2: // Status
			return s.Foreground(ColorFromName(jobs[row].Status.Color()))
		case 3: // Deliverable
			return s.Bold(true)
		case 5: // Warnings
			if len(jobs[row].Warnings) > 0 {
				return s.Foreground(lipgloss.Color("11"))
			}
			return s
		default:
			return s
		}
	})
}

func jobToRow(j *model.Job) []string {
	return []string{
		ShortID(j.ID),
		string(j.Kind),
		statusLabel(j.Status),
		truncate(j.Deliverable, maxDeliverableWidth),
		fmt.Sprintf("%d%%", j.Percent()),
		humanize.Comma(int64(len(j.Warnings))),
		humanize.Time(j.UpdatedAt),
	}
}

func renderPlainJobTable(jobs []*model.Job) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%-10s %-8s %-26s %-24s %-9s %-9s %s\n",
		"ID", "Kind", "Status", "Deliverable", "Progress", "Warnings", "Updated")
	fmt.Fprintf(&b, "%s\n", strings.Repeat("-", 110))

	for _, j := range jobs {
		row := jobToRow(j)
		fmt.Fprintf(&b, "%-10s %-8s %-26s %-24s %-9s %-9s %s\n",
			row[0], row[1], row[2], row[3], row[4], row[5], row[6])
	}

	return b.String()
}

// RenderPreview renders the outcome of previewing a dependency archive.
func RenderPreview(p *importer.Preview) string {
	if len(p.Importable) == 0 && len(p.Errors) == 0 {
		return EmptyState("The archive holds no dependencies.", "", false)
	}

	sections := make([]string, 0, 2)
	if len(p.Importable) > 0 {
		sections = append(sections, renderPreviewSection(
			fmt.Sprintf("Importable (%d)", len(p.Importable)), p.Importable, false))
	}
	if len(p.Errors) > 0 {
		sections = append(sections, renderPreviewSection(
			fmt.Sprintf("Will be skipped (%d)", len(p.Errors)), p.Errors, true))
	}
	return strings.Join(sections, "\n\n")
}

func renderPreviewSection(title string, entries []importer.PreviewEntry, withReason bool) string {
	headers := []string{"Dependency", "Raising project", "Card"}
	if withReason {
		headers = append(headers, "Reason")
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		card := "-"
		if e.RaisingCard > 0 {
			card = fmt.Sprintf("#%d", e.RaisingCard)
		}
		row := []string{truncate(e.Name, maxDeliverableWidth), e.RaisingProject, card}
		if withReason {
			row = append(row, truncate(e.Reason, maxReasonWidth))
		}
		rows = append(rows, row)
	}

	if !ColorsEnabled() {
		var b strings.Builder
		fmt.Fprintf(&b, "=== %s ===\n", title)
		for _, row := range rows {
			fmt.Fprintf(&b, "  %s\n", strings.Join(row, "  "))
		}
		return b.String()
	}

	color := lipgloss.Color("10")
	if withReason {
		color = lipgloss.Color("9")
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(color).Render(title)
	return header + "\n" + newTable(headers, rows, func(_, col int, s lipgloss.Style) lipgloss.Style {
		if col == 0 {
			return s.Bold(true)
		}
		if col == 3 {
			return s.Foreground(lipgloss.Color("8"))
		}
		return s
	})
}

// RenderPlugins renders the installed plugin registry.
func RenderPlugins(plugins []db.Plugin) string {
	if len(plugins) == 0 {
		return EmptyState("No plugins installed.", "Install one with: crate plugin install <name> <version>", false)
	}
	rows := make([][]string, 0, len(plugins))
	for _, p := range plugins {
		rows = append(rows, []string{p.Name, p.Version})
	}
	if !ColorsEnabled() {
		var b strings.Builder
		fmt.Fprintf(&b, "%-30s %s\n", "Name", "Version")
		for _, r := range rows {
			fmt.Fprintf(&b, "%-30s %s\n", r[0], r[1])
		}
		return b.String()
	}
	return newTable([]string{"Name", "Version"}, rows, nil)
}
