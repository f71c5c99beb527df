package render

import (
	"fmt"
	"os"
	"strings"

	humanize "github.com/dustin/go-humanize"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/ALT-F4-LLC/crate/internal/model"
)

const (
	maxCardsPerColumn = 10
	minColumnWidth    = 24
	defaultTermWidth  = 100
	cardPadding       = 2 // left+right padding inside cards
)

// StatusOrder defines the left-to-right column order for the board.
var StatusOrder = []model.JobStatus{
	model.JobQueued,
	model.JobProcessing,
	model.JobCompletedSuccessful,
	model.JobCompletedFailed,
}

// RenderBoard renders jobs as a board with one column per status.
func RenderBoard(jobs []*model.Job) string {
	if len(jobs) == 0 {
		return EmptyState("No jobs on the board.", "Start one with: crate export <identifier>", false)
	}

	if !ColorsEnabled() {
		return renderPlainBoard(jobs)
	}

	return renderColorBoard(jobs)
}

// terminalWidth returns the current terminal width, falling back to a default.
func terminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return defaultTermWidth
	}
	return w
}

// groupByStatus groups jobs into a map keyed by status.
func groupByStatus(jobs []*model.Job) map[model.JobStatus][]*model.Job {
	groups := make(map[model.JobStatus][]*model.Job)
	for _, j := range jobs {
		groups[j.Status] = append(groups[j.Status], j)
	}
	return groups
}

func activeStatuses(groups map[model.JobStatus][]*model.Job) []model.JobStatus {
	var active []model.JobStatus
	for _, s := range StatusOrder {
		if len(groups[s]) > 0 {
			active = append(active, s)
		}
	}
	return active
}

func renderColorBoard(jobs []*model.Job) string {
	groups := groupByStatus(jobs)
	active := activeStatuses(groups)
	if len(active) == 0 {
		return ""
	}

	tw := terminalWidth()
	// Account for gaps between columns (1 space each).
	gaps := len(active) - 1
	colWidth := max((tw-gaps)/len(active), minColumnWidth)

	// Inner width available for card content (minus border/padding).
	cardContentWidth := max(colWidth-cardPadding-2, 5) // 2 for left+right border chars

	columns := make([]string, 0, len(active))
	for _, status := range active {
		columns = append(columns, renderColorColumn(status, groups[status], colWidth, cardContentWidth))
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, columns...)
}

func renderColorColumn(status model.JobStatus, jobs []*model.Job, colWidth, contentWidth int) string {
	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorFromName(status.Color())).
		Width(colWidth).
		Align(lipgloss.Center)

	header := headerStyle.Render(fmt.Sprintf("%s %s (%d)", status.Icon(), strings.ToUpper(status.Label()), len(jobs)))

	visible := jobs
	overflow := 0
	if len(jobs) > maxCardsPerColumn {
		visible = jobs[:maxCardsPerColumn]
		overflow = len(jobs) - maxCardsPerColumn
	}

	cards := make([]string, 0, len(visible)+2) // +2 for header and possible overflow
	cards = append(cards, header)
	for _, j := range visible {
		cards = append(cards, renderColorCard(j, colWidth, contentWidth))
	}

	if overflow > 0 {
		moreStyle := lipgloss.NewStyle().
			Width(colWidth).
			Align(lipgloss.Center).
			Foreground(lipgloss.Color("8"))
		cards = append(cards, moreStyle.Render(fmt.Sprintf("+%d more", overflow)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, cards...)
}

func renderColorCard(j *model.Job, colWidth, contentWidth int) string {
	contentWidth = max(contentWidth, 5)

	kind := lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Render(string(j.Kind))
	line1 := fmt.Sprintf("%s %s", kind, ShortID(j.ID))
	line2 := truncate(j.Deliverable, contentWidth)
	line3 := cardProgress(j, contentWidth)

	lines := []string{line1, line2, line3}
	if n := len(j.Warnings); n > 0 {
		lines = append(lines, lipgloss.NewStyle().Foreground(lipgloss.Color("11")).
			Render(fmt.Sprintf("%d warning%s", n, plural(n))))
	}
	lines = append(lines, lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(humanize.Time(j.UpdatedAt)))

	cardStyle := lipgloss.NewStyle().
		Width(colWidth - 2). // account for outer spacing
		Padding(0, 1).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorFromName(j.Status.Color()))

	return cardStyle.Render(strings.Join(lines, "\n"))
}

// cardProgress renders a bar like "▰▰▰▱▱ 60%" that fits maxWidth.
func cardProgress(j *model.Job, maxWidth int) string {
	suffix := fmt.Sprintf(" %d%%", j.Percent())
	barWidth := maxWidth - len(suffix)
	if barWidth < 1 {
		return strings.TrimSpace(suffix)
	}
	return ProgressBar(j.Completed, j.Total, barWidth) + suffix
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// --- Plain text fallback ---

func renderPlainBoard(jobs []*model.Job) string {
	groups := groupByStatus(jobs)
	active := activeStatuses(groups)
	if len(active) == 0 {
		return ""
	}

	var b strings.Builder
	for i, status := range active {
		if i > 0 {
			b.WriteString("\n")
		}

		inCol := groups[status]
		fmt.Fprintf(&b, "=== %s %s (%d) ===\n", status.Icon(), strings.ToUpper(status.Label()), len(inCol))

		visible := inCol
		overflow := 0
		if len(inCol) > maxCardsPerColumn {
			visible = inCol[:maxCardsPerColumn]
			overflow = len(inCol) - maxCardsPerColumn
		}

		for _, j := range visible {
			renderPlainCard(&b, j)
		}

		if overflow > 0 {
			fmt.Fprintf(&b, "  +%d more\n", overflow)
		}
	}

	return b.String()
}

func renderPlainCard(b *strings.Builder, j *model.Job) {
	fmt.Fprintf(b, "  %s [%s] %s\n", ShortID(j.ID), j.Kind, truncate(j.Deliverable, maxDeliverableWidth))
	fmt.Fprintf(b, "  %d/%d (%d%%)\n", j.Completed, j.Total, j.Percent())
	if n := len(j.Warnings); n > 0 {
		fmt.Fprintf(b, "  %d warning%s\n", n, plural(n))
	}
	b.WriteString("\n")
}
