package render

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	humanize "github.com/dustin/go-humanize"

	"github.com/ALT-F4-LLC/crate/internal/model"
)

// ColorsEnabled returns whether terminal colors should be used.
// It returns false if the NO_COLOR environment variable is set (any value)
// or if TERM is set to "dumb".
func ColorsEnabled() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	return true
}

// RenderMarkdown renders markdown text for terminal display.
// When colors are disabled, it returns the content unmodified.
func RenderMarkdown(content string) (string, error) {
	if content == "" {
		return "", nil
	}

	if !ColorsEnabled() {
		return content, nil
	}

	rendered, err := glamour.RenderWithEnvironmentConfig(content)
	if err != nil {
		return content, err
	}

	return strings.TrimSpace(rendered), nil
}

// JobReport returns a Markdown report of a job, suitable for pasting into
// a ticket or rendering with RenderMarkdown.
func JobReport(j *model.Job) string {
	var b strings.Builder

	title := j.Deliverable
	if title == "" {
		title = j.Archive
	}
	fmt.Fprintf(&b, "# %s %s\n\n", capitalize(string(j.Kind)), title)

	b.WriteString("| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Job | `%s` |\n", j.ID)
	fmt.Fprintf(&b, "| Status | %s %s |\n", j.Status.Icon(), j.Status.Label())
	fmt.Fprintf(&b, "| Progress | %d/%d (%d%%) |\n", j.Completed, j.Total, j.Percent())
	if j.Archive != "" {
		fmt.Fprintf(&b, "| Archive | `%s` |\n", j.Archive)
	}
	fmt.Fprintf(&b, "| Started | %s |\n", j.CreatedAt.UTC().Format(time.RFC3339))
	if j.Status.Terminal() {
		fmt.Fprintf(&b, "| Took | %s |\n", strings.TrimSpace(humanize.RelTime(j.CreatedAt, j.UpdatedAt, "", "")))
	}

	writeSection(&b, "Messages", j.Messages)
	writeSection(&b, "Warnings", j.Warnings)
	writeSection(&b, "Errors", j.Errors)
	return b.String()
}

func writeSection(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s (%d)\n\n", title, len(items))
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", escapeMarkdown(item))
	}
}

// escapeMarkdown neutralizes characters that would turn a message into
// markup. Messages quote user data such as card names and field values.
func escapeMarkdown(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		"*", `\*`,
		"_", `\_`,
		"`", "\\`",
		"#", `\#`,
		"|", `\|`,
		"[", `\[`,
		"]", `\]`,
		"<", `\<`,
		">", `\>`,
	)
	return r.Replace(s)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
