package render

import (
	"strings"
	"testing"

	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/importer"
	"github.com/ALT-F4-LLC/crate/internal/model"
)

func TestRenderJobTableEmpty(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	got := RenderJobTable(nil)
	want := "No jobs found.\nStart one with: crate export <identifier>"
	if got != want {
		t.Errorf("RenderJobTable(nil) = %q, want %q", got, want)
	}
}

func TestRenderPlainJobTable(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	failed := makeJob("0123456789abcdef", model.JobImport, model.JobCompletedFailed, "alpha", 2, 8)
	failed.Warnings = []string{"a", "b"}
	jobs := []*model.Job{
		makeJob("fedcba9876543210", model.JobExport, model.JobCompletedSuccessful, "beta", 4, 4),
		failed,
	}

	got := RenderJobTable(jobs)
	for _, want := range []string{"01234567", "fedcba98", "✘ completed failed", "✔ completed successfully", "25%", "100%"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in output, got:\n%s", want, got)
		}
	}
	if strings.Contains(got, "0123456789abcdef") {
		t.Errorf("expected job ids to be shortened, got:\n%s", got)
	}
}

func TestRenderPreview(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	got := RenderPreview(&importer.Preview{
		Importable: []importer.PreviewEntry{{Name: "Needs API", RaisingProject: "alpha", RaisingCard: 1}},
		Errors:     []importer.PreviewEntry{{Name: "Orphan", RaisingProject: "alpha", Reason: "its raising card no longer exists"}},
	})
	for _, want := range []string{
		"=== Importable (1) ===",
		"Needs API  alpha  #1",
		"=== Will be skipped (1) ===",
		"Orphan  alpha  -  its raising card no longer exists",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in output, got:\n%s", want, got)
		}
	}

	empty := RenderPreview(&importer.Preview{})
	if empty != "The archive holds no dependencies." {
		t.Errorf("RenderPreview(empty) = %q", empty)
	}
}

func TestRenderPlugins(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	got := RenderPlugins([]db.Plugin{{ID: 1, Name: "boards", Version: "1.2.0"}})
	if !strings.Contains(got, "boards") || !strings.Contains(got, "1.2.0") {
		t.Errorf("expected plugin in output, got:\n%s", got)
	}
	if got := RenderPlugins(nil); !strings.HasPrefix(got, "No plugins installed.") {
		t.Errorf("RenderPlugins(nil) = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"été été été", 6, "été..."},
		{"abcdef", 3, "abc"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestRenderPlainJob(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	j := makeJob("job-1", model.JobImport, model.JobCompletedSuccessful, "alpha_1", 5, 10)
	j.Archive = "/tmp/alpha.zip"
	j.Messages = []string{"Imported project alpha_1"}
	j.Warnings = []string{`cards row 2 skipped: field cp_status value "Closed" is not an allowed value of Status`}

	got := RenderJob(j)
	for _, want := range []string{
		"job-1  import alpha_1",
		"Status: ✔ completed successfully",
		"Archive: /tmp/alpha.zip",
		"Progress: [###############---------------] 5/10 (50%)",
		"Messages (1):\n  - Imported project alpha_1",
		"Warnings (1):",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in output, got:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Errors") {
		t.Errorf("expected no errors section, got:\n%s", got)
	}
}

func TestJobReport(t *testing.T) {
	j := makeJob("job-2", model.JobExport, model.JobCompletedFailed, "alpha", 1, 4)
	j.Errors = []string{"Deliverable foo_bar not found"}

	got := JobReport(j)
	for _, want := range []string{
		"# Export alpha\n",
		"| Job | `job-2` |",
		"| Status | ✘ completed failed |",
		"| Progress | 1/4 (25%) |",
		"| Took | 1 minute |",
		"## Errors (1)\n\n- Deliverable foo\\_bar not found\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in report, got:\n%s", want, got)
		}
	}
	if strings.Contains(got, "## Messages") {
		t.Errorf("expected no messages section, got:\n%s", got)
	}
}
