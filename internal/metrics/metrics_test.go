package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCounters(t *testing.T) {
	m := New()
	m.JobStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.running))

	m.JobFinished("import", "completed_failed", 2*time.Second)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.running))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("import", "completed_failed")))

	m.Rows("import", "pages", 3)
	m.Rows("import", "pages", 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.rows.WithLabelValues("import", "pages")))

	m.Skipped("attachings", "orphaned")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skipped.WithLabelValues("attachings", "orphaned")))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.Rows("export", "users", 2)

	path := filepath.Join(t.TempDir(), "crate.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `crate_rows_processed_total{kind="export",table="users"} 2`)
}
