package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/model"
)

func openDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, db.Initialize(context.Background(), d))
	return d
}

func TestSatisfies(t *testing.T) {
	tests := []struct {
		installed, min string
		want           bool
	}{
		{"1.2.0", "1.2.0", true},
		{"1.10.0", "1.9.3", true},
		{"v2.0.0", "1.0.0", true},
		{"1.2.0", "1.3", false},
		{"garbage", "1.0.0", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Satisfies(tt.installed, tt.min), "Satisfies(%q, %q)", tt.installed, tt.min)
	}
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	d := openDB(t)
	require.NoError(t, db.InstallPlugin(ctx, d, "reports", "1.4.0"))

	reqs := Requirements([]model.Row{model.NewRow("name", "reports", "version", "1.2.0")})
	assert.NoError(t, Check(ctx, d, reqs, false))

	err := Check(ctx, d, []model.PluginRequirement{{Name: "reports", MinVersion: "2.0.0"}}, false)
	assert.True(t, errors.Is(err, &errs.Error{Code: errs.CodePluginOutdated}), "err = %v", err)

	err = Check(ctx, d, []model.PluginRequirement{{Name: "burnup", MinVersion: "1.0.0"}}, false)
	assert.True(t, errors.Is(err, &errs.Error{Code: errs.CodePluginMissing}), "err = %v", err)
	assert.Contains(t, err.Error(), "burnup")

	// templates skip the check entirely
	assert.NoError(t, Check(ctx, d, []model.PluginRequirement{{Name: "burnup", MinVersion: "1.0.0"}}, true))
}

func TestValidateVersion(t *testing.T) {
	assert.NoError(t, ValidateVersion("1.0.0"))
	assert.NoError(t, ValidateVersion("v3.1"))
	assert.Error(t, ValidateVersion("latest"))
}
