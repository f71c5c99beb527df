// Package plugin checks the plugin schemas an archive requires against the
// plugins installed in the destination.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/model"
)

// canonical returns v in the "vMAJOR.MINOR.PATCH" form semver compares.
func canonical(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// ValidateVersion returns an error if v is not a semantic version.
func ValidateVersion(v string) error {
	if canonical(v) == "" {
		return fmt.Errorf("invalid plugin version %q: must be a semantic version such as 1.2.0", v)
	}
	return nil
}

// Satisfies reports whether installed is at least min.
func Satisfies(installed, min string) bool {
	a, b := canonical(installed), canonical(min)
	if a == "" || b == "" {
		return false
	}
	return semver.Compare(a, b) >= 0
}

// Requirements reads requirements from the rows of an archive's plugins
// table, sorted by name.
func Requirements(rows []model.Row) []model.PluginRequirement {
	reqs := make([]model.PluginRequirement, 0, len(rows))
	for _, r := range rows {
		reqs = append(reqs, model.PluginRequirement{Name: r.String("name"), MinVersion: r.String("version")})
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].Name < reqs[j].Name })
	return reqs
}

// Check verifies that every requirement is installed at a sufficient
// version. Templates carry no plugin data and are never checked.
func Check(ctx context.Context, ex db.Execer, reqs []model.PluginRequirement, template bool) error {
	if template || len(reqs) == 0 {
		return nil
	}
	installed, err := db.ListPlugins(ctx, ex)
	if err != nil {
		return errs.Internal("reading installed plugins", err)
	}
	versions := make(map[string]string, len(installed))
	for _, p := range installed {
		versions[p.Name] = p.Version
	}
	for _, req := range reqs {
		have, ok := versions[req.Name]
		if !ok {
			return errs.PluginMissing(req.Name, req.MinVersion)
		}
		if !Satisfies(have, req.MinVersion) {
			return errs.PluginOutdated(req.Name, have, req.MinVersion)
		}
	}
	return nil
}
