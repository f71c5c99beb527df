package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Kind identifies the unit being exported or imported.
type Kind string

const (
	KindProject      Kind = "project"
	KindProgram      Kind = "program"
	KindDependencies Kind = "dependencies"
)

var validKinds = []Kind{
	KindProject,
	KindProgram,
	KindDependencies,
}

// ValidateKind returns an error if k is not a recognized deliverable kind.
func ValidateKind(k Kind) error {
	for _, v := range validKinds {
		if k == v {
			return nil
		}
	}
	return fmt.Errorf("invalid kind %q: must be one of %v", k, validKinds)
}

// Mode selects how much of a deliverable an export carries.
type Mode string

const (
	// ModeFull is a complete operational export.
	ModeFull Mode = "full"
	// ModeTemplate is a reusable blueprint with personal and operational data stripped.
	ModeTemplate Mode = "template"
)

var validModes = []Mode{ModeFull, ModeTemplate}

// ValidateMode returns an error if m is not a recognized export mode.
func ValidateMode(m Mode) error {
	for _, v := range validModes {
		if m == v {
			return nil
		}
	}
	return fmt.Errorf("invalid mode %q: must be one of %v", m, validModes)
}

// identifierPattern matches identifiers that are safe to embed in table names.
var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateIdentifier returns an error if s cannot be used as a deliverable identifier.
func ValidateIdentifier(s string) error {
	if !identifierPattern.MatchString(s) {
		return fmt.Errorf("invalid identifier %q: must start with a lowercase letter and contain only a-z, 0-9 and _", s)
	}
	return nil
}

// NormalizeIdentifier derives a valid identifier from free text, e.g. a
// display name. The result always satisfies ValidateIdentifier.
func NormalizeIdentifier(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "_")
	if out == "" {
		return "project"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "p" + out
	}
	return out
}

// TableSet is the concrete set of per-deliverable table names.
type TableSet struct {
	Cards        string
	CardVersions string
}

const (
	cardsSuffix        = "_cards"
	cardVersionsSuffix = "_card_versions"
)

// LongestTableSuffix is the length of the longest suffix appended to an
// identifier to form a provisioned table name.
const LongestTableSuffix = len(cardVersionsSuffix)

// TableSetFor returns the provisioned table names for an identifier.
func TableSetFor(identifier string) TableSet {
	return TableSet{
		Cards:        identifier + cardsSuffix,
		CardVersions: identifier + cardVersionsSuffix,
	}
}

// Names returns the table names in creation order.
func (ts TableSet) Names() []string {
	return []string{ts.Cards, ts.CardVersions}
}

// Deliverable is a project or program stored in the instance.
type Deliverable struct {
	ID            int64
	Identifier    string
	Name          string
	Kind          Kind
	Template      bool
	SecretKey     string
	Description   string
	Icon          string
	CardNumberSeq int64
	Tables        TableSet
	SchemaVersion int
	CreatedAt     time.Time
}

// IsProject reports whether the deliverable owns provisioned card tables.
func (d *Deliverable) IsProject() bool {
	return d.Kind == KindProject
}

// FormatVersion is the archive format version this build writes. Older
// archives are upgraded on import; newer ones are rejected.
const FormatVersion = 4
