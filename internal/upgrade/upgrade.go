// Package upgrade converts the tables of archives written in older formats
// into the current format before they are imported.
package upgrade

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/model"
	"github.com/ALT-F4-LLC/crate/internal/tablefile"
)

// Tables only older formats carry. The importer loads them so the steps
// below can fold them into their replacements.
const (
	cardAttachments = "card_attachments"
	cardSnapshot    = "cards"
)

// LegacyTables lists the tables that exist only in older formats.
var LegacyTables = []string{cardAttachments, cardSnapshot}

// SchemaTable records the format version an archive was written in.
const SchemaTable = "schema_migrations"

// steps is a list of upgrade functions keyed by the version they upgrade TO.
// For example, steps[2] upgrades from version 1 to version 2. Each one must
// be a no-op on tables already in its target shape and must keep every row
// it is given.
var steps = map[int]func(set tablefile.Set) error{
	2: collapseCardAttachments,
	3: backfillObjectives,
	4: cardIDsToNumbers,
}

// DetectVersion returns the highest version recorded in the archive's
// schema_migrations table.
func DetectVersion(set tablefile.Set) (int, error) {
	rows, ok := set[SchemaTable]
	if !ok {
		return 0, errs.InvalidArchive("the archive records no schema version", nil)
	}
	max := 0
	for _, r := range rows {
		v, err := strconv.Atoi(r.String("version"))
		if err != nil {
			return 0, errs.InvalidArchive(fmt.Sprintf("schema version %q is not a number", r.String("version")), nil)
		}
		if v > max {
			max = v
		}
	}
	if max == 0 {
		return 0, errs.InvalidArchive("the archive records no schema version", nil)
	}
	return max, nil
}

// Upgrade applies every step after from, in order, and stamps the set with
// the current version. It returns the version the set is now in.
func Upgrade(set tablefile.Set, from int) (int, error) {
	if from < 1 || from > model.FormatVersion {
		return 0, errs.UnsupportedVersion(from, model.FormatVersion)
	}
	for v := from + 1; v <= model.FormatVersion; v++ {
		step, ok := steps[v]
		if !ok {
			return 0, errs.Internal(fmt.Sprintf("missing upgrade step %d", v), nil)
		}
		if err := step(set); err != nil {
			return 0, errs.InvalidArchive(fmt.Sprintf("upgrading to format %d failed", v), err)
		}
		slog.Debug("upgraded archive tables", "to", v)
	}
	versions := make([]model.Row, 0, model.FormatVersion)
	for v := 1; v <= model.FormatVersion; v++ {
		versions = append(versions, model.NewRow("version", strconv.Itoa(v)))
	}
	set[SchemaTable] = versions
	return model.FormatVersion, nil
}

func maxID(rows []model.Row) int64 {
	var max int64
	for _, r := range rows {
		if id, ok := r.Int("id"); ok && id > max {
			max = id
		}
	}
	return max
}

// collapseCardAttachments turns card_attachments(card_id, attachment_id)
// into polymorphic attachings rows.
func collapseCardAttachments(set tablefile.Set) error {
	legacy, ok := set[cardAttachments]
	if !ok {
		return nil
	}
	owner := make(map[string]string)
	for _, a := range set["attachments"] {
		owner[a.String("id")] = a.String("deliverable_id")
	}
	var fallback string
	if ds := set["deliverables"]; len(ds) > 0 {
		fallback = ds[0].String("id")
	}

	attachings := set["attachings"]
	next := maxID(attachings)
	for i, ca := range legacy {
		attachmentID, ok1 := ca.Get("attachment_id")
		cardID, ok2 := ca.Get("card_id")
		if !ok1 || !ok2 {
			return fmt.Errorf("%s row %d lacks card_id or attachment_id", cardAttachments, i+1)
		}
		deliverableID, ok := owner[attachmentID]
		if !ok || deliverableID == "" {
			deliverableID = fallback
		}
		next++
		r := model.NewRow(
			"deliverable_id", deliverableID,
			"attachment_id", attachmentID,
			"attachable_id", cardID,
			"attachable_type", "Card",
		)
		r.SetInt("id", next)
		attachings = append(attachings, r)
	}
	set["attachings"] = attachings
	delete(set, cardAttachments)
	return nil
}

// backfillObjectives gives objectives without a status the backlog status
// and numbers objectives that have none, per program, after the highest
// existing number, in position then id order.
func backfillObjectives(set tablefile.Set) error {
	objectives, ok := set["objectives"]
	if !ok {
		return nil
	}
	highest := make(map[string]int64)
	var unnumbered []model.Row
	for _, o := range objectives {
		if o.String("status") == "" {
			o.Set("status", string(model.ObjectiveBacklog))
		}
		program := o.String("program_id")
		if n, ok := o.Int("number"); ok {
			if n > highest[program] {
				highest[program] = n
			}
			continue
		}
		unnumbered = append(unnumbered, o)
	}
	sort.SliceStable(unnumbered, func(i, j int) bool {
		a, b := unnumbered[i], unnumbered[j]
		if a.String("program_id") != b.String("program_id") {
			return a.String("program_id") < b.String("program_id")
		}
		pa, _ := a.Int("position")
		pb, _ := b.Int("position")
		if pa != pb {
			return pa < pb
		}
		ia, _ := a.Int("id")
		ib, _ := b.Int("id")
		return ia < ib
	})
	for _, o := range unnumbered {
		program := o.String("program_id")
		highest[program]++
		o.SetInt("number", highest[program])
	}
	return nil
}

// cardIDsToNumbers rewrites raw card ids into card numbers using the legacy
// cards(id, project_id, number) snapshot. Ids missing from the snapshot
// become null numbers; the importer decides what a missing card means.
func cardIDsToNumbers(set tablefile.Set) error {
	numbers := make(map[string]string)
	for _, c := range set[cardSnapshot] {
		numbers[c.String("id")] = c.String("number")
	}
	convert := func(table, from, to string) {
		for _, r := range set[table] {
			if _, present := r[from]; !present {
				continue
			}
			if n, ok := numbers[r.String(from)]; ok && n != "" {
				r.Set(to, n)
			} else if _, has := r.Get(to); !has {
				r.SetNull(to)
			}
			delete(r, from)
		}
	}
	convert("works", "card_id", "card_number")
	convert("dependencies", "raising_card_id", "raising_card_number")
	convert("dependency_resolving_cards", "card_id", "card_number")
	delete(set, cardSnapshot)
	return nil
}
