package upgrade

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/model"
	"github.com/ALT-F4-LLC/crate/internal/tablefile"
)

func versions(vs ...string) []model.Row {
	rows := make([]model.Row, len(vs))
	for i, v := range vs {
		rows[i] = model.NewRow("version", v)
	}
	return rows
}

func v1Program() tablefile.Set {
	o1 := model.NewRow("id", "10", "program_id", "1", "name", "Launch", "position", "2")
	o2 := model.NewRow("id", "11", "program_id", "1", "name", "Beta", "position", "1")
	o3 := model.NewRow("id", "12", "program_id", "1", "name", "GA", "number", "4", "status", "planned")
	return tablefile.Set{
		SchemaTable:     versions("1"),
		"deliverables":  {model.NewRow("id", "1", "identifier", "roadmap", "kind", "program")},
		"objectives":    {o1, o2, o3},
		"works":         {model.NewRow("id", "5", "objective_id", "10", "project_id", "7", "card_id", "300")},
		cardSnapshot:    {model.NewRow("id", "300", "project_id", "7", "number", "42")},
		"attachments":   {model.NewRow("id", "9", "deliverable_id", "7", "file", "a.txt")},
		cardAttachments: {model.NewRow("card_id", "300", "attachment_id", "9")},
	}
}

func TestDetectVersion(t *testing.T) {
	v, err := DetectVersion(tablefile.Set{SchemaTable: versions("1", "3", "2")})
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	_, err = DetectVersion(tablefile.Set{})
	assert.True(t, errors.Is(err, &errs.Error{Code: errs.CodeInvalidArchive}))

	_, err = DetectVersion(tablefile.Set{SchemaTable: versions("x")})
	assert.Error(t, err)
}

func TestUpgradeFromV1(t *testing.T) {
	set := v1Program()
	v, err := Upgrade(set, 1)
	require.NoError(t, err)
	assert.Equal(t, model.FormatVersion, v)

	got, err := DetectVersion(set)
	require.NoError(t, err)
	assert.Equal(t, model.FormatVersion, got)

	assert.False(t, set.Has(cardAttachments), "card_attachments should be folded away")
	assert.False(t, set.Has(cardSnapshot), "card snapshot should be dropped")

	require.Len(t, set["attachings"], 1)
	a := set["attachings"][0]
	assert.Equal(t, "Card", a.String("attachable_type"))
	assert.Equal(t, "300", a.String("attachable_id"))
	assert.Equal(t, "7", a.String("deliverable_id"))

	objectives := set["objectives"]
	require.Len(t, objectives, 3, "no objective may be dropped")
	byID := map[string]model.Row{}
	for _, o := range objectives {
		byID[o.String("id")] = o
	}
	assert.Equal(t, "backlog", byID["10"].String("status"))
	assert.Equal(t, "backlog", byID["11"].String("status"))
	assert.Equal(t, "planned", byID["12"].String("status"))
	// Beta is positioned first, so it is numbered first, above the highest existing number.
	assert.Equal(t, "5", byID["11"].String("number"))
	assert.Equal(t, "6", byID["10"].String("number"))
	assert.Equal(t, "4", byID["12"].String("number"))

	w := set["works"][0]
	assert.Equal(t, "42", w.String("card_number"))
	_, hasCardID := w["card_id"]
	assert.False(t, hasCardID)
}

func TestUpgradeMissingCardBecomesNullNumber(t *testing.T) {
	set := tablefile.Set{SchemaTable: versions("3")}
	set["dependencies"] = []model.Row{model.NewRow("id", "1", "raising_card_id", "77")}
	set["dependency_resolving_cards"] = []model.Row{model.NewRow("id", "2", "dependency_id", "1", "card_id", "78")}
	set[cardSnapshot] = []model.Row{model.NewRow("id", "78", "project_id", "3", "number", "8")}
	_, err := Upgrade(set, 3)
	require.NoError(t, err)

	d := set["dependencies"][0]
	assert.True(t, d.IsNull("raising_card_number"))
	_, present := d["raising_card_number"]
	assert.True(t, present)
	assert.Equal(t, "8", set["dependency_resolving_cards"][0].String("card_number"))
}

func TestStepsAreNoOpsOnCurrentData(t *testing.T) {
	current := func() tablefile.Set {
		return tablefile.Set{
			SchemaTable:  versions("1", "2", "3", "4"),
			"attachings": {model.NewRow("id", "1", "deliverable_id", "7", "attachment_id", "9", "attachable_id", "3", "attachable_type", "Page")},
			"objectives": {model.NewRow("id", "10", "program_id", "1", "number", "1", "status", "planned")},
			"works":      {model.NewRow("id", "5", "objective_id", "10", "card_number", "42")},
		}
	}
	want := current()
	got := current()
	for v := 2; v <= model.FormatVersion; v++ {
		require.NoError(t, steps[v](got))
	}
	for table, rows := range want {
		require.Len(t, got[table], len(rows), table)
		for i := range rows {
			assert.True(t, rows[i].Equal(got[table][i]), "%s row %d changed: %v", table, i, got[table][i])
		}
	}

	v, err := Upgrade(got, model.FormatVersion)
	require.NoError(t, err)
	assert.Equal(t, model.FormatVersion, v)
}

func TestUpgradeRejectsUnknownVersions(t *testing.T) {
	for _, v := range []int{0, model.FormatVersion + 1} {
		_, err := Upgrade(tablefile.Set{}, v)
		assert.True(t, errors.Is(err, &errs.Error{Code: errs.CodeUnsupportedVersion}), "version %d: %v", v, err)
	}
}
