package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormat(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		wantErr  string
		wantUser string
	}{
		{
			name:     "what only",
			err:      &Error{What: "something broke"},
			wantErr:  "something broke",
			wantUser: "Error: something broke",
		},
		{
			name:     "what and why",
			err:      &Error{What: "something broke", Why: "bad input"},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input",
		},
		{
			name:     "with fix and cause",
			err:      &Error{What: "something broke", Fix: "try again", Cause: errors.New("disk full")},
			wantErr:  "something broke: disk full",
			wantUser: "Error: something broke\n\nFix: try again",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantErr, tt.err.Error())
			assert.Equal(t, tt.wantUser, tt.err.UserMessage())
		})
	}
}

func TestIsComparesCodes(t *testing.T) {
	err := fmt.Errorf("loading: %w", DisallowedContent("cards_0.yml", "tag !!python/object"))

	assert.True(t, errors.Is(err, &Error{Code: CodeDisallowedContent}))
	assert.False(t, errors.Is(err, &Error{Code: CodeUnreadableTable}))

	e, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, "cards_0.yml", e.Entity)
}

func TestCategories(t *testing.T) {
	tests := []struct {
		err   error
		want  Category
		fatal bool
	}{
		{InvalidArchive("not a zip", nil), CategoryStructural, true},
		{UnsupportedVersion(9, 4), CategoryStructural, true},
		{PluginMissing("charts", "v1.0.0"), CategoryReferential, true},
		{ProjectMissing("alpha"), CategoryReferential, true},
		{DependencySkipped("api", "raising card missing"), CategorySoft, false},
		{RowInvalid("cards", 3, "cp_status", "Bogus", "is not an allowed value"), CategoryValidation, false},
		{errors.New("plain"), CategoryInternal, true},
	}
	for _, tt := range tests {
		got := CategoryOf(tt.err)
		assert.Equal(t, tt.want, got, "CategoryOf(%v)", tt.err)
		assert.Equal(t, tt.fatal, got.Fatal(), "Fatal for %v", tt.err)
	}
}

func TestRowInvalidCarriesContext(t *testing.T) {
	err := RowInvalid("alpha_cards", 7, "cp_status", "Bogus", "is not an allowed value")
	assert.Contains(t, err.Error(), "alpha_cards row 7")
	assert.Contains(t, err.Error(), "cp_status")
	assert.Contains(t, err.Error(), `"Bogus"`)
}

func TestMarshalJSON(t *testing.T) {
	err := Internal("writing page", errors.New("disk full"))
	data, jerr := json.Marshal(err)
	require.NoError(t, jerr)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "INTERNAL", got["code"])
	assert.Equal(t, "internal", got["category"])
	assert.Equal(t, "disk full", got["cause"])
}

func TestWithCauseCopies(t *testing.T) {
	base := ProjectMissing("alpha")
	wrapped := base.WithCause(errors.New("boom"))
	assert.Nil(t, base.Cause)
	assert.EqualError(t, wrapped, "Project alpha does not exist: boom")
}
