// Package errs provides the structured error type shared by the export and
// import pipelines.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes.
const (
	// Structural errors
	CodeInvalidArchive     Code = "INVALID_ARCHIVE"
	CodeDisallowedContent  Code = "DISALLOWED_CONTENT"
	CodeUnreadableTable    Code = "UNREADABLE_TABLE"
	CodeUnsupportedVersion Code = "UNSUPPORTED_VERSION"

	// Referential errors
	CodePluginMissing       Code = "PLUGIN_MISSING"
	CodePluginOutdated      Code = "PLUGIN_OUTDATED"
	CodeProjectMissing      Code = "PROJECT_MISSING"
	CodeIncompatibleProject Code = "INCOMPATIBLE_PROJECT"
	CodeDeliverableNotFound Code = "DELIVERABLE_NOT_FOUND"

	// Soft reference gaps
	CodeReferenceUnresolved Code = "REFERENCE_UNRESOLVED"
	CodeDependencySkipped   Code = "DEPENDENCY_SKIPPED"

	// Validation errors
	CodeRowInvalid     Code = "ROW_INVALID"
	CodeInvalidRequest Code = "INVALID_REQUEST"

	// Internal errors
	CodeInternal Code = "INTERNAL"
)

// Category groups error codes by how the pipeline reacts to them.
type Category int

const (
	CategoryUnknown Category = iota
	// CategoryStructural fails the job before any state is created.
	CategoryStructural
	// CategoryReferential fails the job and tears down partial state.
	CategoryReferential
	// CategorySoft drops the offending reference and continues.
	CategorySoft
	// CategoryValidation skips the offending row and continues.
	CategoryValidation
	CategoryInternal
)

func (c Category) String() string {
	switch c {
	case CategoryStructural:
		return "structural"
	case CategoryReferential:
		return "referential"
	case CategorySoft:
		return "soft"
	case CategoryValidation:
		return "validation"
	case CategoryInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this category abort the job.
func (c Category) Fatal() bool {
	return c != CategorySoft && c != CategoryValidation
}

var codeCategories = map[Code]Category{
	CodeInvalidArchive:      CategoryStructural,
	CodeDisallowedContent:   CategoryStructural,
	CodeUnreadableTable:     CategoryStructural,
	CodeUnsupportedVersion:  CategoryStructural,
	CodePluginMissing:       CategoryReferential,
	CodePluginOutdated:      CategoryReferential,
	CodeProjectMissing:      CategoryReferential,
	CodeIncompatibleProject: CategoryReferential,
	CodeDeliverableNotFound: CategoryReferential,
	CodeReferenceUnresolved: CategorySoft,
	CodeDependencySkipped:   CategorySoft,
	CodeRowInvalid:          CategoryValidation,
	CodeInvalidRequest:      CategoryValidation,
	CodeInternal:            CategoryInternal,
}

// Error is the structured error type for the pipelines.
type Error struct {
	Code   Code   `json:"code"`
	What   string `json:"what"`
	Entity string `json:"entity,omitempty"`
	Why    string `json:"why,omitempty"`
	Fix    string `json:"fix,omitempty"`
	Cause  error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *Error) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the category of the error's code.
func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		Category string `json:"category"`
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias:    (*alias)(e),
		Category: e.Category().String(),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *Error) WithCause(err error) *Error {
	c := *e
	c.Cause = err
	return &c
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CategoryOf returns the category of err, treating unstructured errors as internal.
func CategoryOf(err error) Category {
	if e, ok := As(err); ok {
		return e.Category()
	}
	return CategoryInternal
}

// --- Error constructors ---

// InvalidArchive returns an error for an archive that is not a readable export.
func InvalidArchive(why string, cause error) *Error {
	return &Error{
		Code:  CodeInvalidArchive,
		What:  "Invalid import file",
		Why:   why,
		Fix:   "Re-export the deliverable and retry with the new archive",
		Cause: cause,
	}
}

// DisallowedContent returns an error for a table page carrying non-primitive content.
func DisallowedContent(file, why string) *Error {
	return &Error{
		Code:   CodeDisallowedContent,
		What:   "Invalid import file",
		Entity: file,
		Why:    fmt.Sprintf("%s contains disallowed content: %s", file, why),
	}
}

// UnreadableTable returns an error for a table page that cannot be decoded.
func UnreadableTable(file string, cause error) *Error {
	return &Error{
		Code:   CodeUnreadableTable,
		What:   "Invalid import file",
		Entity: file,
		Why:    fmt.Sprintf("%s could not be read", file),
		Cause:  cause,
	}
}

// UnsupportedVersion returns an error for an archive newer than this build.
func UnsupportedVersion(found, supported int) *Error {
	return &Error{
		Code: CodeUnsupportedVersion,
		What: "Invalid import file",
		Why:  fmt.Sprintf("archive format version %d is newer than supported version %d", found, supported),
		Fix:  "Upgrade crate on the destination instance",
	}
}

// PluginMissing returns an error for a required plugin that is not installed.
func PluginMissing(name, minVersion string) *Error {
	return &Error{
		Code:   CodePluginMissing,
		What:   fmt.Sprintf("Plugin %s is required but not installed", name),
		Entity: name,
		Fix:    fmt.Sprintf("Install %s %s or later before importing", name, minVersion),
	}
}

// PluginOutdated returns an error for an installed plugin that is too old.
func PluginOutdated(name, installed, minVersion string) *Error {
	return &Error{
		Code:   CodePluginOutdated,
		What:   fmt.Sprintf("Plugin %s %s is older than required %s", name, installed, minVersion),
		Entity: name,
		Fix:    fmt.Sprintf("Upgrade %s to %s or later before importing", name, minVersion),
	}
}

// ProjectMissing returns an error for a referenced project absent from the destination.
func ProjectMissing(identifier string) *Error {
	return &Error{
		Code:   CodeProjectMissing,
		What:   fmt.Sprintf("Project %s does not exist", identifier),
		Entity: identifier,
		Fix:    "Import the project before importing deliverables that reference it",
	}
}

// IncompatibleProject returns an error for a project changed since the export snapshot.
func IncompatibleProject(identifier, why string) *Error {
	return &Error{
		Code:   CodeIncompatibleProject,
		What:   fmt.Sprintf("Project %s has been updated and is no longer compatible", identifier),
		Entity: identifier,
		Why:    why,
	}
}

// DeliverableNotFound returns an error for an unknown deliverable identifier.
func DeliverableNotFound(identifier string) *Error {
	return &Error{
		Code:   CodeDeliverableNotFound,
		What:   fmt.Sprintf("Deliverable %s not found", identifier),
		Entity: identifier,
	}
}

// InvalidRequest returns an error for a malformed export or import request.
func InvalidRequest(why string) *Error {
	return &Error{Code: CodeInvalidRequest, What: "Invalid request", Why: why}
}

// RowInvalid returns an error describing a restored row that failed validation.
func RowInvalid(table string, row int, field, value, why string) *Error {
	return &Error{
		Code:   CodeRowInvalid,
		What:   fmt.Sprintf("%s row %d skipped", table, row),
		Entity: table,
		Why:    fmt.Sprintf("field %s value %q %s", field, value, why),
	}
}

// ReferenceUnresolved returns a warning for a reference demoted to "not set".
func ReferenceUnresolved(table string, row int, field, value string) *Error {
	return &Error{
		Code:   CodeReferenceUnresolved,
		What:   fmt.Sprintf("%s row %d: %s %s no longer exists and was cleared", table, row, field, value),
		Entity: table,
	}
}

// RowOrphaned returns a warning for a row dropped because a reference it
// cannot exist without no longer resolves.
func RowOrphaned(table string, row int, field, value string) *Error {
	return &Error{
		Code:   CodeReferenceUnresolved,
		What:   fmt.Sprintf("%s row %d skipped: %s %s no longer exists", table, row, field, value),
		Entity: table,
	}
}

// DependencySkipped returns a warning for a dependency dropped during import.
func DependencySkipped(name, why string) *Error {
	return &Error{
		Code:   CodeDependencySkipped,
		What:   fmt.Sprintf("Dependency %q was not imported", name),
		Entity: name,
		Why:    why,
	}
}

// Internal wraps an unexpected failure.
func Internal(what string, cause error) *Error {
	return &Error{Code: CodeInternal, What: what, Cause: cause}
}
