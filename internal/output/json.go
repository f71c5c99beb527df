package output

import (
	"encoding/json"
	"io"

	"github.com/ALT-F4-LLC/crate/internal/errs"
)

// ErrorCode represents a machine-readable error classification.
type ErrorCode string

// Error code constants.
const (
	ErrGeneral    ErrorCode = "GENERAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrConflict   ErrorCode = "CONFLICT"
	ErrArchive    ErrorCode = "INVALID_ARCHIVE"
	ErrReference  ErrorCode = "REFERENCE_ERROR"
	ErrJobFailed  ErrorCode = "JOB_FAILED"
)

// Exit code constants.
const (
	ExitSuccess    = 0
	ExitGeneral    = 1
	ExitNotFound   = 2
	ExitValidation = 3
	ExitConflict   = 4
	ExitArchive    = 5
	ExitReference  = 6
	ExitJobFailed  = 7
)

// ExitCodeForError maps an ErrorCode to its corresponding exit code.
func ExitCodeForError(code ErrorCode) int {
	switch code {
	case ErrNotFound:
		return ExitNotFound
	case ErrValidation:
		return ExitValidation
	case ErrConflict:
		return ExitConflict
	case ErrArchive:
		return ExitArchive
	case ErrReference:
		return ExitReference
	case ErrJobFailed:
		return ExitJobFailed
	default:
		return ExitGeneral
	}
}

// CodeFor classifies a pipeline error.
func CodeFor(err error) ErrorCode {
	e, ok := errs.As(err)
	if !ok {
		return ErrGeneral
	}
	switch e.Code {
	case errs.CodeDeliverableNotFound:
		return ErrNotFound
	case errs.CodeInvalidRequest, errs.CodeRowInvalid:
		return ErrValidation
	}
	switch e.Category() {
	case errs.CategoryStructural:
		return ErrArchive
	case errs.CategoryReferential, errs.CategorySoft:
		return ErrReference
	default:
		return ErrGeneral
	}
}

// successEnvelope is the JSON structure for successful responses.
type successEnvelope struct {
	OK      bool   `json:"ok"`
	Data    any    `json:"data"`
	Message string `json:"message,omitempty"`
}

// errorEnvelope is the JSON structure for error responses.
type errorEnvelope struct {
	OK     bool        `json:"ok"`
	Error  string      `json:"error"`
	Code   ErrorCode   `json:"code"`
	Detail *errs.Error `json:"detail,omitempty"`
}

// writeJSONSuccess writes a success envelope to w.
func writeJSONSuccess(w io.Writer, data any, message string) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(successEnvelope{
		OK:      true,
		Data:    data,
		Message: message,
	})
}

// writeJSONError writes an error envelope to w. A pipeline error in the
// chain is attached as detail.
func writeJSONError(w io.Writer, err error, code ErrorCode) {
	env := errorEnvelope{
		OK:    false,
		Error: err.Error(),
		Code:  code,
	}
	if e, ok := errs.As(err); ok {
		env.Detail = e
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(env)
}
