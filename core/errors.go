package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/stratumdb/stratum/core/internal/cursor"
	"github.com/stratumdb/stratum/core/internal/pathtree"
	"github.com/stratumdb/stratum/core/internal/pipeline"
	"github.com/stratumdb/stratum/core/internal/rowstore"
)

// Code is the closed set of error-code names crossing the protocol
// boundary.
type Code string

const (
	CodeTypeMismatch          Code = "TypeMismatch"
	CodeBadValue              Code = "BadValue"
	CodeFailedToParse         Code = "FailedToParse"
	CodePathCollision         Code = "PathCollision"
	CodePartialPathCollision  Code = "PartialPathCollision"
	CodeNamespaceNotFound     Code = "NamespaceNotFound"
	CodeIndexNotFound         Code = "IndexNotFound"
	CodeUnableToFindIndex     Code = "UnableToFindIndex"
	CodeIndexOptionsConflict  Code = "IndexOptionsConflict"
	CodeNotWritablePrimary    Code = "NotWritablePrimary"
	CodeOpNotSupportedInTxn   Code = "OperationNotSupportedInTransaction"
	CodeDiskFull              Code = "DiskFull"
	CodeStaleConfig           Code = "StaleConfig"
	CodeCursorNotFound        Code = "CursorNotFound"
	CodeCursorKilled          Code = "CursorKilled"
	CodeCancelled             Code = "Cancelled"
	CodeCommandNotSupported   Code = "CommandNotSupported"
	CodeStageSpecInvalid      Code = "StageSpecInvalid"
	CodeStageNotSupported     Code = "StageNotSupported"
	CodeCollationMismatch     Code = "CollationMismatch"
	CodeNestedLimit           Code = "NestedLimit"
	CodeConflict              Code = "Conflict"
	CodeInternalError         Code = "InternalError"
)

// numbers for the wire response; Location<number> compat errors carry
// their own number.
var codeNumbers = map[Code]int32{
	CodeTypeMismatch:         14,
	CodeBadValue:             2,
	CodeFailedToParse:        9,
	CodePathCollision:        31250,
	CodePartialPathCollision: 31249,
	CodeNamespaceNotFound:    26,
	CodeIndexNotFound:        27,
	CodeUnableToFindIndex:    83,
	CodeIndexOptionsConflict: 85,
	CodeNotWritablePrimary:   10107,
	CodeOpNotSupportedInTxn:  263,
	CodeDiskFull:             14031,
	CodeStaleConfig:          13388,
	CodeCursorNotFound:       43,
	CodeCursorKilled:         237,
	CodeCancelled:            11601,
	CodeCommandNotSupported:  115,
	CodeStageSpecInvalid:     40323,
	CodeStageNotSupported:    40324,
	CodeCollationMismatch:    391,
	CodeNestedLimit:          20,
	CodeConflict:             11000,
	CodeInternalError:        1,
}

// Error is the engine's boundary error: a code name plus message,
// rendered by the frontend as {ok:0, errmsg, code, codeName}.
type Error struct {
	Code Code
	Msg  string
	// Location carries a precisely-numbered compat error when non-zero.
	Location int32
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Msg }

// Number returns the numeric wire code.
func (e *Error) Number() int32 {
	if e.Location != 0 {
		return e.Location
	}
	if n, ok := codeNumbers[e.Code]; ok {
		return n
	}
	return codeNumbers[CodeInternalError]
}

// CodeName renders the wire codeName, Location<number> style for compat
// errors.
func (e *Error) CodeName() string {
	if e.Location != 0 {
		return fmt.Sprintf("Location%d", e.Location)
	}
	return string(e.Code)
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// wrapErr maps subsystem errors onto the boundary taxonomy, keeping their
// messages except for cancellation, which gets a fixed message;
// already-typed errors pass through.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		return &Error{Code: Code(se.Code), Msg: se.Error()}
	}
	var pe *pathtree.Error
	if errors.As(err, &pe) {
		return &Error{Code: Code(pe.Code), Msg: pe.Error()}
	}
	switch {
	case errors.Is(err, rowstore.ErrNamespaceNotFound):
		return &Error{Code: CodeNamespaceNotFound, Msg: err.Error()}
	case errors.Is(err, rowstore.ErrConflict):
		return &Error{Code: CodeConflict, Msg: err.Error()}
	case errors.Is(err, rowstore.ErrIndexNotFound):
		return &Error{Code: CodeIndexNotFound, Msg: err.Error()}
	case errors.Is(err, cursor.ErrCursorNotFound):
		return &Error{Code: CodeCursorNotFound, Msg: err.Error()}
	case errors.Is(err, cursor.ErrCursorKilled):
		return &Error{Code: CodeCursorKilled, Msg: err.Error()}
	case errors.Is(err, cursor.ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeCancelled, Msg: "operation was cancelled"}
	case errors.Is(err, cursor.ErrDiskFull):
		return &Error{Code: CodeDiskFull, Msg: err.Error()}
	}
	// untyped subsystem errors prefix their code name
	msg := err.Error()
	for code := range codeNumbers {
		if len(msg) > len(code) && msg[:len(code)] == string(code) && msg[len(code)] == ':' {
			return &Error{Code: code, Msg: msg}
		}
	}
	return &Error{Code: CodeInternalError, Msg: msg}
}
