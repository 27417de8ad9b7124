package pipeline

import "fmt"

// StageError carries the protocol error code for a stage-compilation
// failure.
type StageError struct {
	Code  string // StageSpecInvalid, StageNotSupported, NamespaceNotFound, CollationMismatch, NestedLimit
	Stage string
	Msg   string
}

func (e *StageError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Stage, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func specInvalid(stage, format string, args ...any) error {
	return &StageError{Code: "StageSpecInvalid", Stage: stage, Msg: fmt.Sprintf(format, args...)}
}

func notSupported(stage, msg string) error {
	return &StageError{Code: "StageNotSupported", Stage: stage, Msg: msg}
}

func nestedLimit(msg string) error {
	return &StageError{Code: "NestedLimit", Msg: msg}
}

func collationMismatch(stage string) error {
	return &StageError{Code: "CollationMismatch", Stage: stage,
		Msg: "nested pipeline declares a conflicting collation"}
}
