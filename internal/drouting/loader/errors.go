package loader

import (
	"errors"
	"fmt"
)

// ErrLoad matches every error returned by Load.
var ErrLoad = errors.New("routing data load failed")

// LoadError describes malformed or unreachable routing data. A snapshot that
// failed to load is never installed.
type LoadError struct {
	Source string
	Table  string
	Row    int // id of the offending row, 0 when not row specific
	Reason string
	Cause  error
}

func (e *LoadError) Error() string {
	msg := fmt.Sprintf("load %s", e.Source)
	if e.Table != "" {
		msg += " table " + e.Table
	}
	if e.Row != 0 {
		msg += fmt.Sprintf(" row %d", e.Row)
	}
	msg += ": " + e.Reason
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Is makes every LoadError match ErrLoad.
func (e *LoadError) Is(target error) bool {
	return target == ErrLoad
}
