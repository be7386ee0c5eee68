package activities

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Failure kinds.
const (
	KindMissingData          = "missing_data"
	KindInsufficientFunds    = "insufficient_funds"
	KindInsufficientStock    = "insufficient_stock"
	KindInsufficientCapacity = "insufficient_capacity"
	KindEntityMissing        = "entity_missing"
	KindPathUnavailable      = "path_unavailable"
	KindSystemError          = "system_error"
)

// Failure is a domain outcome that fails an activity or a plan.
type Failure struct {
	Kind   string
	Stage  string
	Reason string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s at %s: %s", f.Kind, f.Stage, f.Reason)
}

// Fail builds a Failure with a formatted reason.
func Fail(kind, stage, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// AsFailure converts any error to a Failure; non-domain errors become
// system errors at stage.
func AsFailure(err error, stage string) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: KindSystemError, Stage: stage, Reason: err.Error()}
}

// FailureNote appends "[FAILURE @ stage - ts] reason" to notes.
func FailureNote(notes string, f *Failure, at time.Time) string {
	line := fmt.Sprintf("[FAILURE @ %s - %s] %s", f.Stage, at.UTC().Format(time.RFC3339), f.Reason)
	if strings.TrimSpace(notes) == "" {
		return line
	}
	return notes + "\n" + line
}
