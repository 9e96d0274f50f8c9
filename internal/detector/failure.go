package detector

import (
	"context"
	"errors"
	"fmt"

	"github.com/sells-group/lead-qualifier/internal/model"
	"github.com/sells-group/lead-qualifier/internal/resilience"
)

// FailureKind classifies why a detector produced no observation.
type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureCanceled    FailureKind = "canceled"
	FailureNetwork     FailureKind = "network"
	FailureMalformed   FailureKind = "malformed"
	FailureBudget      FailureKind = "budget_exhausted"
	FailureCircuitOpen FailureKind = "circuit_open"
	FailurePanic       FailureKind = "panic"
	FailureNoInput     FailureKind = "no_input" // candidate lacks what the source needs
)

// Failure is a recoverable detector error. The cascade turns it into a
// zero-confidence result and moves on.
type Failure struct {
	Signal model.SignalType
	Kind   FailureKind
	Err    error
}

// NewFailure builds a Failure.
func NewFailure(signal model.SignalType, kind FailureKind, err error) *Failure {
	return &Failure{Signal: signal, Kind: kind, Err: err}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("detector: %s %s", f.Signal, f.Kind)
	}
	return fmt.Sprintf("detector: %s %s: %v", f.Signal, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Reason is the short audit string stored on the failed SignalResult.
func (f *Failure) Reason() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Err.Error()
}

// Classify converts any detector error into a Failure. Errors that already
// are Failures keep their kind.
func Classify(signal model.SignalType, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewFailure(signal, FailureTimeout, err)
	case errors.Is(err, context.Canceled):
		return NewFailure(signal, FailureCanceled, err)
	case errors.Is(err, resilience.ErrOpen):
		return NewFailure(signal, FailureCircuitOpen, err)
	default:
		return NewFailure(signal, FailureNetwork, err)
	}
}
