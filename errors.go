package dmet

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConfiguration marks an inconsistent fragment, basis or electron count setup.
	ErrConfiguration = errors.New("configuration error")
	// ErrExternalSolver marks a mean-field or correlated solve that failed to converge.
	ErrExternalSolver = errors.New("external solver failure")
)

func configError(format string, args ...any) error {
	return errors.Wrap(ErrConfiguration, fmt.Sprintf(format, args...))
}

func solverError(format string, args ...any) error {
	return errors.Wrap(ErrExternalSolver, fmt.Sprintf(format, args...))
}

// externalError marks an error returned by a pluggable solver as an external solver failure.
// Cancellation is passed through unchanged.
func externalError(err error) error {
	switch {
	case errors.Is(err, ErrExternalSolver), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, "")
	default:
		return solverError("%v", err)
	}
}

// Diagnostic reports the outcome of a numerical sub-solve that is allowed to miss its tolerance.
type Diagnostic struct {
	Stage       string
	Fragment    int
	Converged   bool
	Status      string
	Norm        float64
	Iterations  int
	Evaluations int
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s fragment %d converged %t (%s) norm %.3e iterations %d evaluations %d", d.Stage, d.Fragment, d.Converged, d.Status, d.Norm, d.Iterations, d.Evaluations)
}
