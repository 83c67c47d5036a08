package contextwindow

import (
	"errors"
	"fmt"
)

// ErrModelNotFound matches any *ModelNotFoundError via errors.Is.
var ErrModelNotFound = errors.New("model not found")

// ModelNotFoundError is returned by Prepare when the model id is not in the
// registry. It is the only error Prepare returns.
type ModelNotFoundError struct {
	ModelID string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model %q not found in registry", e.ModelID)
}

// Is reports target == ErrModelNotFound.
func (e *ModelNotFoundError) Is(target error) bool { return target == ErrModelNotFound }

// TokenCalculationError wraps a failure to count one message.
type TokenCalculationError struct {
	ModelID string
	Role    string
	Err     error
}

func (e *TokenCalculationError) Error() string {
	return fmt.Sprintf("count tokens for %s message (model %s): %v", e.Role, e.ModelID, e.Err)
}

func (e *TokenCalculationError) Unwrap() error { return e.Err }

// PipelineError is a failure inside a preparation stage. Recovered panics
// are reported as PipelineErrors too.
type PipelineError struct {
	Op  string
	Err error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }
