package insar

import (
	"errors"
	"fmt"
)

// ErrMissingInput indicates a required input file is absent before any
// stage runs. Precondition failures are fatal and never retried.
var ErrMissingInput = errors.New("missing input file")

// MissingInputError wraps ErrMissingInput with the offending path.
type MissingInputError struct {
	Path string
	What string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("missing input file (%s): %s", e.What, e.Path)
}

func (e *MissingInputError) Unwrap() error { return ErrMissingInput }

// StageError identifies which stage a pipeline run died in.
type StageError struct {
	Index int
	Name  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
