package ingest

import (
	"errors"
	"fmt"
)

// ErrValidationSkip marks a message without a usable sender or content. It is
// counted as skipped, never as a failure. Duplicates are not errors: Process
// reports them as OutcomeDuplicate.
var ErrValidationSkip = errors.New("ingest: message missing sender or content")

// PersistenceFailure wraps a database error hit while processing a message. It is
// the only outcome that sets the delivery status to "error".
type PersistenceFailure struct {
	Op  string
	Err error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("ingest: %s: %v", e.Op, e.Err)
}

func (e *PersistenceFailure) Unwrap() error {
	return e.Err
}

func persistenceFailure(op string, err error) error {
	return &PersistenceFailure{Op: op, Err: err}
}
