package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// PreconditionError marks a fatal precondition violation: an invalid
// session/node reference or a value outside a closed enum set. It is
// rejected at the write boundary and must never be retried.
type PreconditionError struct {
	Op     string
	Detail string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: precondition violated: %s", e.Op, e.Detail)
}

func preconditionf(op, format string, args ...any) error {
	return &PreconditionError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// IsPrecondition reports whether err is a fatal precondition violation.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}
