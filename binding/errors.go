package binding

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a lookup for a binding that does not exist. The
// resolver itself reports "no binding" as (nil, nil); this sentinel is
// for callers addressing a binding by id.
var ErrNotFound = errors.New("binding: not found")

// ErrInvalid marks a binding that failed validation.
var ErrInvalid = errors.New("binding: invalid")

// TransportError wraps an infrastructure failure while talking to the
// binding store. It is deliberately distinct from a miss: a miss means
// "nothing configured", a TransportError means "could not find out".
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("binding: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
