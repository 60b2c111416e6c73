package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound reports an unknown or closed session id.
	ErrSessionNotFound = errors.New("engine: session not found")

	// ErrInvalidRequest reports a structurally bad request.
	ErrInvalidRequest = errors.New("engine: invalid request")

	// ErrNotConfiguring reports a configure completion outside the
	// configuring mode.
	ErrNotConfiguring = errors.New("engine: no element being configured")

	// ErrNoBulkSelection reports a bulk run without a bulk selection.
	ErrNoBulkSelection = errors.New("engine: no bulk selection")

	// ErrBulkRunning reports a second bulk run while one is active.
	ErrBulkRunning = errors.New("engine: bulk operation already running")
)

// DetachedError reports an element that vanished from the scanned tree
// and stayed gone after a fresh scan. Callers treat it as "this target
// no longer exists", not as a transport failure.
type DetachedError struct {
	Signature string
}

func (e *DetachedError) Error() string {
	return fmt.Sprintf("engine: element %s detached from tree", e.Signature)
}

// IsDetached reports whether err is a DetachedError.
func IsDetached(err error) bool {
	var de *DetachedError
	return errors.As(err, &de)
}
