package webhook

import "fmt"

// SendError marks a delivery attempt that never reached a response:
// a rejected URL, a connection failure, or a timeout. Endpoint-side
// failures (4xx/5xx) are reported in the Delivery instead.
type SendError struct {
	URL   string
	Cause error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("webhook: send to %s: %v", e.URL, e.Cause)
}

func (e *SendError) Unwrap() error { return e.Cause }
