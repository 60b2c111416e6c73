// Package kit carries the transport-neutral plumbing shared by the
// HTTP and MCP front ends: the Endpoint abstraction, middleware
// chaining, and request-scoped context keys.
package kit

import "context"

// Endpoint is a single transport-neutral operation. HTTP handlers and
// MCP tools both decode into a typed request and call an Endpoint.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behavior.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first listed runs outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
