package workflow

import (
	"context"
)

// Next invokes the rest of the middleware chain and ultimately the
// handler.
type Next func(ctx context.Context, wf *Context) (any, error)

// Middleware wraps handler dispatch request-style. Middleware runs on
// every dispatch, including retries. A middleware that does not call next
// suppresses the handler for this dispatch; the run stays RUNNING and is
// advanced again by the next queue delivery, if any.
type Middleware func(ctx context.Context, wf *Context, next Next) (any, error)

// Chain composes middlewares around a handler. They execute in the given
// order on the way in and reverse order on the way out.
func Chain(handler Handler, middlewares ...Middleware) Handler {
	next := Next(handler)
	for i := len(middlewares) - 1; i >= 0; i-- {
		mw := middlewares[i]
		inner := next
		next = func(ctx context.Context, wf *Context) (any, error) {
			return mw(ctx, wf, inner)
		}
	}
	return Handler(next)
}
