package runtime

// Handler executes one node invocation.
type Handler func(exec *Execution, in Input) (any, error)

// Middleware wraps a handler with one cross-cutting behavior.
type Middleware func(next Handler) Handler

// Chain composes middleware around h. The first middleware is outermost.
func Chain(h Handler, middleware ...Middleware) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

// runHandler is the innermost handler: the component's own Run.
func runHandler(exec *Execution, in Input) (any, error) {
	return exec.component.Run(exec, in)
}
