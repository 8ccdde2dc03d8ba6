package authz

import "context"

// Handler inspects the context and calls Succeed or Fail. A handler may run for
// requirements it does not know and must ignore those.
type Handler interface {
	Handle(ctx context.Context, ac *Context) error
}

type HandlerFunc func(ctx context.Context, ac *Context) error

func (f HandlerFunc) Handle(ctx context.Context, ac *Context) error {
	return f(ctx, ac)
}

// HandlerFor returns a handler that calls fn for every requirement of type T.
func HandlerFor[T Requirement](fn func(ctx context.Context, ac *Context, requirement T) error) Handler {
	return HandlerFunc(func(ctx context.Context, ac *Context) error {
		for _, r := range ac.Requirements() {
			if t, ok := r.(T); ok {
				if err := fn(ctx, ac, t); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// PassThroughHandler lets requirements that are their own handler evaluate
// themselves. All built-in requirements except OperationRequirement are.
type PassThroughHandler struct{}

func (PassThroughHandler) Handle(ctx context.Context, ac *Context) error {
	for _, r := range ac.Requirements() {
		if h, ok := r.(Handler); ok {
			if err := h.Handle(ctx, ac); err != nil {
				return err
			}
		}
	}
	return nil
}
