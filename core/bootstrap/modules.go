package bootstrap

import "context"

// Initializer prepares a store once connections are up, e.g. by creating indexes.
type Initializer interface {
	Init(ctx context.Context, res *Result) error
}

// InitializerFunc adapts a bare function to the Initializer interface.
type InitializerFunc func(ctx context.Context, res *Result) error

// Init executes the underlying function.
func (f InitializerFunc) Init(ctx context.Context, res *Result) error {
	return f(ctx, res)
}
