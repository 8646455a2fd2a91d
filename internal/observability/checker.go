package observability

import "context"

// Checker reports the health of one dependency for the readiness probe.
// Check must honour ctx.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc struct {
	ComponentName string
	Fn            func(ctx context.Context) error
}

// Name returns ComponentName.
func (c CheckerFunc) Name() string { return c.ComponentName }

// Check calls Fn.
func (c CheckerFunc) Check(ctx context.Context) error { return c.Fn(ctx) }
