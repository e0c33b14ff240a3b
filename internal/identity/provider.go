package identity

import "context"

// Provider is the NetworkIdentityProvider capability: it tears down and
// establishes a session bound to one endpoint of the configured pool.
// Teardown must be safe to call when no session is active.
type Provider interface {
	Teardown(ctx context.Context) error
	Establish(ctx context.Context, endpoint string) error
}

// Noop is a Provider that does nothing. It backs the "noop" backend and
// tests of the fetch policy.
type Noop struct{}

// NewNoop returns a Noop provider.
func NewNoop() *Noop {
	return &Noop{}
}

// Teardown does nothing.
func (Noop) Teardown(context.Context) error { return nil }

// Establish does nothing.
func (Noop) Establish(context.Context, string) error { return nil }
