package dispatch

import "context"

// Chaos is the fault-injection seam used in staging runs.
type Chaos interface {
	// Before runs ahead of the named operation; a non-nil error aborts it
	// with a simulated failure.
	Before(ctx context.Context, op string) error
}

type NopChaos struct{}

func (NopChaos) Before(context.Context, string) error { return nil }
