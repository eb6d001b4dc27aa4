package ratelimit

import "context"

// Priority selects the budget pool a call draws from.
type Priority int

const (
	// PriorityInteractive covers refreshes a user or a webhook is waiting on.
	// It draws from the reserved pool.
	PriorityInteractive Priority = iota
	// PriorityBackground covers poll cycles. It draws from the shared pool.
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

func (p Priority) pool() string {
	if p == PriorityInteractive {
		return poolReserved
	}
	return poolShared
}

type priorityKey struct{}

// WithPriority tags ctx so metered calls made under it use p's pool.
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFromContext returns the pool tag of ctx, interactive when unset.
func PriorityFromContext(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityInteractive
}
