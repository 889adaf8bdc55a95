package replication

import (
	"context"
	"fmt"
)

// Intent is the unit shipped from the leader to each follower.
type Intent struct {
	Key   string
	Value string
	Seq   uint64

	// Tracing only; followers do not interpret them.
	RequestID string
	LeaderID  string
}

// String implements fmt.Stringer.
func (i Intent) String() string {
	return fmt.Sprintf("key=%s seq=%d request_id=%s", i.Key, i.Seq, i.RequestID)
}

// Sender delivers an intent to a single follower. A nil error means the
// follower accepted the request; it says nothing about whether the follower
// applied it or dropped it as stale.
type Sender interface {
	Send(ctx context.Context, addr string, intent Intent) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, addr string, intent Intent) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, addr string, intent Intent) error {
	return f(ctx, addr, intent)
}
