package replication

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"semisynckv/internal/quorum"
)

const (
	// DefaultPerCallTimeout bounds a single follower attempt.
	DefaultPerCallTimeout = 2 * time.Second
	// DefaultOverallTimeout bounds how long a writer waits for quorum.
	DefaultOverallTimeout = 2 * time.Second
)

// Coordinator fans write intents out to followers and waits for a quorum.
type Coordinator struct {
	nodeID  string
	sender  Sender
	tracker *Tracker

	minDelay time.Duration
	maxDelay time.Duration
	rngMu    sync.Mutex
	rng      *rand.Rand
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSimulatedDelay makes every attempt sleep a uniformly random duration
// in [lo, hi] before it is sent.
func WithSimulatedDelay(lo, hi time.Duration) Option {
	return func(c *Coordinator) {
		if hi < lo {
			hi = lo
		}
		c.minDelay = lo
		c.maxDelay = hi
	}
}

// WithTracker shares a background task tracker with other components.
func WithTracker(t *Tracker) Option {
	return func(c *Coordinator) {
		c.tracker = t
	}
}

// NewCoordinator creates a coordinator that delivers intents through sender.
func NewCoordinator(nodeID string, sender Sender, opts ...Option) *Coordinator {
	c := &Coordinator{
		nodeID: nodeID,
		sender: sender,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracker == nil {
		c.tracker = NewTracker()
	}
	return c
}

// ReplicateAndWaitQuorum sends intent to every follower concurrently and
// returns once quorum of them have acknowledged it or overallTimeout has
// elapsed. Attempts still outstanding at that point are left running in the
// background, each bounded only by perCallTimeout, and their outcomes are
// discarded. Follower failures are never returned; they only lower Acks.
//
// ctx only bounds the wait. Cancelling it never cancels an attempt.
func (c *Coordinator) ReplicateAndWaitQuorum(ctx context.Context, followers []string, intent Intent, q int, perCallTimeout, overallTimeout time.Duration) quorum.WriteResult {
	start := time.Now()

	if len(followers) == 0 {
		return quorum.WriteResult{Latency: time.Since(start)}
	}

	if perCallTimeout <= 0 {
		perCallTimeout = DefaultPerCallTimeout
	}
	if overallTimeout <= 0 {
		overallTimeout = DefaultOverallTimeout
	}

	// Buffered so that attempts finishing after Await returns never block.
	results := make(chan bool, len(followers))
	for _, addr := range followers {
		addr := addr
		started := c.tracker.Go(func(base context.Context) {
			results <- c.attempt(base, addr, intent, perCallTimeout)
		})
		if !started {
			results <- false
		}
	}

	required := quorum.Required(q, len(followers))
	acks := quorum.Await(ctx, results, len(followers), required, overallTimeout)

	result := quorum.WriteResult{
		Acks:      acks,
		Required:  required,
		Attempted: len(followers),
		Latency:   time.Since(start),
	}
	if !result.Met() {
		log.Printf("[%s] Quorum not reached for %s: %s", c.nodeID, intent, result)
	}
	return result
}

// attempt delivers intent to one follower. Its context derives from the
// tracker, not from the writer's request.
func (c *Coordinator) attempt(base context.Context, addr string, intent Intent, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()

	if d := c.delay(); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			log.Printf("[%s] Replicate %s to %s timed out during simulated delay", c.nodeID, intent, addr)
			return false
		}
	}

	if err := c.sender.Send(ctx, addr, intent); err != nil {
		log.Printf("[%s] Replicate %s to %s failed: %v", c.nodeID, intent, addr, err)
		return false
	}
	return true
}

func (c *Coordinator) delay() time.Duration {
	if c.maxDelay <= 0 {
		return c.minDelay
	}
	span := int64(c.maxDelay - c.minDelay)
	if span <= 0 {
		return c.minDelay
	}
	c.rngMu.Lock()
	n := c.rng.Int63n(span + 1)
	c.rngMu.Unlock()
	return c.minDelay + time.Duration(n)
}

// Inflight returns the number of background tasks still running, follower
// attempts and anything else sharing the tracker.
func (c *Coordinator) Inflight() int {
	return c.tracker.Active()
}

// Close waits for background attempts to finish, cancelling whatever is
// left when ctx ends.
func (c *Coordinator) Close(ctx context.Context) error {
	n := c.tracker.Active()
	if n > 0 {
		log.Printf("[%s] Draining %d in-flight replication attempts", c.nodeID, n)
	}
	return c.tracker.Drain(ctx)
}
