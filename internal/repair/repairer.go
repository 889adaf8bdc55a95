package repair

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"semisynckv/internal/replication"
	"semisynckv/internal/storage"
)

// SnapshotFunc fetches a follower's full snapshot.
type SnapshotFunc func(ctx context.Context, addr string) (map[string]storage.Entry, error)

// Result summarises one repair pass against one follower.
type Result struct {
	Addr       string
	Divergence Divergence
	Repaired   int
	Failed     int
}

// Repairer pushes leader entries to followers that have fallen behind.
type Repairer struct {
	nodeID   string
	local    func() map[string]storage.Entry
	snapshot SnapshotFunc
	sender   replication.Sender
	tracker  *replication.Tracker
	timeout  time.Duration

	mu      sync.Mutex
	running map[string]bool // addr -> pass in progress
}

// NewRepairer creates a repairer. local returns the leader's snapshot.
func NewRepairer(nodeID string, local func() map[string]storage.Entry, snapshot SnapshotFunc, sender replication.Sender, tracker *replication.Tracker, timeout time.Duration) *Repairer {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if tracker == nil {
		tracker = replication.NewTracker()
	}
	return &Repairer{
		nodeID:   nodeID,
		local:    local,
		snapshot: snapshot,
		sender:   sender,
		tracker:  tracker,
		timeout:  timeout,
		running:  make(map[string]bool),
	}
}

// Repair asynchronously repairs one follower. At most one pass per follower
// runs at a time. It returns false if the repair was not scheduled, either
// because a pass for addr is still running or because the node is shutting
// down.
func (r *Repairer) Repair(addr string) bool {
	r.mu.Lock()
	if r.running[addr] {
		r.mu.Unlock()
		return false
	}
	r.running[addr] = true
	r.mu.Unlock()

	started := r.tracker.Go(func(ctx context.Context) {
		defer r.done(addr)
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[%s] Repair panic for %s: %v", r.nodeID, addr, err)
			}
		}()

		res, err := r.RepairNow(ctx, addr)
		if err != nil {
			log.Printf("[%s] Repair of %s failed: %v", r.nodeID, addr, err)
			return
		}
		if res.Repaired > 0 || res.Failed > 0 {
			log.Printf("[%s] Repair of %s completed: %d repaired, %d failed", r.nodeID, addr, res.Repaired, res.Failed)
		}
	})
	if !started {
		r.done(addr)
	}
	return started
}

func (r *Repairer) done(addr string) {
	r.mu.Lock()
	delete(r.running, addr)
	r.mu.Unlock()
}

// RepairNow fetches the follower snapshot, diffs it against the leader and
// pushes every repairable entry. Each RPC is bounded by the repair timeout.
func (r *Repairer) RepairNow(ctx context.Context, addr string) (Result, error) {
	res := Result{Addr: addr}

	snapCtx, cancel := context.WithTimeout(ctx, r.timeout)
	remote, err := r.snapshot(snapCtx, addr)
	cancel()
	if err != nil {
		return res, fmt.Errorf("failed to fetch snapshot: %w", err)
	}

	leader := r.local()
	res.Divergence = Diff(leader, remote)
	if len(res.Divergence.Ahead) > 0 {
		log.Printf("[%s] Follower %s holds %d keys newer than the leader", r.nodeID, addr, len(res.Divergence.Ahead))
	}
	if len(res.Divergence.Conflicting) > 0 {
		log.Printf("[%s] Follower %s holds %d keys with a conflicting value at the same seq", r.nodeID, addr, len(res.Divergence.Conflicting))
	}

	for _, key := range res.Divergence.Repairable() {
		e := leader[key]
		intent := replication.Intent{
			Key:       key,
			Value:     e.Value,
			Seq:       e.Seq,
			RequestID: "repair-" + uuid.NewString(),
			LeaderID:  r.nodeID,
		}

		sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.sender.Send(sendCtx, addr, intent)
		cancel()
		if err != nil {
			res.Failed++
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			continue
		}
		res.Repaired++
	}

	return res, nil
}

// Run repairs every follower each interval until ctx is cancelled.
func (r *Repairer) Run(ctx context.Context, interval time.Duration, followers []string) {
	if interval <= 0 || len(followers) == 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, addr := range followers {
				r.Repair(addr)
			}
		}
	}
}
