package node

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"semisynckv/internal/config"
	"semisynckv/internal/membership"
	"semisynckv/internal/quorum"
	"semisynckv/internal/repair"
	"semisynckv/internal/replication"
	"semisynckv/internal/storage"
)

// WriteResult is returned to a client after a write.
type WriteResult struct {
	Key       string
	Value     string
	Seq       uint64
	Acks      int
	Quorum    int
	Attempted int
	Latency   time.Duration
}

// FollowerState describes a follower in a health report.
type FollowerState struct {
	ID          string `json:"id"`
	Addr        string `json:"addr"`
	Status      string `json:"status"`
	Incarnation uint64 `json:"incarnation,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// HealthReport describes the local node.
type HealthReport struct {
	OK          bool            `json:"ok"`
	Role        config.Role     `json:"role"`
	NodeID      string          `json:"node_id"`
	Incarnation uint64          `json:"incarnation"`
	LastSeq     uint64          `json:"last_seq"`
	Keys        int             `json:"keys"`
	Inflight    int             `json:"inflight"`
	Alive       int             `json:"alive_followers,omitempty"`
	Followers   []FollowerState `json:"followers,omitempty"`
}

// FollowerConvergence compares one follower's snapshot with the leader's.
type FollowerConvergence struct {
	ID          string `json:"id"`
	Addr        string `json:"addr"`
	Converged   bool   `json:"converged"`
	Missing     int    `json:"missing"`
	Stale       int    `json:"stale"`
	Ahead       int    `json:"ahead"`
	Conflicting int    `json:"conflicting"`
	Error       string `json:"error,omitempty"`
}

// Service implements the node's logical operations for both roles. The
// transports in http.go and internal_server.go are thin adapters over it.
type Service struct {
	cfg         *config.Config
	store       storage.Store
	coordinator *replication.Coordinator // leader only
	members     *membership.Membership   // leader only, optional
	snapshots   repair.SnapshotFunc      // leader only
	incarnation uint64
}

// NewService creates a service. coordinator, members and snapshots may be
// nil on followers.
func NewService(cfg *config.Config, store storage.Store, coordinator *replication.Coordinator, members *membership.Membership, snapshots repair.SnapshotFunc, incarnation uint64) *Service {
	return &Service{
		cfg:         cfg,
		store:       store,
		coordinator: coordinator,
		members:     members,
		snapshots:   snapshots,
		incarnation: incarnation,
	}
}

// NodeID returns the local node id.
func (s *Service) NodeID() string {
	return s.cfg.NodeID
}

// Role returns the local role.
func (s *Service) Role() config.Role {
	return s.cfg.Role
}

// ReadKey returns the local entry for key. On followers it may be stale.
func (s *Service) ReadKey(key string) (storage.Entry, bool) {
	return s.store.Get(key)
}

// Snapshot returns the full local store.
func (s *Service) Snapshot() map[string]storage.Entry {
	return s.store.Dump()
}

// WriteKey assigns the next sequence number, applies the write locally and
// replicates it. If fewer than the required followers acknowledge in time a
// *QuorumError is returned alongside the result; the local write stands.
func (s *Service) WriteKey(ctx context.Context, key, value string) (WriteResult, error) {
	if !s.cfg.IsLeader() {
		return WriteResult{}, ErrNotLeader
	}
	if key == "" {
		return WriteResult{}, ErrEmptyKey
	}
	if s.coordinator == nil {
		return WriteResult{}, ErrReplicationUninitialized
	}

	seq := s.store.NextSeq()
	s.store.Apply(key, value, seq)

	intent := replication.Intent{
		Key:       key,
		Value:     value,
		Seq:       seq,
		RequestID: uuid.NewString(),
		LeaderID:  s.cfg.NodeID,
	}
	log.Printf("[%s] Put request: key=%s, seq=%d, request_id=%s", s.cfg.NodeID, key, seq, intent.RequestID)

	followers := s.cfg.FollowerAddrs()
	res := s.coordinator.ReplicateAndWaitQuorum(ctx, followers, intent, s.cfg.WriteQuorum, s.cfg.ReplicateTimeout, s.cfg.QuorumTimeout)

	out := WriteResult{
		Key:       key,
		Value:     value,
		Seq:       seq,
		Acks:      res.Acks,
		Quorum:    s.cfg.WriteQuorum,
		Attempted: res.Attempted,
		Latency:   res.Latency,
	}

	if !res.Met() {
		return out, &QuorumError{
			Seq:       seq,
			Acks:      res.Acks,
			Quorum:    s.cfg.WriteQuorum,
			Required:  res.Required,
			Attempted: res.Attempted,
		}
	}
	return out, nil
}

// ReplicateIntent applies an intent shipped by the leader. Stale intents
// are dropped and reported as not applied.
func (s *Service) ReplicateIntent(intent replication.Intent) (bool, error) {
	if s.cfg.IsLeader() {
		return false, ErrNotFollower
	}
	if intent.Key == "" {
		return false, ErrEmptyKey
	}
	if intent.Seq == 0 {
		return false, ErrInvalidSeq
	}

	applied := s.store.Apply(intent.Key, intent.Value, intent.Seq)
	log.Printf("[%s] ReplicaPut: key=%s, seq=%d, leader=%s, request_id=%s, applied=%t",
		s.cfg.NodeID, intent.Key, intent.Seq, intent.LeaderID, intent.RequestID, applied)
	return applied, nil
}

// Health reports the local node state and, on the leader, follower liveness.
func (s *Service) Health() HealthReport {
	report := HealthReport{
		OK:          true,
		Role:        s.cfg.Role,
		NodeID:      s.cfg.NodeID,
		Incarnation: s.incarnation,
		LastSeq:     s.store.LastSeq(),
		Keys:        s.store.Len(),
	}
	if s.coordinator != nil {
		report.Inflight = s.coordinator.Inflight()
	}
	if s.members != nil {
		report.Alive = s.members.AliveCount()
		for _, m := range s.members.Snapshot() {
			report.Followers = append(report.Followers, FollowerState{
				ID:          m.ID,
				Addr:        m.Addr,
				Status:      m.Status.String(),
				Incarnation: m.Incarnation,
				LastError:   m.LastError,
			})
		}
	}
	return report
}

// Convergence fetches every follower snapshot concurrently and compares it
// with the leader's. Unreachable followers are reported with an error.
func (s *Service) Convergence(ctx context.Context) ([]FollowerConvergence, error) {
	if !s.cfg.IsLeader() {
		return nil, ErrNotLeader
	}
	if s.snapshots == nil {
		return nil, fmt.Errorf("convergence check: %w", ErrReplicationUninitialized)
	}

	leader := s.store.Dump()
	results := quorum.Gather(ctx, s.cfg.FollowerAddrs(), s.cfg.ReplicateTimeout, quorum.ReplicaReadFunc[map[string]storage.Entry](s.snapshots))

	out := make([]FollowerConvergence, len(results))
	for i, rv := range results {
		fc := FollowerConvergence{ID: s.cfg.Followers[i].ID, Addr: rv.Replica}
		if rv.Err != nil {
			fc.Error = rv.Err.Error()
		} else {
			d := repair.Diff(leader, rv.Value)
			fc.Converged = d.Converged()
			fc.Missing = len(d.Missing)
			fc.Stale = len(d.Stale)
			fc.Ahead = len(d.Ahead)
			fc.Conflicting = len(d.Conflicting)
		}
		out[i] = fc
	}
	return out, nil
}
