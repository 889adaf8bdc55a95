package membership

import (
	"context"
	"log"
	"sync"
	"time"
)

// MemberStatus represents the state of a follower as seen by the leader.
type MemberStatus int

const (
	Alive MemberStatus = iota
	Suspect
	Dead
)

// String returns the string representation of MemberStatus.
func (s MemberStatus) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Member represents a follower.
type Member struct {
	ID          string
	Addr        string
	Status      MemberStatus
	Incarnation uint64 // reported by the follower; changes on restart
	LastSeen    time.Time
	LastError   string
}

// ProbeFunc checks a follower and returns its current incarnation.
type ProbeFunc func(ctx context.Context, addr string) (uint64, error)

// Membership tracks follower liveness.
type Membership struct {
	mu      sync.RWMutex
	localID string
	members map[string]*Member // id -> Member
	order   []string

	// Configuration
	probeInterval time.Duration
	deadTimeout   time.Duration

	onRecovered func(Member)

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMembership creates a new membership tracker. A Suspect follower that
// stays unreachable for deadTimeout is marked Dead.
func NewMembership(localID string, probeInterval, deadTimeout time.Duration) *Membership {
	if probeInterval <= 0 {
		probeInterval = 1 * time.Second
	}
	if deadTimeout <= 0 {
		deadTimeout = 3 * probeInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Membership{
		localID:       localID,
		members:       make(map[string]*Member),
		probeInterval: probeInterval,
		deadTimeout:   deadTimeout,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// AddMember registers a follower. Followers start Alive until a probe says
// otherwise.
func (m *Membership) AddMember(id, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.members[id]; exists {
		return
	}
	m.members[id] = &Member{
		ID:       id,
		Addr:     addr,
		Status:   Alive,
		LastSeen: time.Now(),
	}
	m.order = append(m.order, id)
}

// SetOnRecovered sets a callback invoked, in its own goroutine, when a
// follower comes back after being unreachable or restarts.
func (m *Membership) SetOnRecovered(callback func(Member)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecovered = callback
}

// Start starts the probe and timeout loops.
func (m *Membership) Start(probeFn ProbeFunc) {
	m.wg.Add(2)

	// Probe loop
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.probeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.probeAll(probeFn)
			}
		}
	}()

	// Timeout checker
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.probeInterval / 2)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.checkTimeouts(time.Now())
			}
		}
	}()
}

// Stop stops the loops and waits for them to exit.
func (m *Membership) Stop() {
	m.cancel()
	m.wg.Wait()
}

// probeAll probes every follower concurrently.
func (m *Membership) probeAll(probeFn ProbeFunc) {
	targets := m.Snapshot()

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target Member) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(m.ctx, m.probeInterval)
			defer cancel()

			incarnation, err := probeFn(ctx, target.Addr)
			if err != nil {
				m.MarkFailed(target.ID, err)
				return
			}
			m.MarkAlive(target.ID, incarnation)
		}(target)
	}
	wg.Wait()
}

// MarkAlive records a successful probe.
func (m *Membership) MarkAlive(id string, incarnation uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, exists := m.members[id]
	if !exists {
		return
	}

	recovered := member.Status != Alive
	restarted := member.Incarnation != 0 && incarnation != member.Incarnation

	if recovered {
		log.Printf("[%s] Marked %s as ALIVE (was %s)", m.localID, id, member.Status)
	}
	if restarted {
		log.Printf("[%s] Follower %s restarted: incarnation %d -> %d", m.localID, id, member.Incarnation, incarnation)
	}

	member.Status = Alive
	member.Incarnation = incarnation
	member.LastSeen = time.Now()
	member.LastError = ""

	if (recovered || restarted) && m.onRecovered != nil {
		go m.onRecovered(*member)
	}
}

// MarkFailed records a failed probe. An Alive follower becomes Suspect.
func (m *Membership) MarkFailed(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, exists := m.members[id]
	if !exists {
		return
	}
	if err != nil {
		member.LastError = err.Error()
	}
	if member.Status == Alive {
		member.Status = Suspect
		log.Printf("[%s] Marked %s as SUSPECT (probe failed: %v)", m.localID, id, err)
	}
}

// checkTimeouts promotes long-unreachable Suspect followers to Dead.
func (m *Membership) checkTimeouts(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, member := range m.members {
		if member.Status == Suspect && now.Sub(member.LastSeen) > m.deadTimeout {
			member.Status = Dead
			log.Printf("[%s] Marked %s as DEAD (unreachable for %s)", m.localID, id, now.Sub(member.LastSeen).Round(time.Millisecond))
		}
	}
}

// Snapshot returns a copy of all members in registration order.
func (m *Membership) Snapshot() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make([]Member, 0, len(m.order))
	for _, id := range m.order {
		snapshot = append(snapshot, *m.members[id])
	}
	return snapshot
}

// get returns the member with the given id.
func (m *Membership) get(id string) (Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	member, ok := m.members[id]
	if !ok {
		return Member{}, false
	}
	return *member, true
}

// AliveCount returns the number of Alive followers.
func (m *Membership) AliveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, member := range m.members {
		if member.Status == Alive {
			n++
		}
	}
	return n
}
