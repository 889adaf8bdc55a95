package repair

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"semisynckv/internal/replication"
	"semisynckv/internal/storage"
)

// fakeCluster maps follower addresses to local stores.
type fakeCluster struct {
	mu     sync.Mutex
	stores map[string]*storage.InMemoryStore
	down   map[string]bool
	sent   []replication.Intent
}

func newFakeCluster(addrs ...string) *fakeCluster {
	c := &fakeCluster{stores: make(map[string]*storage.InMemoryStore), down: make(map[string]bool)}
	for _, a := range addrs {
		c.stores[a] = storage.NewInMemoryStore()
	}
	return c
}

func (c *fakeCluster) snapshot(ctx context.Context, addr string) (map[string]storage.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down[addr] {
		return nil, errors.New("connection refused")
	}
	return c.stores[addr].Dump(), nil
}

func (c *fakeCluster) Send(ctx context.Context, addr string, intent replication.Intent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down[addr] {
		return errors.New("connection refused")
	}
	c.sent = append(c.sent, intent)
	c.stores[addr].Apply(intent.Key, intent.Value, intent.Seq)
	return nil
}

func TestRepairer_RepairNow(t *testing.T) {
	leader := storage.NewInMemoryStore()
	leader.Apply("a", "a2", 3)
	leader.Apply("b", "b1", 2)
	leader.Apply("c", "c1", 4)

	cluster := newFakeCluster("f1")
	cluster.stores["f1"].Apply("a", "a1", 1)
	cluster.stores["f1"].Apply("b", "b1", 2)

	r := NewRepairer("leader", leader.Dump, cluster.snapshot, cluster, nil, time.Second)

	res, err := r.RepairNow(context.Background(), "f1")
	if err != nil {
		t.Fatalf("RepairNow: %v", err)
	}
	if res.Repaired != 2 || res.Failed != 0 {
		t.Errorf("Expected 2 repaired, got %+v", res)
	}
	if d := Diff(leader.Dump(), cluster.stores["f1"].Dump()); !d.Converged() {
		t.Errorf("Expected follower to converge, still diverges: %+v", d)
	}
	for _, intent := range cluster.sent {
		if !strings.HasPrefix(intent.RequestID, "repair-") || intent.LeaderID != "leader" {
			t.Errorf("Unexpected repair intent metadata: %+v", intent)
		}
	}
}

func TestRepairer_SnapshotFailure(t *testing.T) {
	leader := storage.NewInMemoryStore()
	leader.Apply("a", "v", 1)

	cluster := newFakeCluster("f1")
	cluster.down["f1"] = true

	r := NewRepairer("leader", leader.Dump, cluster.snapshot, cluster, nil, time.Second)

	if _, err := r.RepairNow(context.Background(), "f1"); err == nil {
		t.Error("Expected an error when the follower is unreachable")
	}
}

func TestRepairer_DoesNotOverwriteNewerFollowerData(t *testing.T) {
	// Snapshot taken before a newer live write lands on the follower.
	leader := storage.NewInMemoryStore()
	leader.Apply("a", "old", 1)

	cluster := newFakeCluster("f1")
	cluster.stores["f1"].Apply("a", "newer", 2)

	r := NewRepairer("leader", leader.Dump, cluster.snapshot, cluster, nil, time.Second)
	if _, err := r.RepairNow(context.Background(), "f1"); err != nil {
		t.Fatalf("RepairNow: %v", err)
	}

	e, _ := cluster.stores["f1"].Get("a")
	if e.Value != "newer" {
		t.Errorf("Repair regressed the follower to %q", e.Value)
	}
}

func TestRepairer_RepairAsync(t *testing.T) {
	leader := storage.NewInMemoryStore()
	leader.Apply("k", "v", 1)

	cluster := newFakeCluster("f1")
	tracker := replication.NewTracker()
	r := NewRepairer("leader", leader.Dump, cluster.snapshot, cluster, tracker, time.Second)

	if !r.Repair("f1") {
		t.Fatal("Expected repair to be scheduled")
	}
	if err := tracker.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if e, ok := cluster.stores["f1"].Get("k"); !ok || e.Value != "v" {
		t.Errorf("Expected background repair to install k=v, got %+v", e)
	}
	if r.Repair("f1") {
		t.Error("Expected repair to be refused after drain")
	}
}

func TestRepairer_Run(t *testing.T) {
	leader := storage.NewInMemoryStore()
	leader.Apply("k", "v", 1)

	cluster := newFakeCluster("f1", "f2")
	tracker := replication.NewTracker()
	r := NewRepairer("leader", leader.Dump, cluster.snapshot, cluster, tracker, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 20*time.Millisecond, []string{"f1", "f2"})
		close(done)
	}()

	time.Sleep(150 * time.Millisecond)
	cancel()
	<-done
	if err := tracker.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	for _, addr := range []string{"f1", "f2"} {
		if _, ok := cluster.stores[addr].Get("k"); !ok {
			t.Errorf("Expected %s to be repaired by the periodic loop", addr)
		}
	}
}

func TestRepairer_OnePassPerFollower(t *testing.T) {
	leader := storage.NewInMemoryStore()
	leader.Apply("k", "v", 1)

	// The follower never answers; every snapshot waits out its timeout.
	hung := func(ctx context.Context, addr string) (map[string]storage.Entry, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	tracker := replication.NewTracker()
	r := NewRepairer("leader", leader.Dump, hung, newFakeCluster("f1", "f2"), tracker, 2*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 10*time.Millisecond, []string{"f1", "f2"})
		close(done)
	}()

	time.Sleep(300 * time.Millisecond)
	if n := tracker.Active(); n > 2 {
		t.Errorf("Expected at most one pass per follower, got %d active", n)
	}
	if r.Repair("f1") {
		t.Error("Expected a second pass for f1 to be refused while one is running")
	}

	cancel()
	<-done
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer drainCancel()
	tracker.Drain(drainCtx)

	if tracker.Active() != 0 {
		t.Errorf("Expected drained tracker, got %d active", tracker.Active())
	}
}

func TestRepairer_RepairAgainAfterPassEnds(t *testing.T) {
	leader := storage.NewInMemoryStore()
	leader.Apply("k", "v", 1)

	cluster := newFakeCluster("f1")
	r := NewRepairer("leader", leader.Dump, cluster.snapshot, cluster, nil, time.Second)

	if !r.Repair("f1") {
		t.Fatal("Expected first repair to be scheduled")
	}
	deadline := time.Now().Add(2 * time.Second)
	for !r.Repair("f1") {
		if time.Now().After(deadline) {
			t.Fatal("Expected a new pass once the previous one finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRepairer_SkipsConflictingValues(t *testing.T) {
	leader := storage.NewInMemoryStore()
	leader.Apply("a", "leader", 1)

	cluster := newFakeCluster("f1")
	cluster.stores["f1"].Apply("a", "other", 1)

	r := NewRepairer("leader", leader.Dump, cluster.snapshot, cluster, nil, time.Second)
	res, err := r.RepairNow(context.Background(), "f1")
	if err != nil {
		t.Fatalf("RepairNow: %v", err)
	}
	if res.Repaired != 0 || len(cluster.sent) != 0 {
		t.Errorf("Expected no intents for an equal-seq conflict, sent %d", len(cluster.sent))
	}
	if !reflect.DeepEqual(res.Divergence.Conflicting, []string{"a"}) {
		t.Errorf("Conflicting = %v, want [a]", res.Divergence.Conflicting)
	}
}
