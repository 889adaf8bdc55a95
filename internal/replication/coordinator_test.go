package replication

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingSender records delivered intents per follower and lets tests
// control latency and failure per address.
type recordingSender struct {
	mu        sync.Mutex
	delivered map[string][]Intent
	delays    map[string]time.Duration
	failing   map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{
		delivered: make(map[string][]Intent),
		delays:    make(map[string]time.Duration),
		failing:   make(map[string]bool),
	}
}

func (s *recordingSender) Send(ctx context.Context, addr string, intent Intent) error {
	s.mu.Lock()
	d := s.delays[addr]
	fail := s.failing[addr]
	s.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return errors.New("connection refused")
	}

	s.mu.Lock()
	s.delivered[addr] = append(s.delivered[addr], intent)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) count(addr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered[addr])
}

var testIntent = Intent{Key: "a", Value: "v1", Seq: 1, RequestID: "req-1", LeaderID: "leader"}

func TestCoordinator_NoFollowers(t *testing.T) {
	c := NewCoordinator("leader", newRecordingSender())

	result := c.ReplicateAndWaitQuorum(context.Background(), nil, testIntent, 3, time.Second, time.Second)

	if result.Acks != 0 || result.Attempted != 0 {
		t.Errorf("Expected 0/0, got %s", result)
	}
	if !result.Met() {
		t.Error("Expected an empty follower set to trivially meet quorum")
	}
}

func TestCoordinator_AllAck(t *testing.T) {
	sender := newRecordingSender()
	c := NewCoordinator("leader", sender)
	followers := []string{"f1", "f2", "f3"}

	result := c.ReplicateAndWaitQuorum(context.Background(), followers, testIntent, 3, time.Second, time.Second)

	if result.Acks != 3 || result.Required != 3 || result.Attempted != 3 {
		t.Errorf("Expected 3/3/3, got %s", result)
	}
	for _, f := range followers {
		if sender.count(f) != 1 {
			t.Errorf("Expected one delivery to %s, got %d", f, sender.count(f))
		}
	}
}

func TestCoordinator_QuorumCappedToFollowerCount(t *testing.T) {
	c := NewCoordinator("leader", newRecordingSender())

	result := c.ReplicateAndWaitQuorum(context.Background(), []string{"f1", "f2"}, testIntent, 10, time.Second, time.Second)

	if result.Required != 2 {
		t.Errorf("Expected required capped to 2, got %d", result.Required)
	}
	if !result.Met() {
		t.Errorf("Expected capped quorum to be met, got %s", result)
	}
}

func TestCoordinator_ZeroQuorumReturnsImmediately(t *testing.T) {
	sender := newRecordingSender()
	sender.delays["f1"] = 200 * time.Millisecond
	sender.delays["f2"] = 200 * time.Millisecond
	c := NewCoordinator("leader", sender)

	start := time.Now()
	result := c.ReplicateAndWaitQuorum(context.Background(), []string{"f1", "f2"}, testIntent, 0, time.Second, time.Second)

	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("Zero quorum should not wait, took %v", time.Since(start))
	}
	if result.Required != 0 || result.Attempted != 2 {
		t.Errorf("Unexpected result %s", result)
	}

	// The attempts still run to completion.
	if err := c.Close(ctxWithTimeout(t, 2*time.Second)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sender.count("f1") != 1 || sender.count("f2") != 1 {
		t.Error("Expected both followers to receive the intent in the background")
	}
}

func TestCoordinator_StragglersContinueInBackground(t *testing.T) {
	sender := newRecordingSender()
	sender.delays["slow"] = 300 * time.Millisecond
	c := NewCoordinator("leader", sender)

	start := time.Now()
	result := c.ReplicateAndWaitQuorum(context.Background(), []string{"fast1", "fast2", "slow"}, testIntent, 2, time.Second, time.Second)
	elapsed := time.Since(start)

	if result.Acks != 2 {
		t.Errorf("Expected 2 acks, got %d", result.Acks)
	}
	if elapsed >= 300*time.Millisecond {
		t.Errorf("Writer should not wait for the straggler, took %v", elapsed)
	}
	if sender.count("slow") != 0 {
		t.Fatal("Straggler should still be in flight")
	}
	if c.Inflight() == 0 {
		t.Error("Expected the straggler to be tracked as in flight")
	}

	time.Sleep(500 * time.Millisecond)
	if sender.count("slow") != 1 {
		t.Error("Expected the straggler to complete in the background")
	}
	if c.Inflight() != 0 {
		t.Errorf("Expected no in-flight attempts, got %d", c.Inflight())
	}
}

func TestCoordinator_OverallTimeoutDoesNotCancelAttempts(t *testing.T) {
	sender := newRecordingSender()
	sender.delays["slow"] = 300 * time.Millisecond
	c := NewCoordinator("leader", sender)

	start := time.Now()
	result := c.ReplicateAndWaitQuorum(context.Background(), []string{"f1", "f2", "slow"}, testIntent, 3, 2*time.Second, 50*time.Millisecond)
	elapsed := time.Since(start)

	if result.Met() {
		t.Errorf("Expected quorum shortfall, got %s", result)
	}
	if result.Acks != 2 || result.Required != 3 || result.Attempted != 3 {
		t.Errorf("Expected 2/3/3, got %s", result)
	}
	if elapsed > 250*time.Millisecond {
		t.Errorf("Expected to stop waiting at the overall timeout, took %v", elapsed)
	}

	if err := c.Close(ctxWithTimeout(t, 2*time.Second)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sender.count("slow") != 1 {
		t.Error("Expected the timed-out attempt to still reach the follower")
	}
}

func TestCoordinator_PerCallTimeoutBoundsAttempt(t *testing.T) {
	sender := newRecordingSender()
	sender.delays["hung"] = 5 * time.Second
	c := NewCoordinator("leader", sender)

	result := c.ReplicateAndWaitQuorum(context.Background(), []string{"f1", "hung"}, testIntent, 2, 100*time.Millisecond, time.Second)

	if result.Acks != 1 {
		t.Errorf("Expected 1 ack, got %d", result.Acks)
	}
	if result.Latency > 500*time.Millisecond {
		t.Errorf("Expected the per-call timeout to end the wait early, took %v", result.Latency)
	}
	if sender.count("hung") != 0 {
		t.Error("Hung follower should not have received the intent")
	}
}

func TestCoordinator_FailuresAreAbsorbed(t *testing.T) {
	sender := newRecordingSender()
	sender.failing["down1"] = true
	sender.failing["down2"] = true
	c := NewCoordinator("leader", sender)

	result := c.ReplicateAndWaitQuorum(context.Background(), []string{"up", "down1", "down2"}, testIntent, 2, time.Second, time.Second)

	if result.Acks != 1 || result.Attempted != 3 {
		t.Errorf("Expected 1 ack of 3, got %s", result)
	}
	if result.Latency > 500*time.Millisecond {
		t.Errorf("All outcomes were in; should not wait for the timeout, took %v", result.Latency)
	}
}

func TestCoordinator_RequestContextDoesNotCancelAttempts(t *testing.T) {
	sender := newRecordingSender()
	sender.delays["f1"] = 100 * time.Millisecond
	c := NewCoordinator("leader", sender)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := c.ReplicateAndWaitQuorum(ctx, []string{"f1"}, testIntent, 1, time.Second, time.Second)
	if result.Acks != 0 {
		t.Errorf("Expected the cancelled writer to stop waiting, got %d acks", result.Acks)
	}

	if err := c.Close(ctxWithTimeout(t, time.Second)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sender.count("f1") != 1 {
		t.Error("Expected the attempt to complete despite the writer's context ending")
	}
}

func TestCoordinator_CloseCancelsAfterDeadline(t *testing.T) {
	var cancelled atomic.Bool
	sender := SenderFunc(func(ctx context.Context, addr string, intent Intent) error {
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})
	c := NewCoordinator("leader", sender)

	c.ReplicateAndWaitQuorum(context.Background(), []string{"f1"}, testIntent, 0, 10*time.Second, time.Second)

	err := c.Close(ctxWithTimeout(t, 50*time.Millisecond))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if !cancelled.Load() {
		t.Error("Expected the remaining attempt to be cancelled")
	}

	// Closed coordinators refuse new attempts.
	result := c.ReplicateAndWaitQuorum(context.Background(), []string{"f1"}, testIntent, 1, time.Second, time.Second)
	if result.Acks != 0 || result.Attempted != 1 {
		t.Errorf("Expected 0/1 after close, got %s", result)
	}
}

func TestCoordinator_SimulatedDelay(t *testing.T) {
	c := NewCoordinator("leader", newRecordingSender(), WithSimulatedDelay(50*time.Millisecond, 50*time.Millisecond))

	result := c.ReplicateAndWaitQuorum(context.Background(), []string{"f1"}, testIntent, 1, time.Second, time.Second)

	if result.Acks != 1 {
		t.Errorf("Expected 1 ack, got %d", result.Acks)
	}
	if result.Latency < 50*time.Millisecond {
		t.Errorf("Expected at least the simulated delay, got %v", result.Latency)
	}
}

func TestCoordinator_DelayWithinBounds(t *testing.T) {
	c := NewCoordinator("leader", newRecordingSender(), WithSimulatedDelay(10*time.Millisecond, 20*time.Millisecond))
	for i := 0; i < 100; i++ {
		d := c.delay()
		if d < 10*time.Millisecond || d > 20*time.Millisecond {
			t.Fatalf("Delay %v outside [10ms, 20ms]", d)
		}
	}

	none := NewCoordinator("leader", newRecordingSender())
	if d := none.delay(); d != 0 {
		t.Errorf("Expected no delay by default, got %v", d)
	}

	inverted := NewCoordinator("leader", newRecordingSender(), WithSimulatedDelay(30*time.Millisecond, 5*time.Millisecond))
	if d := inverted.delay(); d != 30*time.Millisecond {
		t.Errorf("Expected an upper bound below the lower bound to collapse to it, got %v", d)
	}
}

func ctxWithTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
