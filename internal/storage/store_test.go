package storage

import (
	"sync"
	"testing"
)

func TestInMemoryStore_ApplyGet(t *testing.T) {
	store := NewInMemoryStore()

	if !store.Apply("key1", "value1", 1) {
		t.Fatal("Expected first apply to succeed")
	}

	e, ok := store.Get("key1")
	if !ok {
		t.Fatal("Expected key1 to exist")
	}
	if e.Value != "value1" || e.Seq != 1 {
		t.Errorf("Expected value1@1, got %s@%d", e.Value, e.Seq)
	}
}

func TestInMemoryStore_GetNotFound(t *testing.T) {
	store := NewInMemoryStore()
	if _, ok := store.Get("nonexistent"); ok {
		t.Error("Expected no entry for non-existent key")
	}
}

func TestInMemoryStore_ApplyNewerReplaces(t *testing.T) {
	store := NewInMemoryStore()
	store.Apply("key1", "old", 3)

	if !store.Apply("key1", "new", 7) {
		t.Fatal("Expected newer seq to be applied")
	}
	e, _ := store.Get("key1")
	if e.Value != "new" || e.Seq != 7 {
		t.Errorf("Expected new@7, got %s@%d", e.Value, e.Seq)
	}
}

func TestInMemoryStore_ApplyRejectsStale(t *testing.T) {
	store := NewInMemoryStore()
	store.Apply("key1", "current", 5)

	if store.Apply("key1", "stale", 4) {
		t.Error("Expected lower seq to be rejected")
	}
	e, _ := store.Get("key1")
	if e.Value != "current" || e.Seq != 5 {
		t.Errorf("Stale apply changed the entry: %s@%d", e.Value, e.Seq)
	}
}

func TestInMemoryStore_ApplyEqualSeqIsNoop(t *testing.T) {
	store := NewInMemoryStore()
	store.Apply("key1", "first", 2)

	if store.Apply("key1", "second", 2) {
		t.Error("Expected duplicate seq to be a no-op")
	}
	e, _ := store.Get("key1")
	if e.Value != "first" {
		t.Errorf("Expected first, got %s", e.Value)
	}
}

func TestInMemoryStore_ApplyAdvancesLastSeq(t *testing.T) {
	store := NewInMemoryStore()

	store.Apply("a", "x", 10)
	if got := store.LastSeq(); got != 10 {
		t.Errorf("Expected last seq 10, got %d", got)
	}

	// Lower seq on another key must not move the counter backwards.
	store.Apply("b", "y", 3)
	if got := store.LastSeq(); got != 10 {
		t.Errorf("Expected last seq to stay 10, got %d", got)
	}

	if got := store.NextSeq(); got != 11 {
		t.Errorf("Expected next seq 11 after applying seq 10, got %d", got)
	}
}

func TestInMemoryStore_NextSeqConcurrent(t *testing.T) {
	store := NewInMemoryStore()
	store.Apply("seed", "v", 42)
	before := store.LastSeq()

	const n = 200
	results := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- store.NextSeq()
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool, n)
	for seq := range results {
		if seen[seq] {
			t.Fatalf("Duplicate seq %d", seq)
		}
		seen[seq] = true
	}
	for seq := before + 1; seq <= before+n; seq++ {
		if !seen[seq] {
			t.Errorf("Missing seq %d", seq)
		}
	}
	if store.LastSeq() != before+n {
		t.Errorf("Expected last seq %d, got %d", before+n, store.LastSeq())
	}
}

func TestInMemoryStore_DumpReturnsCopy(t *testing.T) {
	store := NewInMemoryStore()
	store.Apply("key1", "value1", 1)

	dump := store.Dump()
	dump["key1"] = Entry{Value: "mutated", Seq: 99}
	dump["key2"] = Entry{Value: "extra", Seq: 100}

	e, _ := store.Get("key1")
	if e.Value != "value1" {
		t.Error("Dump should return an independent copy")
	}
	if store.Len() != 1 {
		t.Errorf("Expected 1 key, got %d", store.Len())
	}
}

func TestInMemoryStore_DumpConsistentUnderWrites(t *testing.T) {
	store := NewInMemoryStore()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			// Value mirrors seq so a torn read would be detectable.
			store.Apply("k", valueFor(i), i)
		}
	}()

	for i := 0; i < 1000; i++ {
		for k, e := range store.Dump() {
			if e.Value != valueFor(e.Seq) {
				t.Fatalf("Torn entry for %s: %s@%d", k, e.Value, e.Seq)
			}
		}
	}
	close(stop)
	wg.Wait()
}

func valueFor(seq uint64) string {
	b := make([]byte, 0, 20)
	for seq > 0 {
		b = append(b, byte('0'+seq%10))
		seq /= 10
	}
	return "v" + string(b)
}
