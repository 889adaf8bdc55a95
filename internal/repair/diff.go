package repair

import (
	"sort"

	"semisynckv/internal/storage"
)

// Divergence describes how a follower snapshot differs from the leader's.
type Divergence struct {
	// Missing keys exist on the leader but not on the follower.
	Missing []string
	// Stale keys are held by the follower at a lower seq than the leader.
	Stale []string
	// Ahead keys are held by the follower at a higher seq than the leader,
	// or are unknown to the leader. Repair cannot fix these.
	Ahead []string
	// Conflicting keys share the leader's seq but not its value. Apply
	// ignores an equal seq, so repair cannot fix these either.
	Conflicting []string
}

// Converged reports whether the follower matches the leader exactly.
func (d Divergence) Converged() bool {
	return len(d.Missing) == 0 && len(d.Stale) == 0 && len(d.Ahead) == 0 && len(d.Conflicting) == 0
}

// Repairable returns the keys the leader can push to fix the follower.
func (d Divergence) Repairable() []string {
	keys := make([]string, 0, len(d.Missing)+len(d.Stale))
	keys = append(keys, d.Missing...)
	keys = append(keys, d.Stale...)
	sort.Strings(keys)
	return keys
}

// Diff compares a follower snapshot against the leader's. Key lists are
// sorted.
func Diff(leader, follower map[string]storage.Entry) Divergence {
	var d Divergence

	for key, le := range leader {
		fe, ok := follower[key]
		switch {
		case !ok:
			d.Missing = append(d.Missing, key)
		case fe.Seq < le.Seq:
			d.Stale = append(d.Stale, key)
		case fe.Seq > le.Seq:
			d.Ahead = append(d.Ahead, key)
		case fe.Value != le.Value:
			d.Conflicting = append(d.Conflicting, key)
		}
	}
	for key := range follower {
		if _, ok := leader[key]; !ok {
			d.Ahead = append(d.Ahead, key)
		}
	}

	sort.Strings(d.Missing)
	sort.Strings(d.Stale)
	sort.Strings(d.Ahead)
	sort.Strings(d.Conflicting)
	return d
}
