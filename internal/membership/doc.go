// Package membership tracks follower liveness on the leader. The leader
// probes every follower on an interval and moves it between Alive, Suspect
// and Dead. A follower that answers again after being unreachable, or that
// answers with a new incarnation because it restarted, is reported as
// recovered so its data can be repaired.
//
// Liveness is informational only: writes are always fanned out to every
// configured follower regardless of status.
package membership
