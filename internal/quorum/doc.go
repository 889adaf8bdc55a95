// Package quorum provides the fan-in primitives used by the replication
// coordinator: counting acknowledgments in completion order until a quorum
// or a deadline is reached, and gathering responses from every replica.
package quorum
