// Package replication implements the leader side of semi-synchronous
// replication: a write intent is fanned out to every follower at once, the
// caller waits only for a quorum of acknowledgments, and the remaining
// attempts keep running in the background until they finish on their own.
package replication
