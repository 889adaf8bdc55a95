// Package repair brings lagging followers back in line with the leader. It
// compares a follower snapshot with the leader's, and pushes every entry the
// follower is missing or holds at an older sequence number through the
// normal replication path. Because followers apply by sequence number,
// repairs may race freely with live writes.
package repair
