// Package storage provides the in-memory key-value store shared by the leader
// and followers. Every entry carries the sequence number of the write that
// produced it, and Apply uses it to drop stale or duplicated writes so that
// replicas converge regardless of delivery order.
package storage
