package node

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrNotLeader is returned when a write reaches a follower.
	ErrNotLeader = errors.New("writes must go to the leader")
	// ErrNotFollower is returned when a replicated intent reaches the leader.
	ErrNotFollower = errors.New("leader does not accept replicate calls")
	// ErrReplicationUninitialized means a leader has no coordinator.
	ErrReplicationUninitialized = errors.New("replication coordinator not initialized")
	// ErrEmptyKey rejects empty keys.
	ErrEmptyKey = errors.New("key cannot be empty")
	// ErrInvalidSeq rejects intents without a sequence number.
	ErrInvalidSeq = errors.New("seq must be positive")
)

// QuorumError reports a write that was applied on the leader but not
// acknowledged by enough followers in time. The write is not rolled back
// and keeps replicating in the background.
type QuorumError struct {
	Seq       uint64
	Acks      int
	Quorum    int // as configured
	Required  int // quorum capped to the follower count
	Attempted int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("write failed to reach quorum: seq=%d acks=%d quorum=%d attempted=%d",
		e.Seq, e.Acks, e.Quorum, e.Attempted)
}

// grpcError maps service errors to gRPC status errors.
func grpcError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotLeader), errors.Is(err, ErrNotFollower):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrEmptyKey), errors.Is(err, ErrInvalidSeq):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
