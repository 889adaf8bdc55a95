package node

import (
	"context"
	"sort"

	"semisynckv/internal/replication"
)

// InternalServer implements the Replica gRPC service.
type InternalServer struct {
	service *Service
}

// NewInternalServer creates a new internal server instance.
func NewInternalServer(service *Service) *InternalServer {
	return &InternalServer{service: service}
}

// Replicate handles intents from the leader. A nil error is what the leader
// counts as an ack, whether or not the intent was applied.
func (s *InternalServer) Replicate(ctx context.Context, req *ReplicateRequest) (*ReplicateResponse, error) {
	applied, err := s.service.ReplicateIntent(replication.Intent{
		Key:       req.Key,
		Value:     req.Value,
		Seq:       req.Seq,
		RequestID: req.RequestID,
		LeaderID:  req.LeaderID,
	})
	if err != nil {
		return nil, grpcError(err)
	}
	return &ReplicateResponse{Applied: applied}, nil
}

// Snapshot returns the full store sorted by key.
func (s *InternalServer) Snapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	dump := s.service.Snapshot()

	resp := &SnapshotResponse{Entries: make([]SnapshotEntry, 0, len(dump))}
	for k, e := range dump {
		resp.Entries = append(resp.Entries, SnapshotEntry{Key: k, Value: e.Value, Seq: e.Seq})
	}
	sort.Slice(resp.Entries, func(i, j int) bool { return resp.Entries[i].Key < resp.Entries[j].Key })
	return resp, nil
}

// Health reports node identity and incarnation.
func (s *InternalServer) Health(ctx context.Context, req *HealthRequest) (*HealthResponse, error) {
	h := s.service.Health()
	return &HealthResponse{
		NodeID:      h.NodeID,
		Role:        string(h.Role),
		Incarnation: h.Incarnation,
		LastSeq:     h.LastSeq,
		Keys:        uint64(h.Keys),
	}, nil
}
