package node

import (
	"context"

	"google.golang.org/grpc"
)

const (
	replicaServiceName = "semisync.Replica"

	replicateMethod = "/" + replicaServiceName + "/Replicate"
	snapshotMethod  = "/" + replicaServiceName + "/Snapshot"
	healthMethod    = "/" + replicaServiceName + "/Health"
)

// ReplicaServer is the follower-facing replication service.
type ReplicaServer interface {
	Replicate(context.Context, *ReplicateRequest) (*ReplicateResponse, error)
	Snapshot(context.Context, *SnapshotRequest) (*SnapshotResponse, error)
	Health(context.Context, *HealthRequest) (*HealthResponse, error)
}

// RegisterReplicaServer registers srv on s.
func RegisterReplicaServer(s grpc.ServiceRegistrar, srv ReplicaServer) {
	s.RegisterService(&replicaServiceDesc, srv)
}

var replicaServiceDesc = grpc.ServiceDesc{
	ServiceName: replicaServiceName,
	HandlerType: (*ReplicaServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Replicate", Handler: replicateHandler},
		{MethodName: "Snapshot", Handler: snapshotHandler},
		{MethodName: "Health", Handler: healthHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "semisync/replica",
}

func replicateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReplicateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Replicate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: replicateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicaServer).Replicate(ctx, req.(*ReplicateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func snapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: snapshotMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicaServer).Snapshot(ctx, req.(*SnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func healthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: healthMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicaServer).Health(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ReplicaClient calls the replication service on one node.
type ReplicaClient struct {
	cc grpc.ClientConnInterface
}

// NewReplicaClient wraps a connection.
func NewReplicaClient(cc grpc.ClientConnInterface) *ReplicaClient {
	return &ReplicaClient{cc: cc}
}

func (c *ReplicaClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

// Replicate ships one intent.
func (c *ReplicaClient) Replicate(ctx context.Context, in *ReplicateRequest, opts ...grpc.CallOption) (*ReplicateResponse, error) {
	out := new(ReplicateResponse)
	if err := c.invoke(ctx, replicateMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot fetches the remote store.
func (c *ReplicaClient) Snapshot(ctx context.Context, in *SnapshotRequest, opts ...grpc.CallOption) (*SnapshotResponse, error) {
	out := new(SnapshotResponse)
	if err := c.invoke(ctx, snapshotMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// Health probes the remote node.
func (c *ReplicaClient) Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	out := new(HealthResponse)
	if err := c.invoke(ctx, healthMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
