package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"

	"semisynckv/internal/replication"
	"semisynckv/internal/storage"
)

// Reconnect quickly after a follower restarts; the default backoff grows
// to two minutes.
var connectParams = grpc.ConnectParams{
	Backoff: backoff.Config{
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 1.6,
		Jitter:     0.2,
		MaxDelay:   time.Second,
	},
	MinConnectTimeout: time.Second,
}

// ClientManager manages gRPC connections to followers.
type ClientManager struct {
	mu      sync.RWMutex
	conns   map[string]*grpc.ClientConn
	clients map[string]*ReplicaClient
}

// NewClientManager creates a new client manager.
func NewClientManager() *ClientManager {
	return &ClientManager{
		conns:   make(map[string]*grpc.ClientConn),
		clients: make(map[string]*ReplicaClient),
	}
}

// GetClient returns a client for the given address, creating the
// connection on first use. Connections are established lazily, so this
// does not block on an unreachable follower.
func (cm *ClientManager) GetClient(addr string) (*ReplicaClient, error) {
	cm.mu.RLock()
	client, exists := cm.clients[addr]
	cm.mu.RUnlock()

	if exists {
		return client, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Double-check after acquiring write lock
	if client, exists := cm.clients[addr]; exists {
		return client, nil
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(connectParams),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}

	client = NewReplicaClient(conn)
	cm.conns[addr] = conn
	cm.clients[addr] = client
	return client, nil
}

// Send implements replication.Sender. The call waits for the connection to
// become ready, so it is bounded by ctx rather than failing fast while a
// follower reconnects.
func (cm *ClientManager) Send(ctx context.Context, addr string, intent replication.Intent) error {
	client, err := cm.GetClient(addr)
	if err != nil {
		return err
	}

	_, err = client.Replicate(ctx, &ReplicateRequest{
		Key:       intent.Key,
		Value:     intent.Value,
		Seq:       intent.Seq,
		RequestID: intent.RequestID,
		LeaderID:  intent.LeaderID,
	}, grpc.WaitForReady(true))
	return err
}

// Snapshot fetches a follower's full store.
func (cm *ClientManager) Snapshot(ctx context.Context, addr string) (map[string]storage.Entry, error) {
	client, err := cm.GetClient(addr)
	if err != nil {
		return nil, err
	}

	resp, err := client.Snapshot(ctx, &SnapshotRequest{}, grpc.WaitForReady(true))
	if err != nil {
		return nil, err
	}

	out := make(map[string]storage.Entry, len(resp.Entries))
	for _, e := range resp.Entries {
		out[e.Key] = storage.Entry{Value: e.Value, Seq: e.Seq}
	}
	return out, nil
}

// Probe checks a follower and returns its incarnation. It fails fast when
// the connection is down.
func (cm *ClientManager) Probe(ctx context.Context, addr string) (uint64, error) {
	client, err := cm.GetClient(addr)
	if err != nil {
		return 0, err
	}

	resp, err := client.Health(ctx, &HealthRequest{})
	if err != nil {
		return 0, err
	}
	return resp.Incarnation, nil
}

// Close closes all connections.
func (cm *ClientManager) Close() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, conn := range cm.conns {
		conn.Close()
	}
	cm.conns = make(map[string]*grpc.ClientConn)
	cm.clients = make(map[string]*ReplicaClient)
}
