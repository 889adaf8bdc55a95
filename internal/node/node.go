package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	"semisynckv/internal/config"
	"semisynckv/internal/membership"
	"semisynckv/internal/repair"
	"semisynckv/internal/replication"
	"semisynckv/internal/storage"
)

// Node represents a single leader or follower process.
type Node struct {
	cfg     *config.Config
	store   storage.Store
	service *Service

	// Leader only.
	clientMgr   *ClientManager
	coordinator *replication.Coordinator
	membership  *membership.Membership
	repairer    *repair.Repairer

	grpcServer *grpc.Server
	httpServer *http.Server
	grpcLis    net.Listener
	httpLis    net.Listener

	loopCancel context.CancelFunc
	loops      sync.WaitGroup
}

// NewNode creates a node for cfg. Leader nodes get a replication
// coordinator, follower liveness tracking and a repairer; followers only
// apply what they are sent.
func NewNode(cfg *config.Config) *Node {
	store := storage.NewInMemoryStore()
	incarnation := uint64(time.Now().UnixNano())

	n := &Node{
		cfg:   cfg,
		store: store,
	}

	if cfg.IsLeader() {
		n.clientMgr = NewClientManager()
		tracker := replication.NewTracker()

		n.coordinator = replication.NewCoordinator(cfg.NodeID, n.clientMgr,
			replication.WithTracker(tracker),
			replication.WithSimulatedDelay(cfg.MinDelay, cfg.MaxDelay),
		)
		n.repairer = repair.NewRepairer(cfg.NodeID, store.Dump, n.clientMgr.Snapshot, n.clientMgr, tracker, cfg.ReplicateTimeout)

		if cfg.ProbeInterval > 0 && len(cfg.Followers) > 0 {
			n.membership = membership.NewMembership(cfg.NodeID, cfg.ProbeInterval, 3*cfg.ProbeInterval)
			for _, f := range cfg.Followers {
				n.membership.AddMember(f.ID, f.Addr)
			}
			n.membership.SetOnRecovered(n.onFollowerRecovered)
		}

		n.service = NewService(cfg, store, n.coordinator, n.membership, n.clientMgr.Snapshot, incarnation)
	} else {
		n.service = NewService(cfg, store, nil, nil, nil, incarnation)
	}

	return n
}

// Service returns the node's logical operations.
func (n *Node) Service() *Service {
	return n.service
}

// Start binds both listeners and serves in the background. It returns once
// the node is accepting connections.
func (n *Node) Start() error {
	grpcLis, err := net.Listen("tcp", n.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.GRPCAddr, err)
	}
	httpLis, err := net.Listen("tcp", n.cfg.HTTPAddr)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.HTTPAddr, err)
	}
	n.grpcLis = grpcLis
	n.httpLis = httpLis

	n.grpcServer = grpc.NewServer()
	RegisterReplicaServer(n.grpcServer, NewInternalServer(n.service))

	n.httpServer = &http.Server{
		Handler:           NewHTTPHandler(n.service),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := n.grpcServer.Serve(grpcLis); err != nil {
			log.Printf("[%s] gRPC server exited: %v", n.cfg.NodeID, err)
		}
	}()
	go func() {
		if err := n.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[%s] HTTP server exited: %v", n.cfg.NodeID, err)
		}
	}()

	loopCtx, cancel := context.WithCancel(context.Background())
	n.loopCancel = cancel

	if n.membership != nil {
		n.membership.Start(n.clientMgr.Probe)
		log.Printf("[%s] Started follower liveness probes every %s", n.cfg.NodeID, n.cfg.ProbeInterval)
	}
	if n.repairer != nil && n.cfg.AntiEntropyInterval > 0 {
		n.loops.Add(1)
		go func() {
			defer n.loops.Done()
			n.repairer.Run(loopCtx, n.cfg.AntiEntropyInterval, n.cfg.FollowerAddrs())
		}()
	}

	log.Printf("[%s] Starting %s node: http=%s grpc=%s followers=%d quorum=%d",
		n.cfg.NodeID, n.cfg.Role, httpLis.Addr(), grpcLis.Addr(), len(n.cfg.Followers), n.cfg.WriteQuorum)
	return nil
}

// HTTPAddr returns the bound client address.
func (n *Node) HTTPAddr() string {
	if n.httpLis == nil {
		return n.cfg.HTTPAddr
	}
	return n.httpLis.Addr().String()
}

// GRPCAddr returns the bound replication address.
func (n *Node) GRPCAddr() string {
	if n.grpcLis == nil {
		return n.cfg.GRPCAddr
	}
	return n.grpcLis.Addr().String()
}

// Stop shuts the node down: stop taking client requests, stop background
// loops, drain in-flight replication (cancelling it if ctx expires), then
// stop serving replication RPCs.
func (n *Node) Stop(ctx context.Context) error {
	log.Printf("[%s] Stopping node", n.cfg.NodeID)

	var errs []error
	if n.httpServer != nil {
		if err := n.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if n.membership != nil {
		n.membership.Stop()
	}
	if n.loopCancel != nil {
		n.loopCancel()
		n.loops.Wait()
	}
	if n.coordinator != nil {
		if err := n.coordinator.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("replication drain: %w", err))
		}
	}
	if n.grpcServer != nil {
		n.grpcServer.GracefulStop()
	}
	if n.clientMgr != nil {
		n.clientMgr.Close()
	}
	return errors.Join(errs...)
}

// onFollowerRecovered repairs a follower that came back or restarted.
func (n *Node) onFollowerRecovered(m membership.Member) {
	log.Printf("[%s] Follower %s (%s) recovered, scheduling repair", n.cfg.NodeID, m.ID, m.Addr)
	n.repairer.Repair(m.Addr)
}
