package it

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"semisynckv/internal/config"
	"semisynckv/internal/node"
	"semisynckv/internal/storage"
)

// Cluster is an in-process leader with a set of followers, each serving
// real HTTP and gRPC listeners on loopback.
type Cluster struct {
	mu        sync.Mutex
	leader    *Node
	followers []*Node
	client    *http.Client
}

// Node is one member of the test cluster.
type Node struct {
	ID  string
	cfg *config.Config
	n   *node.Node
}

// HTTPURL returns the node's client base URL.
func (n *Node) HTTPURL() string {
	return "http://" + n.n.HTTPAddr()
}

// Running reports whether the node is serving.
func (n *Node) Running() bool {
	return n.n != nil
}

// PutResult is the decoded body of a PUT, successful or not.
type PutResult struct {
	Status       int
	Key          string `json:"key"`
	Value        string `json:"value"`
	Seq          uint64 `json:"seq"`
	Acks         int    `json:"acks"`
	Quorum       int    `json:"quorum"`
	ReplicatedTo int    `json:"replicated_to"`
	Message      string `json:"message"`
	Error        string `json:"error"`
}

// NewCluster creates an empty cluster harness.
func NewCluster() *Cluster {
	return &Cluster{client: &http.Client{Timeout: 10 * time.Second}}
}

// StartFollowers starts count followers named f1..fN.
func (c *Cluster) StartFollowers(ctx context.Context, count int) error {
	for i := 1; i <= count; i++ {
		cfg := &config.Config{
			Role:     config.RoleFollower,
			NodeID:   fmt.Sprintf("f%d", i),
			HTTPAddr: "127.0.0.1:0",
			GRPCAddr: "127.0.0.1:0",
		}
		fn := &Node{ID: cfg.NodeID, cfg: cfg}
		if err := c.start(ctx, fn); err != nil {
			c.Stop()
			return err
		}

		c.mu.Lock()
		c.followers = append(c.followers, fn)
		c.mu.Unlock()
	}
	return nil
}

// StartLeader starts the leader against every follower started so far.
// tune may adjust the config before the node is created.
func (c *Cluster) StartLeader(ctx context.Context, quorum int, tune func(*config.Config)) error {
	c.mu.Lock()
	followers := make([]config.Follower, 0, len(c.followers))
	for _, f := range c.followers {
		// Followers keep their replication address across restarts.
		followers = append(followers, config.Follower{ID: f.ID, Addr: f.cfg.GRPCAddr})
	}
	c.mu.Unlock()

	cfg := &config.Config{
		Role:             config.RoleLeader,
		NodeID:           "leader",
		HTTPAddr:         "127.0.0.1:0",
		GRPCAddr:         "127.0.0.1:0",
		Followers:        followers,
		WriteQuorum:      quorum,
		ReplicateTimeout: time.Second,
		QuorumTimeout:    time.Second,
		ProbeInterval:    100 * time.Millisecond,
		ShutdownTimeout:  5 * time.Second,
	}
	if tune != nil {
		tune(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	leader := &Node{ID: cfg.NodeID, cfg: cfg}
	if err := c.start(ctx, leader); err != nil {
		return err
	}

	c.mu.Lock()
	c.leader = leader
	c.mu.Unlock()
	return nil
}

func (c *Cluster) start(ctx context.Context, member *Node) error {
	n := node.NewNode(member.cfg)
	if err := n.Start(); err != nil {
		return fmt.Errorf("failed to start node %s: %w", member.ID, err)
	}
	member.n = n
	// Pin the bound replication address so a restart reuses it.
	member.cfg.GRPCAddr = n.GRPCAddr()

	if err := c.waitForReady(ctx, member, 10*time.Second); err != nil {
		c.stopNode(member)
		return fmt.Errorf("node %s failed to become ready: %w", member.ID, err)
	}
	return nil
}

// waitForReady polls the node's health endpoint.
func (c *Cluster) waitForReady(ctx context.Context, member *Node, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for node %s to be ready", member.ID)
			}
			var h node.HealthReport
			if status, err := c.do(ctx, http.MethodGet, member.HTTPURL()+"/health", nil, &h); err == nil && status == http.StatusOK && h.OK {
				return nil
			}
		}
	}
}

// Leader returns the leader.
func (c *Cluster) Leader() *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

// GetNode returns a follower by ID.
func (c *Cluster) GetNode(id string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, f := range c.followers {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// Followers returns every follower.
func (c *Cluster) Followers() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Node(nil), c.followers...)
}

// KillNode stops a follower. Its in-memory state is lost.
func (c *Cluster) KillNode(id string) error {
	f := c.GetNode(id)
	if f == nil {
		return fmt.Errorf("node %s not found", id)
	}
	c.stopNode(f)
	return nil
}

// RestartNode starts a stopped follower on its previous replication
// address with an empty store.
func (c *Cluster) RestartNode(ctx context.Context, id string) error {
	f := c.GetNode(id)
	if f == nil {
		return fmt.Errorf("node %s not found", id)
	}
	if f.Running() {
		c.stopNode(f)
	}
	f.cfg.HTTPAddr = "127.0.0.1:0"
	return c.start(ctx, f)
}

func (c *Cluster) stopNode(member *Node) {
	if member.n == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	member.n.Stop(ctx)
	member.n = nil
}

// Stop stops every node, leader first.
func (c *Cluster) Stop() {
	c.mu.Lock()
	leader, followers := c.leader, c.followers
	c.leader, c.followers = nil, nil
	c.mu.Unlock()

	if leader != nil {
		c.stopNode(leader)
	}
	for _, f := range followers {
		c.stopNode(f)
	}
}

// Put writes through the leader's client API.
func (c *Cluster) Put(ctx context.Context, key, value string) (PutResult, error) {
	var res PutResult
	status, err := c.do(ctx, http.MethodPut, c.Leader().HTTPURL()+"/kv/"+key, map[string]string{"value": value}, &res)
	res.Status = status
	return res, err
}

// Get reads key from one node.
func (c *Cluster) Get(ctx context.Context, member *Node, key string) (string, bool, error) {
	var resp struct {
		Value *string `json:"value"`
	}
	if _, err := c.do(ctx, http.MethodGet, member.HTTPURL()+"/kv/"+key, nil, &resp); err != nil {
		return "", false, err
	}
	if resp.Value == nil {
		return "", false, nil
	}
	return *resp.Value, true, nil
}

// Dump returns a node's full store.
func (c *Cluster) Dump(ctx context.Context, member *Node) (map[string]storage.Entry, error) {
	var resp struct {
		Data map[string]storage.Entry `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodGet, member.HTTPURL()+"/dump", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// FollowerStatus returns the leader's view of a follower's liveness.
func (c *Cluster) FollowerStatus(ctx context.Context, id string) (string, error) {
	var h node.HealthReport
	if _, err := c.do(ctx, http.MethodGet, c.Leader().HTTPURL()+"/health", nil, &h); err != nil {
		return "", err
	}
	for _, f := range h.Followers {
		if f.ID == id {
			return f.Status, nil
		}
	}
	return "", fmt.Errorf("follower %s not reported", id)
}

func (c *Cluster) do(ctx context.Context, method, url string, body, out any) (int, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		payload = b
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return resp.StatusCode, fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, url, err)
		}
	}
	return resp.StatusCode, nil
}
