package config

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role distinguishes the leader from its followers.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// Follower is a follower node as seen by the leader.
type Follower struct {
	ID   string
	Addr string // gRPC address
}

// Config holds the node configuration.
type Config struct {
	Role     Role
	NodeID   string
	HTTPAddr string
	GRPCAddr string

	// Leader only.
	Followers           []Follower
	WriteQuorum         int
	ReplicateTimeout    time.Duration // per follower attempt
	QuorumTimeout       time.Duration // how long a writer waits for quorum
	MinDelay            time.Duration
	MaxDelay            time.Duration
	ProbeInterval       time.Duration
	AntiEntropyInterval time.Duration

	ShutdownTimeout time.Duration
}

// FollowerAddrs returns the follower gRPC addresses in configuration order.
func (c *Config) FollowerAddrs() []string {
	addrs := make([]string, len(c.Followers))
	for i, f := range c.Followers {
		addrs[i] = f.Addr
	}
	return addrs
}

// IsLeader reports whether the node is configured as leader.
func (c *Config) IsLeader() bool {
	return c.Role == RoleLeader
}

// ParseFollowers parses a comma-separated list of followers. Each entry is
// either "id=addr" or a bare "addr", in which case the address doubles as ID:
// "f1=127.0.0.1:9001,f2=127.0.0.1:9002"
func ParseFollowers(s string) ([]Follower, error) {
	if strings.TrimSpace(s) == "" {
		return []Follower{}, nil
	}

	parts := strings.Split(s, ",")
	followers := make([]Follower, 0, len(parts))
	seen := make(map[string]bool, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		var id, addr string
		if kv := strings.SplitN(part, "=", 2); len(kv) == 2 {
			id = strings.TrimSpace(kv[0])
			addr = strings.TrimSpace(kv[1])
			if id == "" || addr == "" {
				return nil, fmt.Errorf("follower ID and address cannot be empty: %s", part)
			}
		} else {
			id, addr = part, part
		}

		if seen[addr] {
			return nil, fmt.Errorf("duplicate follower address: %s", addr)
		}
		seen[addr] = true

		followers = append(followers, Follower{ID: id, Addr: addr})
	}

	return followers, nil
}

// Load builds a Config from command-line args, using environment variables
// (looked up through getenv) as defaults for every flag.
func Load(args []string, getenv func(string) string) (*Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	fs := flag.NewFlagSet("kvnode", flag.ContinueOnError)

	role := fs.String("role", env("ROLE", string(RoleLeader)), "node role: leader or follower")
	nodeID := fs.String("node-id", env("NODE_ID", ""), "node identifier (defaults to the role)")
	httpAddr := fs.String("http", env("HTTP_ADDR", ":8000"), "client HTTP listen address")
	grpcAddr := fs.String("grpc", env("GRPC_ADDR", ":9000"), "replication gRPC listen address")
	followers := fs.String("followers", env("FOLLOWER_ADDRS", ""), "comma-separated follower gRPC addresses (id=addr or addr)")
	quorum := fs.String("w", env("WRITE_QUORUM", "1"), "followers that must ack a write")
	replicateMS := fs.String("replicate-timeout-ms", env("REPLICATE_TIMEOUT_MS", "2000"), "per-follower attempt timeout")
	quorumMS := fs.String("quorum-timeout-ms", env("QUORUM_TIMEOUT_MS", ""), "quorum wait timeout (defaults to the replicate timeout)")
	minDelayMS := fs.String("min-delay-ms", env("MIN_DELAY_MS", "0"), "simulated minimum replication delay")
	maxDelayMS := fs.String("max-delay-ms", env("MAX_DELAY_MS", "0"), "simulated maximum replication delay")
	probeMS := fs.String("probe-interval-ms", env("PROBE_INTERVAL_MS", "1000"), "follower health probe interval (0 disables)")
	antiEntropyMS := fs.String("anti-entropy-interval-ms", env("ANTI_ENTROPY_INTERVAL_MS", "0"), "periodic follower repair interval (0 disables)")
	shutdownMS := fs.String("shutdown-timeout-ms", env("SHUTDOWN_TIMEOUT_MS", "5000"), "graceful shutdown timeout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Role:     Role(strings.ToLower(strings.TrimSpace(*role))),
		NodeID:   strings.TrimSpace(*nodeID),
		HTTPAddr: *httpAddr,
		GRPCAddr: *grpcAddr,
	}
	if cfg.NodeID == "" {
		cfg.NodeID = string(cfg.Role)
	}

	var err error
	if cfg.Followers, err = ParseFollowers(*followers); err != nil {
		return nil, err
	}
	if cfg.WriteQuorum, err = strconv.Atoi(strings.TrimSpace(*quorum)); err != nil {
		return nil, fmt.Errorf("invalid write quorum %q: %w", *quorum, err)
	}

	if cfg.ReplicateTimeout, err = parseMillis("replicate timeout", *replicateMS); err != nil {
		return nil, err
	}
	cfg.QuorumTimeout = cfg.ReplicateTimeout
	if *quorumMS != "" {
		if cfg.QuorumTimeout, err = parseMillis("quorum timeout", *quorumMS); err != nil {
			return nil, err
		}
	}
	if cfg.MinDelay, err = parseMillis("min delay", *minDelayMS); err != nil {
		return nil, err
	}
	if cfg.MaxDelay, err = parseMillis("max delay", *maxDelayMS); err != nil {
		return nil, err
	}
	if cfg.ProbeInterval, err = parseMillis("probe interval", *probeMS); err != nil {
		return nil, err
	}
	if cfg.AntiEntropyInterval, err = parseMillis("anti-entropy interval", *antiEntropyMS); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = parseMillis("shutdown timeout", *shutdownMS); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	var errs []error

	switch c.Role {
	case RoleLeader, RoleFollower:
	default:
		errs = append(errs, fmt.Errorf("unknown role %q (expected leader or follower)", c.Role))
	}
	if c.WriteQuorum < 0 {
		errs = append(errs, fmt.Errorf("write quorum cannot be negative: %d", c.WriteQuorum))
	}
	if c.ReplicateTimeout <= 0 {
		errs = append(errs, errors.New("replicate timeout must be positive"))
	}
	if c.QuorumTimeout <= 0 {
		errs = append(errs, errors.New("quorum timeout must be positive"))
	}
	if c.MaxDelay > 0 && c.MaxDelay < c.MinDelay {
		errs = append(errs, fmt.Errorf("max delay %s is below min delay %s", c.MaxDelay, c.MinDelay))
	}
	if c.Role == RoleFollower && len(c.Followers) > 0 {
		errs = append(errs, errors.New("followers do not replicate; follower list must be empty"))
	}

	return errors.Join(errs...)
}

func parseMillis(name, s string) (time.Duration, error) {
	ms, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	if ms < 0 {
		return 0, fmt.Errorf("%s cannot be negative: %d", name, ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
