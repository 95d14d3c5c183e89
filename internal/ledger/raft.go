package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// Replicated is a ledger backed by a Raft node. Only the leader accepts commands.
type Replicated struct {
	config    Config
	raft      *raft.Raft
	fsm       *ManifestFSM
	transport io.Closer
	logger    *slog.Logger
	mu        sync.RWMutex
	shutdown  bool
}

var _ Ledger = (*Replicated)(nil)

// NewReplicated creates a replicated ledger node. Call Start before applying commands.
func NewReplicated(config Config, logger *slog.Logger) (*Replicated, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Replicated{
		config: config,
		fsm:    NewManifestFSM(logger),
		logger: logger,
	}, nil
}

// Start creates the Raft node and bootstraps the configured membership.
func (r *Replicated) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.raft != nil {
		return fmt.Errorf("ledger already started")
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(r.config.NodeID)
	raftConfig.HeartbeatTimeout = r.config.HeartbeatTimeout
	raftConfig.ElectionTimeout = r.config.ElectionTimeout
	raftConfig.LeaderLeaseTimeout = r.config.HeartbeatTimeout
	raftConfig.SnapshotInterval = r.config.SnapshotInterval
	raftConfig.SnapshotThreshold = r.config.SnapshotThreshold
	raftConfig.Logger = newRaftLogger(r.logger, r.config.LogLevel)

	logStore := raft.NewInmemStore()
	stableStore := raft.NewInmemStore()

	var snapshotStore raft.SnapshotStore = raft.NewInmemSnapshotStore()
	if r.config.DataDir != "" {
		fileStore, err := raft.NewFileSnapshotStore(r.config.DataDir, 2, io.Discard)
		if err != nil {
			return fmt.Errorf("create snapshot store: %w", err)
		}
		snapshotStore = fileStore
	}

	var (
		transport raft.Transport
		servers   []raft.Server
	)
	if r.config.InMemory() {
		addr, inmem := raft.NewInmemTransport("")
		transport = inmem
		r.transport = inmem
		servers = []raft.Server{{ID: raftConfig.LocalID, Address: addr, Suffrage: raft.Voter}}
	} else {
		addr, err := net.ResolveTCPAddr("tcp", r.config.BindAddr)
		if err != nil {
			return fmt.Errorf("resolve bind address: %w", err)
		}

		tcp, err := raft.NewTCPTransport(r.config.BindAddr, addr, 3, 10*time.Second, nil)
		if err != nil {
			return fmt.Errorf("create transport: %w", err)
		}
		transport = tcp
		r.transport = tcp

		for _, peer := range r.config.Peers {
			// Peer address doubles as server ID
			id := raft.ServerID(peer)
			if peer == r.config.BindAddr {
				id = raftConfig.LocalID
			}
			servers = append(servers, raft.Server{
				ID:       id,
				Address:  raft.ServerAddress(peer),
				Suffrage: raft.Voter,
			})
		}
	}

	node, err := raft.NewRaft(raftConfig, r.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		r.transport.Close()
		return fmt.Errorf("create raft: %w", err)
	}
	r.raft = node

	future := r.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		r.logger.Error("failed to bootstrap cluster", "error", err)
		// Continue anyway - node might be joining existing cluster
	}

	r.logger.Info("ledger node started",
		"node_id", r.config.NodeID,
		"bind", r.config.BindAddr,
		"in_memory", r.config.InMemory(),
		"peers", len(servers))

	return nil
}

// Apply implements Ledger. It fails on followers.
func (r *Replicated) Apply(ctx context.Context, cmd Command) error {
	r.mu.RLock()
	if r.shutdown {
		r.mu.RUnlock()
		return fmt.Errorf("ledger is shut down")
	}
	node := r.raft
	r.mu.RUnlock()

	if node == nil {
		return fmt.Errorf("ledger not started")
	}

	if node.State() != raft.Leader {
		return fmt.Errorf("not the leader (leader at %q)", r.LeaderAddr())
	}

	data, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}

	timeout := r.config.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	future := node.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply command: %w", err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return err
	}

	return nil
}

// Channel implements Ledger.
func (r *Replicated) Channel(key string) (ChannelLog, bool) { return r.fsm.Channel(key) }

// Channels implements Ledger.
func (r *Replicated) Channels() []ChannelLog { return r.fsm.Channels() }

// RunID implements Ledger.
func (r *Replicated) RunID() string { return r.fsm.GetState().RunID }

// Close implements Ledger by shutting the node down.
func (r *Replicated) Close() error { return r.Shutdown() }

// IsLeader returns true if this node is the Raft leader.
func (r *Replicated) IsLeader() bool {
	r.mu.RLock()
	node := r.raft
	r.mu.RUnlock()

	if node == nil {
		return false
	}

	return node.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader.
func (r *Replicated) LeaderAddr() string {
	r.mu.RLock()
	node := r.raft
	r.mu.RUnlock()

	if node == nil {
		return ""
	}

	leaderAddr, _ := node.LeaderWithID()
	return string(leaderAddr)
}

// State returns the current Raft state.
func (r *Replicated) State() string {
	r.mu.RLock()
	node := r.raft
	r.mu.RUnlock()

	if node == nil {
		return "NotStarted"
	}

	return node.State().String()
}

// Shutdown gracefully shuts down the Raft node.
func (r *Replicated) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return nil
	}

	r.shutdown = true

	if r.raft != nil {
		if err := r.raft.Shutdown().Error(); err != nil {
			r.logger.Error("failed to shutdown raft", "error", err)
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}

	if r.transport != nil {
		if err := r.transport.Close(); err != nil {
			r.logger.Error("failed to close transport", "error", err)
			return fmt.Errorf("close transport: %w", err)
		}
	}

	r.logger.Info("ledger node shut down")
	return nil
}

// WaitForLeader blocks until a leader is elected or context is canceled.
func (r *Replicated) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if r.LeaderAddr() != "" {
				return nil
			}
		}
	}
}
