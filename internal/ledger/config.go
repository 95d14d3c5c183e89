package ledger

import (
	"fmt"
	"net"
	"time"
)

// Config holds the configuration for a replicated ledger node.
type Config struct {
	// NodeID is the unique identifier for this Raft node.
	NodeID string
	// BindAddr is the address to bind for Raft communication (host:port).
	// Empty selects an in-memory transport for a single-node ledger.
	BindAddr string
	// Peers is the list of peer Raft addresses (including this node).
	Peers []string
	// DataDir holds Raft snapshots. Empty keeps them in memory.
	DataDir string
	// LogLevel is the hclog level for Raft's own logging ("off" silences it).
	LogLevel string
	// ApplyTimeout bounds a single command commit.
	ApplyTimeout time.Duration
	// HeartbeatTimeout is the Raft heartbeat timeout.
	HeartbeatTimeout time.Duration
	// ElectionTimeout is the Raft election timeout.
	ElectionTimeout time.Duration
	// SnapshotInterval is how often to take snapshots.
	SnapshotInterval time.Duration
	// SnapshotThreshold is the number of logs before taking a snapshot.
	SnapshotThreshold uint64
}

// InMemory reports whether the node uses the in-memory transport.
func (c *Config) InMemory() bool {
	return c.BindAddr == ""
}

// Validate checks if the configuration is valid and fills defaults.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node-id is required")
	}

	if !c.InMemory() {
		if _, _, err := net.SplitHostPort(c.BindAddr); err != nil {
			return fmt.Errorf("invalid raft-bind address %q: %w", c.BindAddr, err)
		}

		if len(c.Peers) == 0 {
			return fmt.Errorf("at least one peer is required")
		}

		for i, peer := range c.Peers {
			if _, _, err := net.SplitHostPort(peer); err != nil {
				return fmt.Errorf("invalid peer address %d %q: %w", i, peer, err)
			}
		}
	}

	// Set defaults
	if c.LogLevel == "" {
		c.LogLevel = "off"
	}
	if c.ApplyTimeout == 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 1 * time.Second
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 1 * time.Second
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 120 * time.Second
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = 8192
	}

	return nil
}
