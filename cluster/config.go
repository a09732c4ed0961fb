package cluster

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
	Timing  TimingConfig  `yaml:"timing"`
}

type NodeConfig struct {
	ID      uint32 `yaml:"id"`
	Address string `yaml:"address"`
	DataDir string `yaml:"data_dir"`
}

type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID      uint32 `yaml:"id"`
	Address string `yaml:"address"`
}

// TimingConfig tunes the consensus timers. Zero values fall back to the
// defaults below.
type TimingConfig struct {
	ElectionTimeoutMinMs int `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMs int `yaml:"election_timeout_max_ms"`
	HeartbeatIntervalMs  int `yaml:"heartbeat_interval_ms"`
	RPCTimeoutMs         int `yaml:"rpc_timeout_ms"`
}

const (
	defaultElectionTimeoutMinMs = 150
	defaultElectionTimeoutMaxMs = 300
	defaultHeartbeatIntervalMs  = 50
	defaultRPCTimeoutMs         = 1000
)

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Timing.ElectionTimeoutMinMs == 0 {
		c.Timing.ElectionTimeoutMinMs = defaultElectionTimeoutMinMs
	}
	if c.Timing.ElectionTimeoutMaxMs == 0 {
		c.Timing.ElectionTimeoutMaxMs = defaultElectionTimeoutMaxMs
	}
	if c.Timing.HeartbeatIntervalMs == 0 {
		c.Timing.HeartbeatIntervalMs = defaultHeartbeatIntervalMs
	}
	if c.Timing.RPCTimeoutMs == 0 {
		c.Timing.RPCTimeoutMs = defaultRPCTimeoutMs
	}
}

func (c *Config) Validate() error {
	if c.Node.ID == 0 {
		return fmt.Errorf("node.id must be greater than 0")
	}

	if c.Node.Address == "" {
		return fmt.Errorf("node.address is required")
	}

	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}

	if len(c.Cluster.Peers) == 0 {
		return fmt.Errorf("cluster.peers must contain at least one peer")
	}

	found := false
	for _, peer := range c.Cluster.Peers {
		if peer.ID == c.Node.ID {
			found = true
			if peer.Address != c.Node.Address {
				return fmt.Errorf("node address mismatch: node.address=%s but peer address=%s",
					c.Node.Address, peer.Address)
			}
			break
		}
	}

	if !found {
		return fmt.Errorf("node.id=%d not found in cluster.peers", c.Node.ID)
	}

	uniqueIDs := make(map[uint32]bool)
	for _, peer := range c.Cluster.Peers {
		if peer.ID == 0 {
			return fmt.Errorf("peer ID must be greater than 0")
		}
		if uniqueIDs[peer.ID] {
			return fmt.Errorf("duplicate peer ID: %d", peer.ID)
		}
		uniqueIDs[peer.ID] = true
	}

	if c.Timing.ElectionTimeoutMinMs >= c.Timing.ElectionTimeoutMaxMs {
		return fmt.Errorf("timing.election_timeout_min_ms must be below timing.election_timeout_max_ms")
	}

	return nil
}

// GetPeers returns the full membership map, this node included.
func (c *Config) GetPeers() map[uint32]string {
	res := make(map[uint32]string, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		res[peer.ID] = peer.Address
	}
	return res
}

func (c *Config) ElectionTimeoutMin() time.Duration {
	return time.Duration(c.Timing.ElectionTimeoutMinMs) * time.Millisecond
}

func (c *Config) ElectionTimeoutMax() time.Duration {
	return time.Duration(c.Timing.ElectionTimeoutMaxMs) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Timing.HeartbeatIntervalMs) * time.Millisecond
}

func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.Timing.RPCTimeoutMs) * time.Millisecond
}
