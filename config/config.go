// Package config loads node configuration from a file and HIE_ environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/network"
)

// EnvPrefix prefixes environment overrides, e.g. HIE_NODE_ID.
const EnvPrefix = "HIE"

// Peer is one member of the static network.
type Peer struct {
	PeerID  string `mapstructure:"peer_id"`
	NodeID  uint64 `mapstructure:"node_id"`
	Address string `mapstructure:"address"`
}

// Config is the configuration of one node.
type Config struct {
	NodeID            uint64        `mapstructure:"node_id"`
	Peers             []Peer        `mapstructure:"peers"`
	ViewChangeTimeout time.Duration `mapstructure:"view_change_timeout"`
	CheckpointPeriod  uint64        `mapstructure:"checkpoint_period"`
	LogWindow         uint64        `mapstructure:"log_window"`
	ProposeInterval   time.Duration `mapstructure:"propose_interval"`
	BlockSize         int           `mapstructure:"block_size"`
	MempoolSize       int           `mapstructure:"mempool_size"`
	Listen            string        `mapstructure:"listen"`
	MetricsAddress    string        `mapstructure:"metrics_address"`
	SnapshotAddress   string        `mapstructure:"snapshot_address"`
	AuthToken         string        `mapstructure:"auth_token"`
	DataDir           string        `mapstructure:"data_dir"`
	ValidationWorkers int           `mapstructure:"validation_workers"`
}

// Default returns the default configuration. It has no peers and is not
// valid on its own.
func Default() Config {
	return Config{
		ViewChangeTimeout: 4 * time.Second,
		CheckpointPeriod:  100,
		ProposeInterval:   time.Second,
		BlockSize:         100,
		MempoolSize:       10000,
		Listen:            "tcp://127.0.0.1:5050",
		MetricsAddress:    ":9100",
		ValidationWorkers: 2,
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("node_id", d.NodeID)
	v.SetDefault("view_change_timeout", d.ViewChangeTimeout)
	v.SetDefault("checkpoint_period", d.CheckpointPeriod)
	v.SetDefault("log_window", d.LogWindow)
	v.SetDefault("propose_interval", d.ProposeInterval)
	v.SetDefault("block_size", d.BlockSize)
	v.SetDefault("mempool_size", d.MempoolSize)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("metrics_address", d.MetricsAddress)
	v.SetDefault("snapshot_address", d.SnapshotAddress)
	v.SetDefault("auth_token", d.AuthToken)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("validation_workers", d.ValidationWorkers)
}

// Load reads file, if not empty, and applies environment overrides on top of
// the defaults. The result is not validated.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
	}

	c := new(Config)
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return c, nil
}

// Validate checks the configuration, including that the peer list forms a
// valid membership containing this node.
func (c *Config) Validate() error {
	var errs []error

	if c.ViewChangeTimeout <= 0 {
		errs = append(errs, errors.New("view_change_timeout must be positive"))
	}
	if c.CheckpointPeriod == 0 {
		errs = append(errs, errors.New("checkpoint_period must be positive"))
	}
	if c.LogWindow != 0 && c.LogWindow < c.CheckpointPeriod {
		errs = append(errs, errors.New("log_window must cover at least one checkpoint period"))
	}
	if c.ProposeInterval <= 0 {
		errs = append(errs, errors.New("propose_interval must be positive"))
	}
	if c.BlockSize <= 0 {
		errs = append(errs, errors.New("block_size must be positive"))
	}
	if c.MempoolSize < c.BlockSize {
		errs = append(errs, errors.New("mempool_size must be at least block_size"))
	}
	if c.ValidationWorkers <= 0 {
		errs = append(errs, errors.New("validation_workers must be positive"))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}

	if _, err := c.ConsensusConfig(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// PeerMappings parses the peer list.
func (c *Config) PeerMappings() ([]consensus.PeerMapping, error) {
	mappings := make([]consensus.PeerMapping, 0, len(c.Peers))
	for i, p := range c.Peers {
		id, err := consensus.ParsePeerID(p.PeerID)
		if err != nil {
			return nil, fmt.Errorf("peers[%d]: %w", i, err)
		}
		mappings = append(mappings, consensus.PeerMapping{PeerID: id, NodeID: p.NodeID})
	}
	return mappings, nil
}

// ConsensusConfig converts the configuration for consensus.NewState.
func (c *Config) ConsensusConfig() (consensus.Config, error) {
	mappings, err := c.PeerMappings()
	if err != nil {
		return consensus.Config{}, err
	}
	membership, err := consensus.NewMembership(mappings)
	if err != nil {
		return consensus.Config{}, err
	}
	if _, ok := membership.PeerID(c.NodeID); !ok {
		return consensus.Config{}, fmt.Errorf("%w: node %d", consensus.ErrUnknownLocalNode, c.NodeID)
	}

	return consensus.Config{
		Peers:             mappings,
		ViewChangeTimeout: c.ViewChangeTimeout,
	}, nil
}

// LocalPeerID returns the peer id configured for NodeID.
func (c *Config) LocalPeerID() (consensus.PeerID, error) {
	for _, p := range c.Peers {
		if p.NodeID == c.NodeID {
			return consensus.ParsePeerID(p.PeerID)
		}
	}
	return nil, fmt.Errorf("%w: node %d", consensus.ErrUnknownLocalNode, c.NodeID)
}

// NetworkConfig converts the configuration for network.NewNetworkService.
func (c *Config) NetworkConfig() (network.NetworkConfig, error) {
	self, err := c.LocalPeerID()
	if err != nil {
		return network.NetworkConfig{}, err
	}

	nc := network.DefaultNetworkConfig()
	nc.PeerID = self
	nc.Listen = c.Listen
	for i, p := range c.Peers {
		id, err := consensus.ParsePeerID(p.PeerID)
		if err != nil {
			return network.NetworkConfig{}, fmt.Errorf("peers[%d]: %w", i, err)
		}
		nc.Peers = append(nc.Peers, network.PeerAddress{PeerID: id, Address: p.Address})
	}
	return nc, nil
}
