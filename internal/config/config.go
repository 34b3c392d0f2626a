// Package config loads the mmrp node configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Operative-001/mmrp/internal/identity"
	"github.com/Operative-001/mmrp/internal/logging"
	"github.com/Operative-001/mmrp/internal/node"
	"github.com/Operative-001/mmrp/internal/transport"
)

// Peer is a relay to announce to the node at start-up.
type Peer struct {
	URI      string `yaml:"uri"`
	Identity string `yaml:"identity"`
}

// Config is the on-disk configuration of one node.
type Config struct {
	Role              string               `yaml:"role"`
	Cluster           string               `yaml:"cluster"`
	Listen            transport.BindConfig `yaml:"listen"`
	Relay             *Peer                `yaml:"relay"`
	Peers             []Peer               `yaml:"peers"`
	DataDir           string               `yaml:"data_dir"`
	Log               logging.Config       `yaml:"log"`
	HandshakeAttempts int                  `yaml:"handshake_attempts"`
	RetryDelay        time.Duration        `yaml:"retry_delay"`
}

// DefaultDataDir is ~/.mmrp, or .mmrp when the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mmrp"
	}
	return filepath.Join(home, ".mmrp")
}

// Default returns the configuration of a relay on a random TCP port.
func Default() *Config {
	return &Config{
		Role:              node.RoleRelay.String(),
		Listen:            transport.BindConfig{Host: "0.0.0.0", Port: "*"},
		DataDir:           DefaultDataDir(),
		Log:               logging.Config{Level: logging.DefaultLevel},
		HandshakeAttempts: 100,
		RetryDelay:        200 * time.Millisecond,
	}
}

// Load reads path over the defaults. A missing file is an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields that cannot be fixed up by defaults.
func (c *Config) Validate() error {
	role, err := node.ParseRole(c.Role)
	if err != nil {
		return fmt.Errorf("config: role: %w", err)
	}
	if role == node.RoleClient && c.Relay == nil {
		return errors.New("config: a client needs a relay to connect to")
	}
	if c.Relay != nil && c.Relay.URI == "" {
		return errors.New("config: relay.uri is required")
	}
	for i, p := range c.Peers {
		if p.URI == "" || p.Identity == "" {
			return fmt.Errorf("config: peers[%d] needs a uri and an identity", i)
		}
	}
	if c.HandshakeAttempts < 0 {
		return fmt.Errorf("config: handshake_attempts must not be negative, got %d", c.HandshakeAttempts)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("config: retry_delay must not be negative, got %s", c.RetryDelay)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// RelayIdentity is the identity of the client's upstream relay; it defaults
// to the cluster, which is how relays are named.
func (c *Config) RelayIdentity() string {
	if c.Relay == nil {
		return ""
	}
	if c.Relay.Identity != "" {
		return c.Relay.Identity
	}
	return c.Cluster
}

// NodeConfig turns c into a node.Config.
func (c *Config) NodeConfig(logger *zap.Logger, boot *identity.Bootstrap) (node.Config, error) {
	role, err := node.ParseRole(c.Role)
	if err != nil {
		return node.Config{}, err
	}
	nc := node.Config{
		Role:              role,
		ClusterID:         c.Cluster,
		Transport:         transport.NewTCP(logger),
		Bootstrap:         boot,
		Logger:            logger,
		HandshakeAttempts: c.HandshakeAttempts,
		RetryDelay:        c.RetryDelay,
	}
	if role != node.RoleClient {
		bind := c.Listen
		nc.Bind = &bind
	}
	return nc, nil
}
