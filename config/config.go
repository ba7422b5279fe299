package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config is the light client daemon configuration.
type Config struct {
	// Nodes are dialed on start.
	Nodes   []string `toml:"nodes" yaml:"nodes"`
	DataDir string   `toml:"data_dir" yaml:"data_dir"`
	// Listen, if set, accepts inbound streams.
	Listen string `toml:"listen" yaml:"listen"`
	// OwnerKey is the path of the hex encoded owner identity key.
	OwnerKey string `toml:"owner_key" yaml:"owner_key"`
	// NodeKey is the identity proved to inbound peers, created on first use.
	// Empty means node_key.json under DataDir.
	NodeKey string `toml:"node_key" yaml:"node_key"`

	Network   Network   `toml:"network" yaml:"network"`
	Peers     Peers     `toml:"peers" yaml:"peers"`
	Sync      Sync      `toml:"sync" yaml:"sync"`
	Metrics   Metrics   `toml:"metrics" yaml:"metrics"`
	Log       Log       `toml:"log" yaml:"log"`
	Telemetry Telemetry `toml:"telemetry" yaml:"telemetry"`
}

// Default returns the configuration written when none exists.
func Default() *Config {
	return &Config{
		Nodes:   []string{},
		DataDir: "./mwnet-data",
		Network: Network{
			ReconnectTimeout: Duration{Duration: defaultReconnectTimeout},
		},
		Metrics: Metrics{Listen: "127.0.0.1:9464"},
	}
}

// Load reads the configuration at path. The decoder follows the extension:
// .toml files use TOML, anything else YAML. A missing file is created with
// the defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if isTOML(path) {
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s: unknown key %s", path, undecoded[0])
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if cfg.Nodes == nil {
		cfg.Nodes = []string{}
	}
	for i := range cfg.Nodes {
		cfg.Nodes[i] = strings.TrimSpace(cfg.Nodes[i])
	}
	if cfg.DataDir == "" {
		cfg.DataDir = Default().DataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NodeKeyPath resolves the node identity file.
func (c *Config) NodeKeyPath() string {
	if c.NodeKey != "" {
		return c.NodeKey
	}
	return filepath.Join(c.DataDir, "node_key.json")
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// CfgChecksum parses the configured consensus checksum.
func (c *Config) CfgChecksum() (common.Hash, error) {
	raw := strings.TrimSpace(c.Network.CfgChecksum)
	if raw == "" {
		return common.Hash{}, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("network.cfg_checksum: want %d hex bytes", common.HashLength)
	}
	return common.BytesToHash(b), nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isTOML(path) {
		return toml.NewEncoder(f).Encode(cfg)
	}
	enc := yaml.NewEncoder(f)
	defer enc.Close()
	return enc.Encode(cfg)
}
