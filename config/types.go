package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to accept human readable strings in TOML and
// YAML.
type Duration struct {
	time.Duration
}

func parseDuration(raw string) (Duration, error) {
	if raw == "" {
		return Duration{}, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return Duration{}, fmt.Errorf("parse duration %q: %w", raw, err)
	}
	return Duration{Duration: parsed}, nil
}

// UnmarshalText is used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Network tunes node connections.
type Network struct {
	ReconnectTimeout Duration `toml:"reconnect_timeout" yaml:"reconnect_timeout"`
	// PollPeriod enables poll mode when non zero.
	PollPeriod       Duration `toml:"poll_period" yaml:"poll_period"`
	DesiredRate      Duration `toml:"desired_rate" yaml:"desired_rate"`
	HandshakeTimeout Duration `toml:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout     Duration `toml:"write_timeout" yaml:"write_timeout"`
	MaxMessageBytes  uint32   `toml:"max_message_bytes" yaml:"max_message_bytes"`
	MaxMsgsPerSecond float64  `toml:"max_msgs_per_second" yaml:"max_msgs_per_second"`
	// CfgChecksum is the hex digest of the consensus configuration nodes
	// must share.
	CfgChecksum string `toml:"cfg_checksum" yaml:"cfg_checksum"`
	SendPeers   bool   `toml:"send_peers" yaml:"send_peers"`
}

// Peers mirrors the PeerManager tunables. Zero values keep the defaults.
type Peers struct {
	DesiredHighest    int      `toml:"desired_highest" yaml:"desired_highest"`
	DesiredTotal      int      `toml:"desired_total" yaml:"desired_total"`
	UpdateInterval    Duration `toml:"update_interval" yaml:"update_interval"`
	TimeoutDisconnect Duration `toml:"timeout_disconnect" yaml:"timeout_disconnect"`
	TimeoutReconnect  Duration `toml:"timeout_reconnect" yaml:"timeout_reconnect"`
	TimeoutBan        Duration `toml:"timeout_ban" yaml:"timeout_ban"`
	TimeoutAddrChange Duration `toml:"timeout_addr_change" yaml:"timeout_addr_change"`
}

type Sync struct {
	RollbackWindow uint64 `toml:"rollback_window" yaml:"rollback_window"`
}

type Metrics struct {
	// Listen is the address of the prometheus endpoint; empty disables it.
	Listen string `toml:"listen" yaml:"listen"`
}

type Log struct {
	Env string `toml:"env" yaml:"env"`
	// File switches output to a rotating file.
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string            `toml:"endpoint" yaml:"endpoint"`
	Insecure bool              `toml:"insecure" yaml:"insecure"`
	Headers  map[string]string `toml:"headers" yaml:"headers"`
	Metrics  bool              `toml:"metrics" yaml:"metrics"`
	Traces   bool              `toml:"traces" yaml:"traces"`
}
