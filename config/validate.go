package config

import (
	"errors"
	"fmt"
	"time"

	"mwnet/p2p"
)

const defaultReconnectTimeout = 5 * time.Second

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 && c.Listen == "" {
		return errors.New("config: nodes is empty and no listener is set")
	}
	for i, node := range c.Nodes {
		if node == "" {
			return fmt.Errorf("config: nodes[%d] is empty", i)
		}
	}
	durations := map[string]Duration{
		"network.reconnect_timeout": c.Network.ReconnectTimeout,
		"network.poll_period":       c.Network.PollPeriod,
		"network.desired_rate":      c.Network.DesiredRate,
		"network.handshake_timeout": c.Network.HandshakeTimeout,
		"network.write_timeout":     c.Network.WriteTimeout,
		"peers.update_interval":     c.Peers.UpdateInterval,
		"peers.timeout_disconnect":  c.Peers.TimeoutDisconnect,
		"peers.timeout_reconnect":   c.Peers.TimeoutReconnect,
		"peers.timeout_ban":         c.Peers.TimeoutBan,
		"peers.timeout_addr_change": c.Peers.TimeoutAddrChange,
	}
	for name, d := range durations {
		if d.Duration < 0 {
			return fmt.Errorf("config: %s is negative", name)
		}
	}
	if c.Network.MaxMsgsPerSecond < 0 {
		return errors.New("config: network.max_msgs_per_second is negative")
	}
	if c.Peers.DesiredTotal < 0 || c.Peers.DesiredHighest < 0 {
		return errors.New("config: peers desired counts are negative")
	}
	if c.Peers.DesiredHighest > c.Peers.DesiredTotal && c.Peers.DesiredTotal > 0 {
		return fmt.Errorf("config: peers.desired_highest %d exceeds desired_total %d", c.Peers.DesiredHighest, c.Peers.DesiredTotal)
	}
	if _, err := c.CfgChecksum(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// PeerManager merges the peers section over the PeerManager defaults.
func (c *Config) PeerManager() p2p.PeerManagerConfig {
	out := p2p.DefaultPeerManagerConfig()
	p := c.Peers
	if p.DesiredTotal > 0 {
		out.DesiredTotal = p.DesiredTotal
		if out.DesiredHighest > out.DesiredTotal {
			out.DesiredHighest = out.DesiredTotal
		}
	}
	if p.DesiredHighest > 0 {
		out.DesiredHighest = p.DesiredHighest
	}
	for _, o := range []struct {
		dst *time.Duration
		src Duration
	}{
		{&out.TimeoutDisconnect, p.TimeoutDisconnect},
		{&out.TimeoutReconnect, p.TimeoutReconnect},
		{&out.TimeoutBan, p.TimeoutBan},
		{&out.TimeoutAddrChange, p.TimeoutAddrChange},
	} {
		if o.src.Duration > 0 {
			*o.dst = o.src.Duration
		}
	}
	return out
}

// Connection returns the per connection tunables.
func (c *Config) Connection() p2p.ConnectionConfig {
	return p2p.ConnectionConfig{
		MaxMessageSize:   c.Network.MaxMessageBytes,
		HandshakeTimeout: c.Network.HandshakeTimeout.Duration,
		WriteTimeout:     c.Network.WriteTimeout.Duration,
		MaxMsgsPerSecond: c.Network.MaxMsgsPerSecond,
	}
}
