package logging

import (
	"log/slog"
	"net"
	"strings"
)

// RedactedValue replaces the sensitive part of a logged value.
const RedactedValue = "[REDACTED]"

// idPrefixLen is how much of a 0x-prefixed peer id survives masking.
const idPrefixLen = 10

type maskKind int

const (
	maskFull maskKind = iota
	maskHost
	maskID
)

// Keys that carry an endpoint keep their port; keys that carry a peer id keep
// a short prefix so log lines about one peer can still be correlated.
var maskedKeys = map[string]maskKind{
	"peer_address":   maskHost,
	"remote_addr":    maskHost,
	"listen_address": maskHost,
	"peer_id":        maskID,
	"owner_id":       maskID,
	"node_id":        maskID,
}

var plainKeys = map[string]struct{}{
	"component": {},
	"reason":    {},
	"id_type":   {},
	"height":    {},
	"hash":      {},
	"channel":   {},
}

// MaskField returns a slog.Attr for key with value masked according to the
// key. Unknown keys are redacted entirely. Empty values pass unchanged.
func MaskField(key, value string) slog.Attr {
	norm := strings.ToLower(strings.TrimSpace(key))
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	if _, ok := plainKeys[norm]; ok {
		return slog.String(key, value)
	}
	switch maskedKeys[norm] {
	case maskHost:
		return slog.String(key, maskHostPort(value))
	case maskID:
		return slog.String(key, maskPeerID(value))
	}
	return slog.String(key, RedactedValue)
}

func maskHostPort(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return RedactedValue
	}
	return net.JoinHostPort(RedactedValue, port)
}

func maskPeerID(id string) string {
	if len(id) <= idPrefixLen {
		return RedactedValue
	}
	return id[:idPrefixLen] + "…"
}
