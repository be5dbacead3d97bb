// Package domain defines the core data types shared by every quorumkv
// subsystem: the versioned value stored per key, node identity/health, and
// the structured error used to surface failures across the RPC boundary.
package domain

import "time"

// Value is the unit stored for a key: an opaque byte string plus the
// bookkeeping optimistic concurrency and TTL expiry need.
//
// The byte payload is deliberately untyped — any structure (JSON, protobuf,
// plain text) is a client concern, not the store's.
type Value struct {
	Data      []byte
	Ts        time.Time
	Version   uint64
	ExpiresAt time.Time // zero value means "no expiry"
}

// Expired reports whether the value's TTL (if any) has elapsed as of now.
func (v Value) Expired(now time.Time) bool {
	return !v.ExpiresAt.IsZero() && !now.Before(v.ExpiresAt)
}

// NodeInfo describes one member of the static cluster config.
type NodeInfo struct {
	ID      string
	Address string
}

// Health is the transient liveness state tracked per peer, derived from
// outgoing RPC outcomes and, independently, from gossip failure detection.
type Health struct {
	LastHeartbeat       time.Time
	ConsecutiveFailures int
}

// HealthyThreshold is the number of consecutive failures at which a peer is
// considered unhealthy (spec's "≥3 strikes" rule, unified across the RPC
// failure path and the gossip failure detector).
const HealthyThreshold = 3

// Healthy reports whether the peer is below the failure threshold.
func (h Health) Healthy() bool {
	return h.ConsecutiveFailures < HealthyThreshold
}
