package discovery

import (
	"log/slog"
	"testing"

	"github.com/quorumkv/quorumkv/internal/core/domain"
)

func newBareDiscovery() *Discovery {
	return &Discovery{
		logger: slog.Default(),
		health: make(map[string]*domain.Health),
		addrs:  make(map[string]string),
	}
}

func TestHealthyByDefaultForUnknownNode(t *testing.T) {
	d := newBareDiscovery()
	if !d.Healthy("never-seen") {
		t.Error("an unknown node should default to healthy")
	}
}

func TestRecordFailureCrossesThreshold(t *testing.T) {
	d := newBareDiscovery()

	d.RecordFailure("peer")
	d.RecordFailure("peer")
	if !d.Healthy("peer") {
		t.Error("2 consecutive failures should still be healthy (threshold is 3)")
	}

	d.RecordFailure("peer")
	if d.Healthy("peer") {
		t.Error("3 consecutive failures should cross the unhealthy threshold")
	}
}

func TestRecordSuccessResetsFailures(t *testing.T) {
	d := newBareDiscovery()

	d.RecordFailure("peer")
	d.RecordFailure("peer")
	d.RecordFailure("peer")
	if d.Healthy("peer") {
		t.Fatal("expected peer to be unhealthy before reset")
	}

	d.RecordSuccess("peer")
	if !d.Healthy("peer") {
		t.Error("a successful RPC should reset the failure counter")
	}
}

func TestAddressOfUnknownNode(t *testing.T) {
	d := newBareDiscovery()
	if _, ok := d.AddressOf("ghost"); ok {
		t.Error("AddressOf should report false for a node never joined")
	}
}
