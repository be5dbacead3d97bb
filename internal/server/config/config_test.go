package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

const sampleConfig = `{
  "nodes": [
    { "id": "node_1", "host": "127.0.0.1", "port": 5001 },
    { "id": "node_2", "host": "127.0.0.1", "port": 5002 },
    { "id": "node_3", "host": "127.0.0.1", "port": 5003 }
  ],
  "replication_factor": 2,
  "num_shards": 10,
  "virtual_nodes": 100
}`

func TestLoadResolvesSelfFromNodeID(t *testing.T) {
	path := writeTestConfig(t, sampleConfig)
	t.Setenv(NodeIDEnvVar, "node_2")

	cluster, self, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if self.ID != "node_2" || self.Port != 5002 {
		t.Errorf("Load() self = %+v, want node_2:5002", self)
	}
	if cluster.ReplicationFactor != 2 || cluster.NumShards != 10 || cluster.VirtualNodes != 100 {
		t.Errorf("Load() cluster = %+v, unexpected values", cluster)
	}
}

func TestLoadMissingNodeIDFails(t *testing.T) {
	path := writeTestConfig(t, sampleConfig)
	t.Setenv(NodeIDEnvVar, "")

	if _, _, err := Load(path); err == nil {
		t.Error("Load() with no NODE_ID should fail")
	}
}

func TestLoadUnknownNodeIDFails(t *testing.T) {
	path := writeTestConfig(t, sampleConfig)
	t.Setenv(NodeIDEnvVar, "ghost")

	if _, _, err := Load(path); err == nil {
		t.Error("Load() with unknown NODE_ID should fail")
	}
}

func TestLoadAppliesDefaultsWhenOmitted(t *testing.T) {
	minimal := `{ "nodes": [ { "id": "solo", "host": "127.0.0.1", "port": 6000 } ] }`
	path := writeTestConfig(t, minimal)
	t.Setenv(NodeIDEnvVar, "solo")

	cluster, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cluster.ReplicationFactor != 2 || cluster.NumShards != 10 || cluster.VirtualNodes != 150 {
		t.Errorf("Load() defaults = %+v, want RF=2 shards=10 vnodes=150", cluster)
	}
}

func TestPeerIDsExcludesSelf(t *testing.T) {
	cluster := Cluster{Nodes: []NodeDescriptor{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	peers := cluster.PeerIDs("b")
	if len(peers) != 2 || peers[0] != "a" || peers[1] != "c" {
		t.Errorf("PeerIDs() = %v, want [a c]", peers)
	}
}

func TestAddressOfUnknownNode(t *testing.T) {
	cluster := Cluster{Nodes: []NodeDescriptor{{ID: "a", Host: "h", Port: 1}}}
	if _, ok := cluster.AddressOf("ghost"); ok {
		t.Error("AddressOf() should report false for an unknown node")
	}
}
