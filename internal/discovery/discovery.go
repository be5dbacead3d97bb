// Package discovery implements gossip-based failure detection, kept
// strictly separate from consensus heartbeat liveness: a peer is unhealthy
// iff consecutive_failures ≥ healthy_threshold, a concept independent of
// which node currently holds the consensus leader role.
//
// Grounded on the teacher's Discovery (memberlist wrapper, cluster-ID
// metadata check, NotifyJoin/NotifyLeave/NotifyUpdate event delegate,
// slogWriter log adapter) with the Raft-membership side effects removed:
// join/leave here only update a per-node Health record, they never call
// into Consensus.
package discovery

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/memberlist"

	"github.com/quorumkv/quorumkv/internal/core/domain"
)

// Config configures a Discovery instance.
type Config struct {
	NodeID    string
	ClusterID string
	BindAddr  string
	BindPort  int
	// Address is this node's NodeService RPC address, shared with peers
	// via gossip metadata so they can route to it without a separate
	// directory service.
	Address   string
	SeedNodes []string
	Logger    *slog.Logger
}

// Discovery wraps memberlist to track cluster membership and per-peer
// health.
type Discovery struct {
	memberList *memberlist.Memberlist
	logger     *slog.Logger
	clusterID  string
	shutdown   atomic.Bool

	mu     sync.RWMutex
	health map[string]*domain.Health
	addrs  map[string]string // node_id -> NodeService address

	onJoin  func(nodeID, addr string)
	onLeave func(nodeID string)
}

type nodeMetadata struct {
	Address   string `json:"address"`
	ClusterID string `json:"cluster_id"`
}

// New creates and joins a Discovery instance. SeedNodes empty means
// bootstrap mode.
func New(cfg Config) (*Discovery, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Discovery{
		logger:    cfg.Logger,
		clusterID: cfg.ClusterID,
		health:    make(map[string]*domain.Health),
		addrs:     make(map[string]string),
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.LogOutput = &slogWriter{logger: cfg.Logger}
	mlConfig.Delegate = &metadataDelegate{metadata: nodeMetadata{Address: cfg.Address, ClusterID: cfg.ClusterID}}
	mlConfig.Events = &eventDelegate{discovery: d}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("discovery: create memberlist: %w", err)
	}
	d.memberList = ml

	if len(cfg.SeedNodes) > 0 {
		n, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			ml.Shutdown()
			return nil, fmt.Errorf("discovery: join seed nodes: %w", err)
		}
		cfg.Logger.Info("joined cluster", "node_id", cfg.NodeID, "seed_nodes", cfg.SeedNodes, "joined_count", n)
	} else {
		cfg.Logger.Info("started discovery in bootstrap mode", "node_id", cfg.NodeID)
	}

	return d, nil
}

// OnJoin registers a callback fired when a peer joins (after metadata
// validation).
func (d *Discovery) OnJoin(fn func(nodeID, addr string)) { d.onJoin = fn }

// OnLeave registers a callback fired when a peer leaves.
func (d *Discovery) OnLeave(fn func(nodeID string)) { d.onLeave = fn }

// Members returns the current gossip membership list.
func (d *Discovery) Members() []*memberlist.Node {
	if d.memberList == nil {
		return nil
	}
	return d.memberList.Members()
}

// AddressOf returns the last-known NodeService address for nodeID.
func (d *Discovery) AddressOf(nodeID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.addrs[nodeID]
	return addr, ok
}

// Healthy reports whether nodeID is below the unhealthy failure threshold.
// An unknown node is reported healthy, since it has no recorded failures.
func (d *Discovery) Healthy(nodeID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.health[nodeID]
	if !ok {
		return true
	}
	return h.Healthy()
}

// RecordSuccess resets nodeID's consecutive failure counter, per "recovery
// of one successful RPC resets the counter".
func (d *Discovery) RecordSuccess(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.healthFor(nodeID)
	h.ConsecutiveFailures = 0
}

// RecordFailure increments nodeID's consecutive failure counter, as
// outgoing RPCs time out or a node is marked unreachable.
func (d *Discovery) RecordFailure(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.healthFor(nodeID)
	h.ConsecutiveFailures++
}

// healthFor returns (creating if absent) the Health record for nodeID.
// Callers must hold d.mu.
func (d *Discovery) healthFor(nodeID string) *domain.Health {
	h, ok := d.health[nodeID]
	if !ok {
		h = &domain.Health{}
		d.health[nodeID] = h
	}
	return h
}

// Leave gracefully broadcasts a leave notification.
func (d *Discovery) Leave() error {
	if d.memberList == nil {
		return nil
	}
	if err := d.memberList.Leave(0); err != nil {
		d.logger.Error("discovery leave failed", "error", err)
		return err
	}
	return nil
}

// Shutdown stops the gossip mechanism. Safe to call more than once.
func (d *Discovery) Shutdown() error {
	if !d.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	if d.memberList == nil {
		return nil
	}
	if err := d.memberList.Shutdown(); err != nil {
		return fmt.Errorf("discovery: shutdown memberlist: %w", err)
	}
	d.logger.Info("discovery shutdown complete")
	return nil
}

type eventDelegate struct {
	discovery *Discovery
}

func (e *eventDelegate) NotifyJoin(node *memberlist.Node) {
	gossipAddr := net.JoinHostPort(node.Addr.String(), fmt.Sprintf("%d", node.Port))

	var meta nodeMetadata
	if len(node.Meta) > 0 {
		if err := json.Unmarshal(node.Meta, &meta); err != nil {
			e.discovery.logger.Error("failed to parse node metadata", "node_id", node.Name, "error", err)
			return
		}
	}

	if e.discovery.clusterID != "" && meta.ClusterID != "" && meta.ClusterID != e.discovery.clusterID {
		e.discovery.logger.Error("cluster ID mismatch, rejecting node",
			"node_id", node.Name, "expected", e.discovery.clusterID, "actual", meta.ClusterID)
		return
	}

	addr := meta.Address
	if addr == "" {
		addr = gossipAddr
	}

	e.discovery.mu.Lock()
	e.discovery.addrs[node.Name] = addr
	e.discovery.health[node.Name] = &domain.Health{}
	e.discovery.mu.Unlock()

	e.discovery.logger.Info("node joined", "node_id", node.Name, "address", addr)
	if e.discovery.onJoin != nil {
		e.discovery.onJoin(node.Name, addr)
	}
}

func (e *eventDelegate) NotifyLeave(node *memberlist.Node) {
	e.discovery.mu.Lock()
	delete(e.discovery.addrs, node.Name)
	delete(e.discovery.health, node.Name)
	e.discovery.mu.Unlock()

	e.discovery.logger.Info("node left", "node_id", node.Name)
	if e.discovery.onLeave != nil {
		e.discovery.onLeave(node.Name)
	}
}

func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	e.discovery.logger.Debug("node updated", "node_id", node.Name)
}

type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	w.logger.Debug(string(p))
	return len(p), nil
}

type metadataDelegate struct {
	metadata nodeMetadata
}

func (m *metadataDelegate) NodeMeta(limit int) []byte {
	data, err := json.Marshal(m.metadata)
	if err != nil {
		return nil
	}
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

func (m *metadataDelegate) NotifyMsg([]byte) {}

func (m *metadataDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (m *metadataDelegate) LocalState(join bool) []byte { return nil }

func (m *metadataDelegate) MergeRemoteState(buf []byte, join bool) {}
