// Package nodeservice implements the RPC façade described in the design:
// for every data RPC it enforces auth → ownership → leadership → version
// ordering before touching the store, then fans writes out to replicas.
//
// Grounded on the teacher's cluster server (Server) for the "thin façade
// wiring independently-locked components" shape — Auth, ShardManager,
// Consensus and Store are each accessed through their own lock here exactly
// as the teacher's Server composes Raft/FSM/ShardMap/storage, with the
// request ordering drawn from the design's NodeService contract rather
// than from the teacher's Connect-generated method set.
package nodeservice

import (
	"log/slog"

	"github.com/quorumkv/quorumkv/internal/core/auth"
	"github.com/quorumkv/quorumkv/internal/core/consensus"
	"github.com/quorumkv/quorumkv/internal/core/domain"
	"github.com/quorumkv/quorumkv/internal/core/replicator"
	"github.com/quorumkv/quorumkv/internal/core/ringhash"
	"github.com/quorumkv/quorumkv/internal/core/shard"
	"github.com/quorumkv/quorumkv/internal/core/store"
	"github.com/quorumkv/quorumkv/internal/telemetry/logger"
)

// Service wires Auth, ShardManager, Consensus, Store, Ring and Replicator
// behind the ordering the design's NodeService contract requires. Lock
// order across the components it touches is Auth < ShardManager <
// Consensus < Store, matching the design's shared-resource policy; Service
// itself holds no lock of its own.
type Service struct {
	selfID            string
	replicationFactor int

	auth       *auth.Auth
	shards     *shard.Manager
	consensus  *consensus.Consensus
	store      *store.Store
	ring       *ringhash.Ring
	replicator *replicator.Replicator
	logger     *slog.Logger
}

// Config supplies Service's collaborators.
type Config struct {
	SelfID            string
	ReplicationFactor int
	Auth              *auth.Auth
	Shards            *shard.Manager
	Consensus         *consensus.Consensus
	Store             *store.Store
	Ring              *ringhash.Ring
	Replicator        *replicator.Replicator
	Logger            *slog.Logger
}

// New creates a Service from cfg.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReplicationFactor < 1 {
		cfg.ReplicationFactor = 1
	}
	return &Service{
		selfID:            cfg.SelfID,
		replicationFactor: cfg.ReplicationFactor,
		auth:              cfg.Auth,
		shards:            cfg.Shards,
		consensus:         cfg.Consensus,
		store:             cfg.Store,
		ring:              cfg.Ring,
		replicator:        cfg.Replicator,
		logger:            cfg.Logger,
	}
}

// Authenticate exchanges an api_key for a bearer token.
func (s *Service) Authenticate(apiKey string) (string, error) {
	return s.auth.Authenticate(apiKey)
}

// Get validates auth and ownership, then reads the local store.
func (s *Service) Get(token, key string) ([]byte, bool, uint64, error) {
	if err := s.checkAuth(token); err != nil {
		return nil, false, 0, err
	}
	if err := s.checkOwnership(key); err != nil {
		return nil, false, 0, err
	}

	v, found := s.store.Get(key)
	if !found {
		return nil, false, 0, nil
	}
	return v.Data, true, v.Version, nil
}

// Put validates auth, ownership and leadership, performs an optional
// version-conditioned write, and fans the result out to replicas.
func (s *Service) Put(token, key string, value []byte, version *uint64) (uint64, error) {
	requestID := logger.NewRequestID()

	if err := s.checkAuth(token); err != nil {
		return 0, err
	}
	if err := s.checkOwnership(key); err != nil {
		return 0, err
	}
	if err := s.checkLeadership(); err != nil {
		return 0, err
	}

	newVersion, current, ok := s.store.PutIfVersion(key, value, 0, version)
	if !ok {
		return 0, domain.VersionConflict(current)
	}

	s.logger.Debug("put accepted", "request_id", requestID, "key", key, "version", newVersion)
	s.replicateAsync(requestID, key, replicator.OpPut, value)
	return newVersion, nil
}

// Delete validates auth, ownership and leadership, deletes locally, and
// fans the deletion out to replicas.
func (s *Service) Delete(token, key string) error {
	requestID := logger.NewRequestID()

	if err := s.checkAuth(token); err != nil {
		return err
	}
	if err := s.checkOwnership(key); err != nil {
		return err
	}
	if err := s.checkLeadership(); err != nil {
		return err
	}

	s.store.Delete(key)
	s.logger.Debug("delete accepted", "request_id", requestID, "key", key)
	s.replicateAsync(requestID, key, replicator.OpDelete, nil)
	return nil
}

// RequestVote is a thin adapter to the consensus handler.
func (s *Service) RequestVote(req consensus.VoteRequest) consensus.VoteResponse {
	return s.consensus.HandleRequestVote(req)
}

// AppendEntries is a thin adapter to the consensus handler.
func (s *Service) AppendEntries(req consensus.AppendEntriesRequest) consensus.AppendEntriesResponse {
	return s.consensus.HandleAppendEntries(req)
}

// Replicate applies op unconditionally; the leader has already authorized
// the write, so ownership/leadership checks are bypassed.
func (s *Service) Replicate(op replicator.Op, key string, value []byte) error {
	switch op {
	case replicator.OpPut:
		s.store.Put(key, value, 0)
	case replicator.OpDelete:
		s.store.Delete(key)
	}
	return nil
}

// HealthCheck always answers OK at the RPC layer; failure detection lives
// in the discovery package, not in this handler.
func (s *Service) HealthCheck() (bool, string) {
	return true, "ok"
}

// GetMetadata reports this node's consensus role/term/leader and the
// shards it currently owns.
func (s *Service) GetMetadata() (string, uint64, string, []int) {
	md := s.consensus.GetMetadata()
	return md.Role.String(), md.Term, md.LeaderID, s.shards.OwnedShards()
}

func (s *Service) checkAuth(token string) error {
	if err := s.auth.ValidateToken(token); err != nil {
		return err
	}
	if !s.auth.Allow(token) {
		return domain.New(domain.KindInternal, "rate limit exceeded")
	}
	return nil
}

func (s *Service) checkOwnership(key string) error {
	if s.shards.OwnsKey(key) {
		return nil
	}
	return s.shards.OwnerError(key)
}

func (s *Service) checkLeadership() error {
	if s.consensus.IsLeader() {
		return nil
	}
	return s.consensus.NotLeaderError()
}

// replicateAsync fans a write out to every distinct node that should hold
// this key, per the ring's replica placement, excluding self. requestID
// tags this function's own target-lookup warning; the Replicator's
// per-target failure log lines do not carry it.
func (s *Service) replicateAsync(requestID, key string, op replicator.Op, value []byte) {
	nodes, err := s.ring.GetNodes(key, s.replicationFactor)
	if err != nil {
		s.logger.Warn("replication target lookup failed", "request_id", requestID, "key", key, "error", err)
		return
	}

	var targets []string
	for _, n := range nodes {
		if n != s.selfID {
			targets = append(targets, n)
		}
	}
	if len(targets) == 0 {
		return
	}
	s.replicator.Fanout(targets, op, key, value)
}
