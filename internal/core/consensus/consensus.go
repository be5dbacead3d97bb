// Package consensus implements the leader-election and heartbeat subset of
// Raft named in the system's design: term-based voting, a FOLLOWER/
// CANDIDATE/LEADER state machine, and heartbeat-only AppendEntries. It
// deliberately carries no replicated log — commit_index/next_index/
// match_index are dropped in favor of a pure heartbeat-only leader, per the
// compliance floor the design permits when no log is kept.
//
// Grounded on the leader-change hook shape of the teacher's cluster server
// (onBecomeLeader/onLoseLeadership/leaderMonitorLoop, the stabilization
// delay before post-election work, and its slog field discipline) with
// hashicorp/raft itself replaced by this hand-rolled state machine.
package consensus

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/quorumkv/quorumkv/internal/core/domain"
)

// Role is a node's position in the term state machine.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

const (
	DefaultElectionTimeoutMin = 150 * time.Millisecond
	DefaultElectionTimeoutMax = 300 * time.Millisecond
	DefaultHeartbeatInterval  = 50 * time.Millisecond
)

// VoteRequest is the RequestVote RPC payload.
type VoteRequest struct {
	Term        uint64
	CandidateID string
}

// VoteResponse is the RequestVote RPC reply.
type VoteResponse struct {
	VoteGranted bool
	Term        uint64
}

// AppendEntriesRequest is the heartbeat-only AppendEntries RPC payload.
type AppendEntriesRequest struct {
	Term     uint64
	LeaderID string
}

// AppendEntriesResponse is the AppendEntries RPC reply.
type AppendEntriesResponse struct {
	Success bool
	Term    uint64
}

// Transport is the outbound RPC surface Consensus needs from peers. It is
// satisfied by the transport package's client; kept as an interface here so
// the state machine can be tested without a network.
type Transport interface {
	RequestVote(ctx context.Context, peerID string, req VoteRequest) (VoteResponse, error)
	AppendEntries(ctx context.Context, peerID string, req AppendEntriesRequest) (AppendEntriesResponse, error)
}

// Metadata is the read-only snapshot GetMetadata exposes.
type Metadata struct {
	Role     Role
	Term     uint64
	LeaderID string
}

// Config configures a Consensus instance.
type Config struct {
	SelfID             string
	Peers              []string // other node IDs, not including self
	Transport          Transport
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	Logger             *slog.Logger

	// OnBecomeLeader/OnLoseLeadership are invoked (outside any lock) on the
	// corresponding role transition; nil hooks are ignored.
	OnBecomeLeader   func()
	OnLoseLeadership func()
}

// Consensus is the term/role/voted_for state machine for one node.
type Consensus struct {
	mu sync.Mutex

	selfID    string
	peers     []string
	transport Transport
	logger    *slog.Logger

	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration
	heartbeatInterval  time.Duration

	currentTerm uint64
	votedFor    string // "" means none
	role        Role
	leaderID    string

	onBecomeLeader   func()
	onLoseLeadership func()

	electionResetCh chan struct{}
	stopCh          chan struct{}
	stopped         bool
}

// New creates a Consensus state machine in the initial state: FOLLOWER,
// term 0, no vote, no leader.
func New(cfg Config) *Consensus {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ElectionTimeoutMin <= 0 {
		cfg.ElectionTimeoutMin = DefaultElectionTimeoutMin
	}
	if cfg.ElectionTimeoutMax <= 0 {
		cfg.ElectionTimeoutMax = DefaultElectionTimeoutMax
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	return &Consensus{
		selfID:             cfg.SelfID,
		peers:              append([]string(nil), cfg.Peers...),
		transport:          cfg.Transport,
		logger:             cfg.Logger,
		electionTimeoutMin: cfg.ElectionTimeoutMin,
		electionTimeoutMax: cfg.ElectionTimeoutMax,
		heartbeatInterval:  cfg.HeartbeatInterval,
		role:               Follower,
		onBecomeLeader:     cfg.OnBecomeLeader,
		onLoseLeadership:   cfg.OnLoseLeadership,
		electionResetCh:    make(chan struct{}, 1),
		stopCh:             make(chan struct{}),
	}
}

// Run starts the election-timeout loop. It blocks until ctx is cancelled or
// Stop is called; callers should run it in its own goroutine.
func (c *Consensus) Run(ctx context.Context) {
	for {
		timeout := c.randomElectionTimeout()
		timer := time.NewTimer(timeout)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.stopCh:
			timer.Stop()
			return
		case <-c.electionResetCh:
			timer.Stop()
			continue
		case <-timer.C:
			if c.currentRole() == Leader {
				// Leader does not run the election timer.
				continue
			}
			c.StartElection(ctx)
		}
	}
}

// Stop halts the election loop and any active leader heartbeat loop.
func (c *Consensus) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()
	close(c.stopCh)
}

func (c *Consensus) currentRole() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Consensus) randomElectionTimeout() time.Duration {
	span := c.electionTimeoutMax - c.electionTimeoutMin
	if span <= 0 {
		return c.electionTimeoutMin
	}
	return c.electionTimeoutMin + time.Duration(rand.Int63n(int64(span)))
}

func (c *Consensus) resetElectionTimer() {
	select {
	case c.electionResetCh <- struct{}{}:
	default:
	}
}

// GetMetadata returns the current role, term and leader, per GetMetadata in
// the RPC surface.
func (c *Consensus) GetMetadata() Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Metadata{Role: c.role, Term: c.currentTerm, LeaderID: c.leaderID}
}

// IsLeader reports whether this node currently believes itself LEADER.
func (c *Consensus) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role == Leader
}

// LeaderID returns the last known leader, which may be stale or empty.
func (c *Consensus) LeaderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID
}

// NotLeaderError builds the client-facing NotLeader error naming the
// current known leader.
func (c *Consensus) NotLeaderError() error {
	return domain.NotLeader(c.LeaderID())
}

// StartElection increments current_term, votes for self, becomes CANDIDATE
// and solicits votes from every peer in parallel.
func (c *Consensus) StartElection(ctx context.Context) {
	c.mu.Lock()
	c.currentTerm++
	term := c.currentTerm
	c.votedFor = c.selfID
	c.role = Candidate
	c.leaderID = ""
	c.mu.Unlock()

	c.logger.Info("starting election", "node_id", c.selfID, "term", term)

	if len(c.peers) == 0 {
		// Sole node in the cluster: a majority of {self} is self.
		c.BecomeLeader(term)
		return
	}

	votes := 1 // self-vote
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, peer := range c.peers {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()

			rvCtx, cancel := context.WithTimeout(ctx, c.electionTimeoutMin/2)
			defer cancel()

			resp, err := c.transport.RequestVote(rvCtx, peer, VoteRequest{Term: term, CandidateID: c.selfID})
			if err != nil {
				c.logger.Warn("request_vote failed", "peer", peer, "term", term, "error", err)
				return
			}

			if resp.Term > term {
				c.stepDown(resp.Term)
				return
			}
			if resp.VoteGranted {
				mu.Lock()
				votes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Majority of {self} ∪ peers.
	clusterSize := len(c.peers) + 1
	required := clusterSize/2 + 1

	c.mu.Lock()
	stillCandidateInTerm := c.role == Candidate && c.currentTerm == term
	c.mu.Unlock()

	if stillCandidateInTerm && votes >= required {
		c.BecomeLeader(term)
	} else if stillCandidateInTerm {
		c.logger.Info("election failed, no majority", "node_id", c.selfID, "term", term, "votes", votes, "required", required)
	}
}

// BecomeLeader transitions CANDIDATE -> LEADER, only within the term the
// election began, and immediately emits a heartbeat to suppress peers'
// election timers.
func (c *Consensus) BecomeLeader(term uint64) {
	c.mu.Lock()
	if c.role != Candidate || c.currentTerm != term {
		c.mu.Unlock()
		return
	}
	c.role = Leader
	c.leaderID = c.selfID
	c.mu.Unlock()

	c.logger.Info("became leader", "node_id", c.selfID, "term", term)

	c.sendHeartbeats(term)

	if c.onBecomeLeader != nil {
		c.onBecomeLeader()
	}

	go c.leaderHeartbeatLoop(term)
}

func (c *Consensus) leaderHeartbeatLoop(term uint64) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			stillLeader := c.role == Leader && c.currentTerm == term
			c.mu.Unlock()
			if !stillLeader {
				return
			}
			c.sendHeartbeats(term)
		}
	}
}

func (c *Consensus) sendHeartbeats(term uint64) {
	for _, peer := range c.peers {
		peer := peer
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.electionTimeoutMin/2)
			defer cancel()

			resp, err := c.transport.AppendEntries(ctx, peer, AppendEntriesRequest{Term: term, LeaderID: c.selfID})
			if err != nil {
				c.logger.Warn("heartbeat failed", "peer", peer, "term", term, "error", err)
				return
			}
			if resp.Term > term {
				c.stepDown(resp.Term)
			}
		}()
	}
}

// stepDown adopts a higher term, becomes FOLLOWER and clears voted_for. It
// is the single safety-critical transition: any message carrying a higher
// term demotes a candidate or leader before it takes further action.
func (c *Consensus) stepDown(newTerm uint64) {
	c.mu.Lock()
	if newTerm <= c.currentTerm {
		c.mu.Unlock()
		return
	}
	wasLeader := c.role == Leader
	c.currentTerm = newTerm
	c.votedFor = ""
	c.role = Follower
	c.leaderID = ""
	c.mu.Unlock()

	c.logger.Info("stepping down", "node_id", c.selfID, "new_term", newTerm)
	c.resetElectionTimer()

	if wasLeader && c.onLoseLeadership != nil {
		c.onLoseLeadership()
	}
}

// HandleRequestVote implements the RequestVote RPC handler.
func (c *Consensus) HandleRequestVote(req VoteRequest) VoteResponse {
	c.mu.Lock()

	if req.Term < c.currentTerm {
		term := c.currentTerm
		c.mu.Unlock()
		return VoteResponse{VoteGranted: false, Term: term}
	}

	wasLeader := false
	if req.Term > c.currentTerm {
		c.currentTerm = req.Term
		c.votedFor = ""
		wasLeader = c.role == Leader
		c.role = Follower
		c.leaderID = ""
	}

	granted := c.votedFor == "" || c.votedFor == req.CandidateID
	if granted {
		c.votedFor = req.CandidateID
	}
	term := c.currentTerm
	c.mu.Unlock()

	if granted {
		c.resetElectionTimer()
	}
	if wasLeader && c.onLoseLeadership != nil {
		c.onLoseLeadership()
	}

	return VoteResponse{VoteGranted: granted, Term: term}
}

// HandleAppendEntries implements the heartbeat-only AppendEntries RPC
// handler.
func (c *Consensus) HandleAppendEntries(req AppendEntriesRequest) AppendEntriesResponse {
	c.mu.Lock()

	if req.Term < c.currentTerm {
		term := c.currentTerm
		c.mu.Unlock()
		return AppendEntriesResponse{Success: false, Term: term}
	}

	wasLeader := c.role == Leader
	if req.Term > c.currentTerm {
		c.currentTerm = req.Term
		c.votedFor = ""
	}
	c.role = Follower
	c.leaderID = req.LeaderID
	c.mu.Unlock()

	c.resetElectionTimer()
	if wasLeader && c.onLoseLeadership != nil {
		c.onLoseLeadership()
	}

	return AppendEntriesResponse{Success: true, Term: req.Term}
}
