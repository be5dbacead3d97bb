package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/quorumkv/quorumkv/internal/core/domain"
)

// fakeTransport wires a handful of Consensus instances together in-process,
// routing RequestVote/AppendEntries by peer ID.
type fakeTransport struct {
	nodes map[string]*Consensus
}

func (f *fakeTransport) RequestVote(ctx context.Context, peerID string, req VoteRequest) (VoteResponse, error) {
	n, ok := f.nodes[peerID]
	if !ok {
		return VoteResponse{}, context.DeadlineExceeded
	}
	return n.HandleRequestVote(req), nil
}

func (f *fakeTransport) AppendEntries(ctx context.Context, peerID string, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	n, ok := f.nodes[peerID]
	if !ok {
		return AppendEntriesResponse{}, context.DeadlineExceeded
	}
	return n.HandleAppendEntries(req), nil
}

func newCluster(ids []string) (map[string]*Consensus, *fakeTransport) {
	transport := &fakeTransport{nodes: make(map[string]*Consensus)}
	nodes := make(map[string]*Consensus)
	for _, id := range ids {
		var peers []string
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		nodes[id] = New(Config{
			SelfID:             id,
			Peers:              peers,
			Transport:          transport,
			ElectionTimeoutMin: 20 * time.Millisecond,
			ElectionTimeoutMax: 40 * time.Millisecond,
			HeartbeatInterval:  5 * time.Millisecond,
		})
	}
	transport.nodes = nodes
	return nodes, transport
}

func TestSoleNodeBecomesLeaderImmediately(t *testing.T) {
	nodes, _ := newCluster([]string{"a"})
	nodes["a"].StartElection(context.Background())

	if !nodes["a"].IsLeader() {
		t.Fatal("sole node should become leader")
	}
	nodes["a"].Stop()
}

func TestElectionMajorityWins(t *testing.T) {
	nodes, _ := newCluster([]string{"a", "b", "c"})
	nodes["a"].StartElection(context.Background())

	if !nodes["a"].IsLeader() {
		t.Fatal("a should have won the election with 2/3 votes (including self)")
	}
	md := nodes["a"].GetMetadata()
	if md.Role != Leader {
		t.Errorf("GetMetadata().Role = %v, want Leader", md.Role)
	}

	for _, id := range []string{"a", "b", "c"} {
		nodes[id].Stop()
	}
}

func TestVoteUniquenessPerTerm(t *testing.T) {
	nodes, _ := newCluster([]string{"a", "b", "c"})

	r1 := nodes["b"].HandleRequestVote(VoteRequest{Term: 1, CandidateID: "a"})
	if !r1.VoteGranted {
		t.Fatal("first vote in term should be granted")
	}

	r2 := nodes["b"].HandleRequestVote(VoteRequest{Term: 1, CandidateID: "c"})
	if r2.VoteGranted {
		t.Error("second candidate in the same term should be refused the vote")
	}

	// The original candidate can still be re-granted the same vote.
	r3 := nodes["b"].HandleRequestVote(VoteRequest{Term: 1, CandidateID: "a"})
	if !r3.VoteGranted {
		t.Error("re-requesting the same candidate in the same term should still grant")
	}

	for _, id := range []string{"a", "b", "c"} {
		nodes[id].Stop()
	}
}

func TestHigherTermStepsDownLeader(t *testing.T) {
	nodes, _ := newCluster([]string{"a", "b", "c"})
	nodes["a"].StartElection(context.Background())
	if !nodes["a"].IsLeader() {
		t.Fatal("a should be leader")
	}

	resp := nodes["a"].HandleAppendEntries(AppendEntriesRequest{Term: 99, LeaderID: "b"})
	if !resp.Success {
		t.Fatal("append entries with higher term should succeed")
	}
	if nodes["a"].IsLeader() {
		t.Error("a should have stepped down on seeing a higher term")
	}
	md := nodes["a"].GetMetadata()
	if md.Term != 99 || md.LeaderID != "b" {
		t.Errorf("GetMetadata() = %+v, want term=99 leader=b", md)
	}

	for _, id := range []string{"a", "b", "c"} {
		nodes[id].Stop()
	}
}

func TestHandleRequestVoteInvokesLoseLeadershipHookOutsideLock(t *testing.T) {
	transport := &fakeTransport{nodes: make(map[string]*Consensus)}
	nodes := make(map[string]*Consensus)

	hookCalled := make(chan struct{}, 1)
	leader := New(Config{
		SelfID:             "a",
		Peers:              []string{"b"},
		Transport:          transport,
		ElectionTimeoutMin: 20 * time.Millisecond,
		ElectionTimeoutMax: 40 * time.Millisecond,
		HeartbeatInterval:  5 * time.Millisecond,
		OnLoseLeadership: func() {
			// A hook that calls back into a method needing c.mu deadlocks
			// if HandleRequestVote still holds the lock when it fires.
			leaderMD := nodes["a"].GetMetadata()
			_ = leaderMD
			hookCalled <- struct{}{}
		},
	})
	nodes["a"] = leader
	nodes["b"] = New(Config{SelfID: "b", Peers: []string{"a"}, Transport: transport})
	transport.nodes = nodes

	nodes["a"].StartElection(context.Background())
	if !nodes["a"].IsLeader() {
		t.Fatal("a should be leader")
	}

	done := make(chan VoteResponse, 1)
	go func() {
		done <- nodes["a"].HandleRequestVote(VoteRequest{Term: 99, CandidateID: "b"})
	}()

	select {
	case resp := <-done:
		if !resp.VoteGranted {
			t.Error("higher-term vote request should be granted")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HandleRequestVote did not return — OnLoseLeadership likely deadlocked on c.mu")
	}

	select {
	case <-hookCalled:
	case <-time.After(time.Second):
		t.Error("OnLoseLeadership was never invoked")
	}

	nodes["a"].Stop()
	nodes["b"].Stop()
}

func TestStaleTermAppendEntriesRejected(t *testing.T) {
	nodes, _ := newCluster([]string{"a", "b"})
	nodes["a"].StartElection(context.Background()) // term becomes 1, a is leader

	resp := nodes["a"].HandleAppendEntries(AppendEntriesRequest{Term: 0, LeaderID: "b"})
	if resp.Success {
		t.Error("append entries with a stale term should be rejected")
	}
	if !nodes["a"].IsLeader() {
		t.Error("a should remain leader after rejecting a stale append entries")
	}

	for _, id := range []string{"a", "b"} {
		nodes[id].Stop()
	}
}

func TestNotLeaderErrorNamesLeader(t *testing.T) {
	nodes, _ := newCluster([]string{"a", "b"})
	nodes["b"].HandleAppendEntries(AppendEntriesRequest{Term: 1, LeaderID: "a"})

	err := nodes["b"].NotLeaderError()
	if err == nil {
		t.Fatal("expected a NotLeader error")
	}
	if got := err.Error(); got == "" {
		t.Error("NotLeaderError() produced an empty message")
	}
	if got, want := err.Error(), domain.NotLeader("a").Error(); got != want {
		t.Errorf("NotLeaderError() = %q, want %q (naming leader a)", got, want)
	}

	for _, id := range []string{"a", "b"} {
		nodes[id].Stop()
	}
}
