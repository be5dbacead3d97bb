package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quorumkv/quorumkv/internal/core/consensus"
	"github.com/quorumkv/quorumkv/internal/core/replicator"
)

type fakeHandler struct {
	role        string
	term        uint64
	leaderID    string
	ownedShards []int
}

func (h *fakeHandler) Authenticate(apiKey string) (string, error) {
	if apiKey != "good-key" {
		return "", errors.New("Invalid API key")
	}
	return "a-token", nil
}

func (h *fakeHandler) Get(token, key string) ([]byte, bool, uint64, error) {
	if key == "missing" {
		return nil, false, 0, nil
	}
	return []byte("value-for-" + key), true, 7, nil
}

func (h *fakeHandler) Put(token, key string, value []byte, version *uint64) (uint64, error) {
	return 8, nil
}

func (h *fakeHandler) Delete(token, key string) error {
	return nil
}

func (h *fakeHandler) RequestVote(req consensus.VoteRequest) consensus.VoteResponse {
	return consensus.VoteResponse{VoteGranted: true, Term: req.Term}
}

func (h *fakeHandler) AppendEntries(req consensus.AppendEntriesRequest) consensus.AppendEntriesResponse {
	return consensus.AppendEntriesResponse{Success: true, Term: req.Term}
}

func (h *fakeHandler) Replicate(op replicator.Op, key string, value []byte) error {
	return nil
}

func (h *fakeHandler) HealthCheck() (bool, string) {
	return true, "ok"
}

func (h *fakeHandler) GetMetadata() (string, uint64, string, []int) {
	return h.role, h.term, h.leaderID, h.ownedShards
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	handler := &fakeHandler{role: "LEADER", term: 4, leaderID: "node-1", ownedShards: []int{1, 2}}
	srv := NewServer(handler, nil)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, srv.Addr()
}

func TestClientServerRoundTrip(t *testing.T) {
	_, addr := startTestServer(t)
	client := NewClient(func(nodeID string) (string, error) { return addr, nil })
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	authResp, err := client.Authenticate(ctx, "peer", "good-key")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if !authResp.Success || authResp.Token == "" {
		t.Errorf("Authenticate() = %+v, want success with a token", authResp)
	}

	getResp, err := client.Get(ctx, "peer", authResp.Token, "k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !getResp.Found || string(getResp.Value) != "value-for-k1" {
		t.Errorf("Get() = %+v, want found value-for-k1", getResp)
	}

	md, err := client.GetMetadata(ctx, "peer")
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if md.Role != "LEADER" || md.Term != 4 || md.LeaderID != "node-1" {
		t.Errorf("GetMetadata() = %+v, want role=LEADER term=4 leader=node-1", md)
	}
}

func TestClientAuthenticateFailureSurfacesInErrorField(t *testing.T) {
	_, addr := startTestServer(t)
	client := NewClient(func(nodeID string) (string, error) { return addr, nil })
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Authenticate(ctx, "peer", "bad-key")
	if err != nil {
		t.Fatalf("Authenticate() transport error = %v, want nil (domain error travels in response)", err)
	}
	if resp.Success {
		t.Error("Authenticate() with a bad key should not report success")
	}
	if resp.Error == "" {
		t.Error("Authenticate() with a bad key should carry an error message")
	}
}

func TestClientConsensusRPCs(t *testing.T) {
	_, addr := startTestServer(t)
	client := NewClient(func(nodeID string) (string, error) { return addr, nil })
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	voteResp, err := client.RequestVote(ctx, "peer", consensus.VoteRequest{Term: 9, CandidateID: "x"})
	if err != nil {
		t.Fatalf("RequestVote() error = %v", err)
	}
	if !voteResp.VoteGranted || voteResp.Term != 9 {
		t.Errorf("RequestVote() = %+v, want granted term=9", voteResp)
	}

	aeResp, err := client.AppendEntries(ctx, "peer", consensus.AppendEntriesRequest{Term: 9, LeaderID: "x"})
	if err != nil {
		t.Fatalf("AppendEntries() error = %v", err)
	}
	if !aeResp.Success {
		t.Errorf("AppendEntries() = %+v, want success", aeResp)
	}
}

func TestClientReplicate(t *testing.T) {
	_, addr := startTestServer(t)
	client := NewClient(func(nodeID string) (string, error) { return addr, nil })
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Replicate(ctx, "peer", replicator.OpPut, "k", []byte("v")); err != nil {
		t.Errorf("Replicate() error = %v", err)
	}
}

func TestServerObserverRecordsOutcomes(t *testing.T) {
	handler := &fakeHandler{role: "FOLLOWER"}
	srv := NewServer(handler, nil)

	type call struct {
		method string
		failed bool
	}
	var calls []call
	srv.SetObserver(func(method string, err error, seconds float64) {
		calls = append(calls, call{method: method, failed: err != nil})
	})

	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	client := NewClient(func(nodeID string) (string, error) { return srv.Addr(), nil })
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.Authenticate(ctx, "peer", "good-key"); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if _, err := client.Authenticate(ctx, "peer", "bad-key"); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	if len(calls) != 2 {
		t.Fatalf("observer recorded %d calls, want 2: %+v", len(calls), calls)
	}
	if calls[0].failed {
		t.Error("first Authenticate call should have been observed as success")
	}
	if !calls[1].failed {
		t.Error("second Authenticate call should have been observed as a failure")
	}
}

// blockingHandler's Get blocks until release is closed, so tests can observe
// how many concurrent calls the adapter lets through.
type blockingHandler struct {
	fakeHandler
	inFlight chan struct{}
	release  chan struct{}
}

func (h *blockingHandler) Get(token, key string) ([]byte, bool, uint64, error) {
	h.inFlight <- struct{}{}
	<-h.release
	return []byte("v"), true, 1, nil
}

func TestServerBoundsConcurrentRPCs(t *testing.T) {
	handler := &blockingHandler{inFlight: make(chan struct{}, 10), release: make(chan struct{})}
	srv := NewServer(handler, nil)
	srv.SetWorkerPoolSize(2)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	client := NewClient(func(nodeID string) (string, error) { return srv.Addr(), nil })
	t.Cleanup(func() { client.Close() })

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			client.Get(ctx, "peer", "tok", "k")
		}()
	}

	// With a pool of 2, only 2 of the 3 concurrent calls should ever reach
	// the handler at once; give the third a moment to prove it's blocked.
	<-handler.inFlight
	<-handler.inFlight
	select {
	case <-handler.inFlight:
		t.Fatal("a third call reached the handler before a pool slot freed up")
	case <-time.After(100 * time.Millisecond):
	}

	close(handler.release)
	wg.Wait()
}

func TestClientUnreachablePeer(t *testing.T) {
	client := NewClient(func(nodeID string) (string, error) { return "", errors.New("no such peer") })
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := client.Get(ctx, "ghost", "tok", "k"); err == nil {
		t.Error("Get() to an unresolvable peer should fail")
	}
}
