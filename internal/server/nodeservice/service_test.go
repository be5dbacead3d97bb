package nodeservice

import (
	"context"
	"testing"
	"time"

	coreauth "github.com/quorumkv/quorumkv/internal/core/auth"
	"github.com/quorumkv/quorumkv/internal/core/consensus"
	"github.com/quorumkv/quorumkv/internal/core/domain"
	"github.com/quorumkv/quorumkv/internal/core/replicator"
	"github.com/quorumkv/quorumkv/internal/core/ringhash"
	"github.com/quorumkv/quorumkv/internal/core/shard"
	"github.com/quorumkv/quorumkv/internal/core/store"
)

const selfID = "node-1"

func newTestServiceWithOwner(t *testing.T, leader bool, shardOwner string) (*Service, string) {
	t.Helper()

	a := coreauth.New(nil, time.Hour)
	a.AddAPIKey("good-key", "admin")
	token, err := a.Authenticate("good-key")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	shards := shard.New(selfID, shard.DefaultNumShards)
	shards.AssignInitial([]string{shardOwner})

	ring := ringhash.New(ringhash.DefaultVirtualNodes)
	ring.AddNode(selfID)

	cons := consensus.New(consensus.Config{SelfID: selfID})
	if leader {
		cons.StartElection(context.Background())
	}

	st := store.New()
	repl := replicator.New(nil, nil)

	svc := New(Config{
		SelfID:            selfID,
		ReplicationFactor: 1,
		Auth:              a,
		Shards:            shards,
		Consensus:         cons,
		Store:             st,
		Ring:              ring,
		Replicator:        repl,
	})
	return svc, token
}

func newTestService(t *testing.T, leader bool) (*Service, string) {
	return newTestServiceWithOwner(t, leader, selfID)
}

func TestGetPutDeleteRoundTrip(t *testing.T) {
	svc, token := newTestService(t, true)

	if _, err := svc.Put(token, "k", []byte("v1"), nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	value, found, version, err := svc.Get(token, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found || string(value) != "v1" || version == 0 {
		t.Errorf("Get() = %q, %v, %d, want v1, true, nonzero", value, found, version)
	}

	if err := svc.Delete(token, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	_, found, _, _ = svc.Get(token, "k")
	if found {
		t.Error("Get() after Delete should miss")
	}
}

func TestPutRejectsInvalidToken(t *testing.T) {
	svc, _ := newTestService(t, true)

	_, err := svc.Put("bogus-token", "k", []byte("v"), nil)
	if !domain.IsKind(err, domain.KindInvalidToken) {
		t.Errorf("Put() with bad token = %v, want InvalidToken", err)
	}
}

func TestPutRejectsWhenNotLeader(t *testing.T) {
	svc, token := newTestService(t, false)

	_, err := svc.Put(token, "k", []byte("v"), nil)
	if !domain.IsKind(err, domain.KindNotLeader) {
		t.Errorf("Put() on a non-leader = %v, want NotLeader", err)
	}
}

func TestGetDoesNotRequireLeadership(t *testing.T) {
	svc, token := newTestService(t, false)

	// Seed a value by going through Replicate, which bypasses leader/owner
	// checks the way the leader-authorized fanout does.
	if err := svc.Replicate(replicator.OpPut, "k", []byte("v")); err != nil {
		t.Fatalf("Replicate() error = %v", err)
	}

	_, found, _, err := svc.Get(token, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found {
		t.Error("Get() should see a value applied via Replicate even on a follower")
	}
}

func TestPutRejectsOwnershipMismatch(t *testing.T) {
	svc, token := newTestServiceWithOwner(t, true, "other-node")

	_, err := svc.Put(token, "some-key", []byte("v"), nil)
	if !domain.IsKind(err, domain.KindNotOwner) {
		t.Errorf("Put() on a foreign key = %v, want NotOwner", err)
	}
}

func TestPutVersionConflict(t *testing.T) {
	svc, token := newTestService(t, true)

	v1, err := svc.Put(token, "k", []byte("a"), nil)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	stale := v1 - 1
	_, err = svc.Put(token, "k", []byte("b"), &stale)
	if !domain.IsKind(err, domain.KindVersionConflict) {
		t.Errorf("Put() with stale version = %v, want VersionConflict", err)
	}
}

func TestGetMetadataReflectsRole(t *testing.T) {
	svc, _ := newTestService(t, true)

	role, _, leaderID, owned := svc.GetMetadata()
	if role != "LEADER" || leaderID != selfID {
		t.Errorf("GetMetadata() = role=%s leader=%s, want LEADER/%s", role, leaderID, selfID)
	}
	if len(owned) != shard.DefaultNumShards {
		t.Errorf("GetMetadata() owned shards = %d, want %d (sole node)", len(owned), shard.DefaultNumShards)
	}
}

func TestAuthenticatePropagatesFromAuth(t *testing.T) {
	svc, _ := newTestService(t, true)

	_, err := svc.Authenticate("unknown-key")
	if !domain.IsKind(err, domain.KindInvalidAPIKey) {
		t.Errorf("Authenticate() with unknown key = %v, want InvalidApiKey", err)
	}
}
