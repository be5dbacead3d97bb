// Package replicator implements the leader-side replication fanout: on a
// successful write at the leader, propagate the operation to every peer
// that hosts a replica of the affected shard. Fanout is fire-and-forget
// best effort — failures are logged and never roll back the local write,
// since the system runs eventual consistency under the leader-only-write
// discipline.
//
// Grounded on the teacher's rebalance manager's peer-directed background
// sender shape (one goroutine per target, logged failures, no blocking of
// the caller), cut down from its rate-limited streaming data-migration
// protocol to a single best-effort RPC per target.
package replicator

import (
	"context"
	"log/slog"
	"time"
)

// Op identifies the kind of write being replicated.
type Op int

const (
	OpPut Op = iota
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "PUT"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// DefaultTimeout bounds each outbound Replicate RPC, matching the data RPC
// timeout used elsewhere in the system.
const DefaultTimeout = 5 * time.Second

// Transport is the outbound RPC surface the Replicator needs from peers.
type Transport interface {
	Replicate(ctx context.Context, peerID string, op Op, key string, value []byte) error
}

// Replicator fans writes out to shard replicas.
type Replicator struct {
	transport Transport
	logger    *slog.Logger
	timeout   time.Duration

	// onResult, if set, is called after every fanout attempt (Fanout and
	// FanoutSync alike) with the target peer and its outcome, letting a
	// caller observe replication health without the Replicator depending on
	// any particular metrics backend.
	onResult func(peer string, err error)
}

// New creates a Replicator. If logger is nil, slog.Default is used.
func New(transport Transport, logger *slog.Logger) *Replicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replicator{transport: transport, logger: logger, timeout: DefaultTimeout}
}

// OnResult registers fn to be called after every fanout attempt. Only one
// observer is supported; a later call replaces an earlier one.
func (r *Replicator) OnResult(fn func(peer string, err error)) {
	r.onResult = fn
}

// Fanout replicates op on key/value to every node in targets, one goroutine
// per target. It returns immediately; callers must not wait for replicas
// to acknowledge before replying to the client, per the baseline's
// fire-and-forget compliance point.
func (r *Replicator) Fanout(targets []string, op Op, key string, value []byte) {
	for _, peer := range targets {
		peer := peer
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()

			err := r.transport.Replicate(ctx, peer, op, key, value)
			if err != nil {
				r.logger.Warn("replication failed",
					"peer", peer,
					"op", op.String(),
					"key", key,
					"error", err,
				)
			}
			if r.onResult != nil {
				r.onResult(peer, err)
			}
		}()
	}
}

// FanoutSync is like Fanout but blocks until every target has been attempted
// and returns the set of peers that failed, for callers (e.g. tests) that
// need to observe completion instead of firing and forgetting.
func (r *Replicator) FanoutSync(ctx context.Context, targets []string, op Op, key string, value []byte) []string {
	type result struct {
		peer string
		err  error
	}
	results := make(chan result, len(targets))

	for _, peer := range targets {
		peer := peer
		go func() {
			rctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			err := r.transport.Replicate(rctx, peer, op, key, value)
			results <- result{peer: peer, err: err}
		}()
	}

	var failed []string
	for range targets {
		res := <-results
		if res.err != nil {
			r.logger.Warn("replication failed",
				"peer", res.peer,
				"op", op.String(),
				"key", key,
				"error", res.err,
			)
			failed = append(failed, res.peer)
		}
		if r.onResult != nil {
			r.onResult(res.peer, res.err)
		}
	}
	return failed
}
