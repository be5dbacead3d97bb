package transport

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/quorumkv/quorumkv/internal/core/consensus"
	"github.com/quorumkv/quorumkv/internal/core/domain"
	"github.com/quorumkv/quorumkv/internal/core/replicator"
)

// DefaultDialTimeout bounds establishing a new connection to a peer.
const DefaultDialTimeout = 5 * time.Second

// Resolver maps a node_id to a dialable host:port address.
type Resolver func(nodeID string) (address string, err error)

// Client dials peers lazily by node_id and caches the connection,
// implementing both consensus.Transport and replicator.Transport so the
// same pool of connections serves elections, heartbeats and replication
// fanout.
type Client struct {
	mu          sync.Mutex
	conns       map[string]*rpc.Client
	resolve     Resolver
	dialTimeout time.Duration
}

// NewClient creates a Client that resolves peer addresses via resolve.
func NewClient(resolve Resolver) *Client {
	return &Client{
		conns:       make(map[string]*rpc.Client),
		resolve:     resolve,
		dialTimeout: DefaultDialTimeout,
	}
}

func (c *Client) connFor(peerID string) (*rpc.Client, error) {
	c.mu.Lock()
	if conn, ok := c.conns[peerID]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	addr, err := c.resolve(peerID)
	if err != nil {
		return nil, err
	}

	netConn, err := net.DialTimeout("tcp", addr, c.dialTimeout)
	if err != nil {
		return nil, err
	}
	conn := rpc.NewClient(netConn)

	c.mu.Lock()
	if existing, ok := c.conns[peerID]; ok {
		c.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	c.conns[peerID] = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) invalidate(peerID string) {
	c.mu.Lock()
	conn, ok := c.conns[peerID]
	delete(c.conns, peerID)
	c.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Close closes every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.conns {
		conn.Close()
		delete(c.conns, id)
	}
	return nil
}

// callWithContext issues an RPC asynchronously so a cancelled or expired
// ctx can abandon the wait without blocking on net/rpc's synchronous Call.
func callWithContext(ctx context.Context, conn *rpc.Client, method string, args, reply any) error {
	done := make(chan *rpc.Call, 1)
	call := conn.Go(method, args, reply, done)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-call.Done:
		return result.Error
	}
}

// RequestVote implements consensus.Transport.
func (c *Client) RequestVote(ctx context.Context, peerID string, req consensus.VoteRequest) (consensus.VoteResponse, error) {
	conn, err := c.connFor(peerID)
	if err != nil {
		return consensus.VoteResponse{}, domain.PeerUnreachable(peerID, err)
	}

	var resp consensus.VoteResponse
	if err := callWithContext(ctx, conn, "NodeService.RequestVote", &req, &resp); err != nil {
		c.invalidate(peerID)
		return consensus.VoteResponse{}, domain.PeerUnreachable(peerID, err)
	}
	return resp, nil
}

// AppendEntries implements consensus.Transport.
func (c *Client) AppendEntries(ctx context.Context, peerID string, req consensus.AppendEntriesRequest) (consensus.AppendEntriesResponse, error) {
	conn, err := c.connFor(peerID)
	if err != nil {
		return consensus.AppendEntriesResponse{}, domain.PeerUnreachable(peerID, err)
	}

	var resp consensus.AppendEntriesResponse
	if err := callWithContext(ctx, conn, "NodeService.AppendEntries", &req, &resp); err != nil {
		c.invalidate(peerID)
		return consensus.AppendEntriesResponse{}, domain.PeerUnreachable(peerID, err)
	}
	return resp, nil
}

// Replicate implements replicator.Transport.
func (c *Client) Replicate(ctx context.Context, peerID string, op replicator.Op, key string, value []byte) error {
	conn, err := c.connFor(peerID)
	if err != nil {
		return domain.PeerUnreachable(peerID, err)
	}

	req := ReplicateRequest{Operation: op.String(), Key: key, Value: value}
	var resp ReplicateResponse
	if err := callWithContext(ctx, conn, "NodeService.Replicate", &req, &resp); err != nil {
		c.invalidate(peerID)
		return domain.PeerUnreachable(peerID, err)
	}
	if !resp.Success {
		return errors.New("transport: peer rejected replicate")
	}
	return nil
}

// Authenticate calls NodeService.Authenticate on peerID.
func (c *Client) Authenticate(ctx context.Context, peerID, apiKey string) (AuthResponse, error) {
	conn, err := c.connFor(peerID)
	if err != nil {
		return AuthResponse{}, domain.PeerUnreachable(peerID, err)
	}
	req := AuthRequest{APIKey: apiKey}
	var resp AuthResponse
	if err := callWithContext(ctx, conn, "NodeService.Authenticate", &req, &resp); err != nil {
		c.invalidate(peerID)
		return AuthResponse{}, domain.PeerUnreachable(peerID, err)
	}
	return resp, nil
}

// Get calls NodeService.Get on peerID.
func (c *Client) Get(ctx context.Context, peerID, token, key string) (GetResponse, error) {
	conn, err := c.connFor(peerID)
	if err != nil {
		return GetResponse{}, domain.PeerUnreachable(peerID, err)
	}
	req := GetRequest{Key: key, AuthToken: token}
	var resp GetResponse
	if err := callWithContext(ctx, conn, "NodeService.Get", &req, &resp); err != nil {
		c.invalidate(peerID)
		return GetResponse{}, domain.PeerUnreachable(peerID, err)
	}
	return resp, nil
}

// Put calls NodeService.Put on peerID. A nil version means an
// unconditional write.
func (c *Client) Put(ctx context.Context, peerID, token, key string, value []byte, version *uint64) (PutResponse, error) {
	conn, err := c.connFor(peerID)
	if err != nil {
		return PutResponse{}, domain.PeerUnreachable(peerID, err)
	}
	req := PutRequest{Key: key, Value: value, AuthToken: token, Version: version}
	var resp PutResponse
	if err := callWithContext(ctx, conn, "NodeService.Put", &req, &resp); err != nil {
		c.invalidate(peerID)
		return PutResponse{}, domain.PeerUnreachable(peerID, err)
	}
	return resp, nil
}

// Delete calls NodeService.Delete on peerID.
func (c *Client) Delete(ctx context.Context, peerID, token, key string) (DeleteResponse, error) {
	conn, err := c.connFor(peerID)
	if err != nil {
		return DeleteResponse{}, domain.PeerUnreachable(peerID, err)
	}
	req := DeleteRequest{Key: key, AuthToken: token}
	var resp DeleteResponse
	if err := callWithContext(ctx, conn, "NodeService.Delete", &req, &resp); err != nil {
		c.invalidate(peerID)
		return DeleteResponse{}, domain.PeerUnreachable(peerID, err)
	}
	return resp, nil
}

// HealthCheck calls NodeService.HealthCheck on peerID.
func (c *Client) HealthCheck(ctx context.Context, peerID string) (HealthResponse, error) {
	conn, err := c.connFor(peerID)
	if err != nil {
		return HealthResponse{}, domain.PeerUnreachable(peerID, err)
	}
	var resp HealthResponse
	if err := callWithContext(ctx, conn, "NodeService.HealthCheck", &HealthRequest{}, &resp); err != nil {
		c.invalidate(peerID)
		return HealthResponse{}, domain.PeerUnreachable(peerID, err)
	}
	return resp, nil
}

// GetMetadata calls NodeService.GetMetadata on peerID.
func (c *Client) GetMetadata(ctx context.Context, peerID string) (MetadataResponse, error) {
	conn, err := c.connFor(peerID)
	if err != nil {
		return MetadataResponse{}, domain.PeerUnreachable(peerID, err)
	}
	var resp MetadataResponse
	if err := callWithContext(ctx, conn, "NodeService.GetMetadata", &MetadataRequest{}, &resp); err != nil {
		c.invalidate(peerID)
		return MetadataResponse{}, domain.PeerUnreachable(peerID, err)
	}
	return resp, nil
}
