package transport

import (
	"errors"
	"log/slog"
	"net"
	"net/rpc"
	"time"

	"github.com/quorumkv/quorumkv/internal/core/consensus"
	"github.com/quorumkv/quorumkv/internal/core/replicator"
)

// Observer receives the outcome of every inbound RPC, for wiring into a
// metrics registry without the transport package depending on one.
type Observer func(method string, err error, seconds float64)

// DefaultWorkerPoolSize bounds how many inbound RPCs rpcAdapter dispatches to
// the Handler concurrently. net/rpc itself spawns a goroutine per inbound
// call with no bound of its own, so the adapter enforces one with a
// buffered-channel semaphore.
const DefaultWorkerPoolSize = 10

// Handler is everything the RPC surface needs from the node façade. It is
// satisfied structurally by the nodeservice package's Service, kept as an
// interface here so transport has no import-cycle dependency on it.
type Handler interface {
	Authenticate(apiKey string) (token string, err error)
	Get(token, key string) (value []byte, found bool, version uint64, err error)
	Put(token, key string, value []byte, version *uint64) (newVersion uint64, err error)
	Delete(token, key string) error
	RequestVote(req consensus.VoteRequest) consensus.VoteResponse
	AppendEntries(req consensus.AppendEntriesRequest) consensus.AppendEntriesResponse
	Replicate(op replicator.Op, key string, value []byte) error
	HealthCheck() (healthy bool, status string)
	GetMetadata() (role string, term uint64, leaderID string, ownedShards []int)
}

// Server listens for inbound NodeService RPCs and dispatches them to a
// Handler.
type Server struct {
	handler  Handler
	logger   *slog.Logger
	listener net.Listener
	observer Observer
	poolSize int
}

// NewServer creates a Server bound to handler. Call Listen to start
// accepting connections.
func NewServer(handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{handler: handler, logger: logger, poolSize: DefaultWorkerPoolSize}
}

// SetWorkerPoolSize overrides the default bound on concurrently dispatched
// inbound RPCs. Must be called before Listen to take effect. n <= 0 is
// ignored.
func (s *Server) SetWorkerPoolSize(n int) {
	if n > 0 {
		s.poolSize = n
	}
}

// SetObserver registers obs to receive every inbound RPC's outcome and
// latency. Must be called before Listen to take effect.
func (s *Server) SetObserver(obs Observer) {
	s.observer = obs
}

// Listen binds addr and begins dispatching inbound RPCs in the background.
// net/rpc spawns a goroutine per inbound call with no bound of its own, so
// rpcAdapter enforces the bounded worker pool itself via a semaphore sized
// by poolSize. Listen itself returns once bound.
func (s *Server) Listen(addr string) error {
	rpcServer := rpc.NewServer()
	adapter := &rpcAdapter{
		handler:  s.handler,
		observer: s.observer,
		sem:      make(chan struct{}, s.poolSize),
	}
	if err := rpcServer.RegisterName("NodeService", adapter); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		s.logger.Info("transport listening", "addr", addr)
		rpcServer.Accept(ln)
	}()
	return nil
}

// Addr returns the bound listener address, or "" if not listening.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// rpcAdapter exposes Handler's methods in the func(args, reply *T) error
// shape net/rpc requires, translating domain errors into the wire types'
// Error fields instead of letting them travel as RPC-layer errors.
type rpcAdapter struct {
	handler  Handler
	observer Observer
	sem      chan struct{}
}

// observe reports method's outcome and latency to the adapter's Observer,
// if one is registered. errStr is the wire response's Error field, empty
// meaning success.
func (a *rpcAdapter) observe(method string, start time.Time, errStr string) {
	if a.observer == nil {
		return
	}
	var err error
	if errStr != "" {
		err = errors.New(errStr)
	}
	a.observer(method, err, time.Since(start).Seconds())
}

// acquire blocks until a worker slot is free, bounding how many of the
// adapter's methods run the Handler concurrently. release frees the slot.
func (a *rpcAdapter) acquire() {
	a.sem <- struct{}{}
}

func (a *rpcAdapter) release() {
	<-a.sem
}

func (a *rpcAdapter) Authenticate(req *AuthRequest, resp *AuthResponse) error {
	a.acquire()
	defer a.release()
	start := time.Now()
	token, err := a.handler.Authenticate(req.APIKey)
	if err != nil {
		resp.Error = err.Error()
		a.observe("Authenticate", start, resp.Error)
		return nil
	}
	resp.Success = true
	resp.Token = token
	a.observe("Authenticate", start, "")
	return nil
}

func (a *rpcAdapter) Get(req *GetRequest, resp *GetResponse) error {
	a.acquire()
	defer a.release()
	start := time.Now()
	value, found, version, err := a.handler.Get(req.AuthToken, req.Key)
	if err != nil {
		resp.Error = err.Error()
		a.observe("Get", start, resp.Error)
		return nil
	}
	resp.Value = value
	resp.Found = found
	resp.Version = version
	a.observe("Get", start, "")
	return nil
}

func (a *rpcAdapter) Put(req *PutRequest, resp *PutResponse) error {
	a.acquire()
	defer a.release()
	start := time.Now()
	newVersion, err := a.handler.Put(req.AuthToken, req.Key, req.Value, req.Version)
	if err != nil {
		resp.Error = err.Error()
		a.observe("Put", start, resp.Error)
		return nil
	}
	resp.Success = true
	resp.NewVersion = newVersion
	a.observe("Put", start, "")
	return nil
}

func (a *rpcAdapter) Delete(req *DeleteRequest, resp *DeleteResponse) error {
	a.acquire()
	defer a.release()
	start := time.Now()
	if err := a.handler.Delete(req.AuthToken, req.Key); err != nil {
		resp.Error = err.Error()
		a.observe("Delete", start, resp.Error)
		return nil
	}
	resp.Success = true
	a.observe("Delete", start, "")
	return nil
}

func (a *rpcAdapter) RequestVote(req *consensus.VoteRequest, resp *consensus.VoteResponse) error {
	a.acquire()
	defer a.release()
	start := time.Now()
	*resp = a.handler.RequestVote(*req)
	a.observe("RequestVote", start, "")
	return nil
}

func (a *rpcAdapter) AppendEntries(req *consensus.AppendEntriesRequest, resp *consensus.AppendEntriesResponse) error {
	a.acquire()
	defer a.release()
	start := time.Now()
	*resp = a.handler.AppendEntries(*req)
	a.observe("AppendEntries", start, "")
	return nil
}

func (a *rpcAdapter) Replicate(req *ReplicateRequest, resp *ReplicateResponse) error {
	a.acquire()
	defer a.release()
	start := time.Now()
	op := replicator.OpPut
	if req.Operation == "DELETE" {
		op = replicator.OpDelete
	}
	err := a.handler.Replicate(op, req.Key, req.Value)
	resp.Success = err == nil
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	a.observe("Replicate", start, errStr)
	return nil
}

func (a *rpcAdapter) HealthCheck(req *HealthRequest, resp *HealthResponse) error {
	a.acquire()
	defer a.release()
	start := time.Now()
	resp.Healthy, resp.Status = a.handler.HealthCheck()
	a.observe("HealthCheck", start, "")
	return nil
}

func (a *rpcAdapter) GetMetadata(req *MetadataRequest, resp *MetadataResponse) error {
	a.acquire()
	defer a.release()
	start := time.Now()
	resp.Role, resp.Term, resp.LeaderID, resp.OwnedShards = a.handler.GetMetadata()
	a.observe("GetMetadata", start, "")
	return nil
}
