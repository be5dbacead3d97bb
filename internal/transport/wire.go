// Package transport implements the inter-node and client-node RPC surface
// over net/rpc (gob-encoded), deliberately standing in for the gRPC/
// protobuf transport the design leaves to an external collaborator: wiring
// a real framework here would mean specifying wire schemas out of scope for
// this repo. net/rpc gives NodeService something real processes can call
// over the network without taking on protobuf codegen.
package transport

// Wire message shapes, mirroring the external RPC surface. Every field is
// exported so gob can encode it; error conditions travel in the Error
// string field rather than as a transport-level error, since no exception
// may cross an RPC boundary.

type AuthRequest struct {
	APIKey string
}

type AuthResponse struct {
	Success bool
	Token   string
	Error   string
}

type GetRequest struct {
	Key       string
	AuthToken string
}

type GetResponse struct {
	Value   []byte
	Found   bool
	Version uint64
	Error   string
}

type PutRequest struct {
	Key       string
	Value     []byte
	AuthToken string
	Version   *uint64
}

type PutResponse struct {
	Success    bool
	NewVersion uint64
	Error      string
}

type DeleteRequest struct {
	Key       string
	AuthToken string
}

type DeleteResponse struct {
	Success bool
	Error   string
}

type ReplicateRequest struct {
	Operation string // "PUT" or "DELETE"
	Key       string
	Value     []byte
}

type ReplicateResponse struct {
	Success bool
}

type HealthRequest struct{}

type HealthResponse struct {
	Healthy bool
	Status  string
}

type MetadataRequest struct{}

type MetadataResponse struct {
	Role        string
	Term        uint64
	LeaderID    string
	OwnedShards []int
}
