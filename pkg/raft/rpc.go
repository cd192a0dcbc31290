package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// jsonCodec implements grpc/encoding.Codec without any protoc-generated
// stub types, following the hand-written-message approach this build
// substitutes for teacher pkg/api's protobuf/protoc-gen-go pipeline (no
// .proto toolchain is available here). Registered once via init(); clients
// select it with grpc.CallContentSubtype, and the server picks the
// registered codec from each request's content subtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// serviceName is the gRPC service path every control-plane RPC in this
// package registers under, mirroring teacher proto.WarrenAPI's service
// name but for this system's much smaller join/ping/pong/peer-list
// surface.
const serviceName = "mailcore.raft.Control"

// JoinRequest asks the current leader to add the caller as a voter,
// generalizing teacher proto.JoinClusterRequest from a join-token
// handshake to this system's address-only join (membership auth is out
// of scope here; see DESIGN.md).
type JoinRequest struct {
	NodeID   string `json:"node_id"`
	BindAddr string `json:"bind_addr"`
}

type JoinResponse struct {
	Status     string `json:"status"`
	LeaderAddr string `json:"leader_addr"`
}

// PeerStatus is the liveness/log-position summary PeerTracker exchanges
// on every ping round, generalizing PeerStatus from
// original_source/src/cluster/gossip/ping.rs (peer_id/epoch/
// last_log_index/last_log_term) to this system's raft-index terms.
type PeerStatus struct {
	NodeID      string `json:"node_id"`
	Epoch       uint64 `json:"epoch"`
	LastTerm    uint64 `json:"last_term"`
	LastIndex   uint64 `json:"last_index"`
	IsLeader    bool   `json:"is_leader"`
}

type PingRequest struct {
	From PeerStatus `json:"from"`
}

type PongResponse struct {
	From PeerStatus `json:"from"`
}

// UpdatePeersRequest carries a full peer list, which the receiver merges
// into its PeerTracker (after do_full_sync in the original). No ping
// round in this package sends one.
type UpdatePeersRequest struct {
	Peers []PeerAddr `json:"peers"`
}

type PeerAddr struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

type UpdatePeersResponse struct {
	Status string `json:"status"`
}

// ControlHandler is implemented by Node to answer control-plane calls.
type ControlHandler interface {
	HandleJoin(ctx context.Context, req JoinRequest) (JoinResponse, error)
	HandlePing(ctx context.Context, req PingRequest) (PongResponse, error)
	HandleUpdatePeers(ctx context.Context, req UpdatePeersRequest) (UpdatePeersResponse, error)
}

// RegisterControlServer registers handler's three RPCs on srv using a
// hand-built grpc.ServiceDesc, the same pattern teacher pkg/api would
// get for free from protoc-gen-go-grpc if this build could run it.
func RegisterControlServer(srv *grpc.Server, handler ControlHandler) {
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*ControlHandler)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Join",
				Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
					var req JoinRequest
					if err := dec(&req); err != nil {
						return nil, err
					}
					return handler.HandleJoin(ctx, req)
				},
			},
			{
				MethodName: "Ping",
				Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
					var req PingRequest
					if err := dec(&req); err != nil {
						return nil, err
					}
					return handler.HandlePing(ctx, req)
				},
			},
			{
				MethodName: "UpdatePeers",
				Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
					var req UpdatePeersRequest
					if err := dec(&req); err != nil {
						return nil, err
					}
					return handler.HandleUpdatePeers(ctx, req)
				},
			},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "pkg/raft/rpc.go",
	}, handler)
}

// ControlClient calls another node's control-plane service over a
// plain (non-TLS) gRPC connection, following teacher pkg/client's dial
// shape minus mTLS (cluster membership auth is out of scope; see
// DESIGN.md).
type ControlClient struct {
	conn *grpc.ClientConn
}

func DialControl(addr string, timeout time.Duration) (*ControlClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithInsecure(),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
	)
	if err != nil {
		return nil, fmt.Errorf("raft: dial %s: %w", addr, err)
	}
	return &ControlClient{conn: conn}, nil
}

func (c *ControlClient) Close() error { return c.conn.Close() }

func (c *ControlClient) Join(ctx context.Context, req JoinRequest) (JoinResponse, error) {
	var resp JoinResponse
	err := c.conn.Invoke(ctx, fullMethod("Join"), &req, &resp)
	return resp, grpcErr(err)
}

func (c *ControlClient) Ping(ctx context.Context, req PingRequest) (PongResponse, error) {
	var resp PongResponse
	err := c.conn.Invoke(ctx, fullMethod("Ping"), &req, &resp)
	return resp, grpcErr(err)
}

func (c *ControlClient) UpdatePeers(ctx context.Context, req UpdatePeersRequest) (UpdatePeersResponse, error) {
	var resp UpdatePeersResponse
	err := c.conn.Invoke(ctx, fullMethod("UpdatePeers"), &req, &resp)
	return resp, grpcErr(err)
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

func grpcErr(err error) error {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok {
		return fmt.Errorf("raft: rpc failed: %s", st.Message())
	}
	return err
}

// HandleJoin implements ControlHandler for Node, adding the caller as a
// raft voter when this node is the current leader.
func (n *Node) HandleJoin(_ context.Context, req JoinRequest) (JoinResponse, error) {
	if err := n.AddVoter(req.NodeID, req.BindAddr); err != nil {
		return JoinResponse{}, status.Error(codes.FailedPrecondition, err.Error())
	}
	return JoinResponse{Status: "ok"}, nil
}

// HandlePing implements ControlHandler, delegating to this node's
// PeerTracker.
func (n *Node) HandlePing(_ context.Context, req PingRequest) (PongResponse, error) {
	return n.Peers.HandlePing(n, req), nil
}

// HandleUpdatePeers implements ControlHandler, merging the caller's
// peer list into this node's PeerTracker.
func (n *Node) HandleUpdatePeers(_ context.Context, req UpdatePeersRequest) (UpdatePeersResponse, error) {
	n.Peers.HandleUpdatePeers(req.Peers)
	return UpdatePeersResponse{Status: "ok"}, nil
}
