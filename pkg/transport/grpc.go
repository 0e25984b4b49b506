package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/courier-chat/courier/pkg/raft"
)

// GRPCTransport serves inbound peer RPCs and maintains long-lived
// client connections to every peer. The same gRPC server also hosts
// the client-facing messaging service, registered before Start.
type GRPCTransport struct {
	mu        sync.RWMutex
	localAddr string
	node      RaftHandler
	server    *grpc.Server
	listener  net.Listener
	conns     map[string]*grpc.ClientConn
	peerAddrs map[string]string
	timeout   time.Duration
	logger    *zap.Logger
}

// raftServer delegates inbound RPCs to the node, which is attached
// after construction to break the transport/node setup cycle.
type raftServer struct {
	transport *GRPCTransport
}

func (s *raftServer) HandleRequestVote(args *raft.RequestVoteArgs) *raft.RequestVoteReply {
	s.transport.mu.RLock()
	node := s.transport.node
	s.transport.mu.RUnlock()

	if node == nil {
		return &raft.RequestVoteReply{}
	}
	return node.HandleRequestVote(args)
}

func (s *raftServer) HandleAppendEntries(args *raft.AppendEntriesArgs) *raft.AppendEntriesReply {
	s.transport.mu.RLock()
	node := s.transport.node
	s.transport.mu.RUnlock()

	if node == nil {
		return &raft.AppendEntriesReply{}
	}
	return node.HandleAppendEntries(args)
}

// defaultRPCTimeout is two default heartbeat intervals, so a dead peer
// strands at most a couple of ticks worth of in-flight calls.
const defaultRPCTimeout = 100 * time.Millisecond

// NewGRPCTransport builds the transport for a node listening on addr,
// with peerAddrs mapping peer ids to their addresses.
func NewGRPCTransport(addr string, peerAddrs map[string]string, logger *zap.Logger) *GRPCTransport {
	t := &GRPCTransport{
		localAddr: addr,
		server:    grpc.NewServer(),
		conns:     make(map[string]*grpc.ClientConn),
		peerAddrs: peerAddrs,
		timeout:   defaultRPCTimeout,
		logger:    logger,
	}
	t.server.RegisterService(&raftServiceDesc, &raftServer{transport: t})
	return t
}

// SetRPCTimeout bounds each outbound peer RPC. Callers derive it from
// the node's heartbeat interval.
func (t *GRPCTransport) SetRPCTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
}

func (t *GRPCTransport) rpcTimeout() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.timeout
}

// Server exposes the underlying gRPC server so additional services can
// be registered before Start.
func (t *GRPCTransport) Server() *grpc.Server {
	return t.server
}

// SetNode attaches the Raft node that handles inbound RPCs.
func (t *GRPCTransport) SetNode(node RaftHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.node = node
}

// Start begins listening and serving.
func (t *GRPCTransport) Start() error {
	listener, err := net.Listen("tcp", t.localAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.localAddr, err)
	}
	t.listener = listener

	go func() {
		if err := t.server.Serve(listener); err != nil {
			t.logger.Warn("grpc server stopped", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound listen address, valid after Start. Useful
// when the transport was started on port 0.
func (t *GRPCTransport) Addr() string {
	if t.listener == nil {
		return t.localAddr
	}
	return t.listener.Addr().String()
}

// Stop closes all peer connections and stops the server.
func (t *GRPCTransport) Stop() {
	t.mu.Lock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[string]*grpc.ClientConn)
	t.mu.Unlock()

	t.server.GracefulStop()
	if t.listener != nil {
		t.listener.Close()
	}
}

func (t *GRPCTransport) getConn(target string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	if conn, ok := t.conns[target]; ok {
		t.mu.RUnlock()
		return conn, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[target]; ok {
		return conn, nil
	}

	addr, ok := t.peerAddrs[target]
	if !ok {
		return nil, fmt.Errorf("unknown peer: %s", target)
	}

	conn, err := grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	t.conns[target] = conn
	return conn, nil
}

// RequestVote sends a vote request to a peer.
func (t *GRPCTransport) RequestVote(target string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.rpcTimeout())
	defer cancel()

	reply := new(raft.RequestVoteReply)
	if err := conn.Invoke(ctx, methodRequestVote, args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// AppendEntries sends entries (or a heartbeat) to a peer.
func (t *GRPCTransport) AppendEntries(target string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.rpcTimeout())
	defer cancel()

	reply := new(raft.AppendEntriesReply)
	if err := conn.Invoke(ctx, methodAppendEntries, args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}
