package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/courier-chat/courier/pkg/raft"
)

// RaftHandler is the inbound side of the peer protocol.
type RaftHandler interface {
	HandleRequestVote(args *raft.RequestVoteArgs) *raft.RequestVoteReply
	HandleAppendEntries(args *raft.AppendEntriesArgs) *raft.AppendEntriesReply
}

const (
	raftServiceName         = "courier.Raft"
	methodRequestVote       = "/courier.Raft/RequestVote"
	methodAppendEntries     = "/courier.Raft/AppendEntries"
	requestVoteMethodName   = "RequestVote"
	appendEntriesMethodName = "AppendEntries"
)

// raftServiceDesc is a hand-written service descriptor; the wire format
// is the registered JSON codec rather than generated protobuf stubs.
var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: raftServiceName,
	HandlerType: (*RaftHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: requestVoteMethodName, Handler: requestVoteHandler},
		{MethodName: appendEntriesMethodName, Handler: appendEntriesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "courier/raft",
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raft.RequestVoteArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(RaftHandler)
	if interceptor == nil {
		return h.HandleRequestVote(in), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRequestVote}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return h.HandleRequestVote(req.(*raft.RequestVoteArgs)), nil
	}
	return interceptor(ctx, in, info, handler)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raft.AppendEntriesArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(RaftHandler)
	if interceptor == nil {
		return h.HandleAppendEntries(in), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAppendEntries}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return h.HandleAppendEntries(req.(*raft.AppendEntriesArgs)), nil
	}
	return interceptor(ctx, in, info, handler)
}
