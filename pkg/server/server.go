// Package server exposes the client-facing messaging RPCs. Mutations
// are proposed through Raft on the leader; reads are served from the
// locally applied state after session validation.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/courier-chat/courier/pkg/chat"
	"github.com/courier-chat/courier/pkg/config"
	"github.com/courier-chat/courier/pkg/raft"
)

// allocRetries bounds id reallocation when a concurrently committed
// entry claimed the id this node picked.
const allocRetries = 3

// defaultProposeTimeout caps the commit wait when the client did not
// set a deadline.
const defaultProposeTimeout = 3 * time.Second

type Server struct {
	nodeID   string
	node     *raft.Node
	machine  *chat.Machine
	sessions *SessionTable
	cluster  config.Cluster
	logger   *zap.Logger

	// Id allocation is node-local and monotonic; the state machine
	// deterministically rejects an id that a racing proposal claimed.
	allocMu       sync.Mutex
	nextUserID    uint32
	nextMessageID uint32
}

// New builds the RPC surface over a started node and its machine.
func New(nodeID string, node *raft.Node, machine *chat.Machine, cluster config.Cluster, logger *zap.Logger) *Server {
	return &Server{
		nodeID:        nodeID,
		node:          node,
		machine:       machine,
		sessions:      NewSessionTable(),
		cluster:       cluster,
		logger:        logger.With(zap.String("node", nodeID)),
		nextUserID:    machine.MaxUserID(),
		nextMessageID: machine.MaxMessageID(),
	}
}

// Register attaches the messaging service to a gRPC server.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(messagingServiceDesc(), s)
}

// Sessions exposes the session table, used by tests to simulate
// failover re-authentication.
func (s *Server) Sessions() *SessionTable {
	return s.sessions
}

func (s *Server) allocUserID() uint32 {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()
	if applied := s.machine.MaxUserID(); applied > s.nextUserID {
		s.nextUserID = applied
	}
	s.nextUserID++
	return s.nextUserID
}

func (s *Server) allocMessageID() uint32 {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()
	if applied := s.machine.MaxMessageID(); applied > s.nextMessageID {
		s.nextMessageID = applied
	}
	s.nextMessageID++
	return s.nextMessageID
}

func (s *Server) authenticate(userID uint32, token []byte) error {
	if !s.sessions.Validate(userID, token) {
		return status.Error(codes.Unauthenticated, "invalid session")
	}
	return nil
}

func (s *Server) notLeader() error {
	hint := ""
	if id := s.node.LeaderID(); id != "" {
		hint = s.cluster.Addr(id)
	}
	return status.Errorf(codes.FailedPrecondition, "Not the leader. Try %s", hint)
}

// propose replicates a command and waits for its applied reply.
// Committed rejections come back inside the reply; only consensus-level
// failures surface as errors.
func (s *Server) propose(ctx context.Context, cmd chat.Command) (chat.Reply, error) {
	data, err := chat.EncodeCommand(cmd)
	if err != nil {
		return chat.Reply{}, status.Error(codes.Internal, err.Error())
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultProposeTimeout)
		defer cancel()
	}

	result, err := s.node.SubmitWithResult(ctx, data)
	if err != nil {
		switch {
		case errors.Is(err, raft.ErrNotLeader):
			return chat.Reply{}, s.notLeader()
		case errors.Is(err, context.DeadlineExceeded):
			return chat.Reply{}, status.Error(codes.DeadlineExceeded, "commit timed out")
		default:
			return chat.Reply{}, status.Error(codes.Unavailable, err.Error())
		}
	}

	reply, ok := result.Value.(chat.Reply)
	if !ok {
		return chat.Reply{}, status.Error(codes.Internal, "unexpected apply result")
	}
	return reply, nil
}

// rejection converts a committed state-machine rejection to the error
// the client sees.
func rejection(st chat.Status) error {
	return status.Error(codes.Internal, st.String())
}

func (s *Server) CreateAccount(ctx context.Context, req *CreateAccountRequest) (*CreateAccountResponse, error) {
	if req.Username == "" {
		return nil, status.Error(codes.InvalidArgument, "empty username")
	}
	if !s.node.IsLeader() {
		return nil, s.notLeader()
	}

	token, err := NewToken()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	for attempt := 0; attempt < allocRetries; attempt++ {
		userID := s.allocUserID()
		reply, err := s.propose(ctx, chat.Command{
			Type:         chat.CmdCreateAccount,
			Username:     req.Username,
			PasswordHash: req.PasswordHash,
			Token:        token,
			UserID:       userID,
		})
		if err != nil {
			return nil, err
		}
		switch reply.Status {
		case chat.StatusOK:
			// Only the proposing node learns the token's binding.
			s.sessions.Install(userID, token)
			return &CreateAccountResponse{UserID: userID, SessionToken: token}, nil
		case chat.StatusDuplicateID:
			continue
		default:
			return nil, rejection(reply.Status)
		}
	}
	return nil, status.Error(codes.Unavailable, "could not allocate a user id")
}

func (s *Server) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	u, ok := s.machine.UserByUsername(req.Username)
	if !ok {
		return &LoginResponse{Status: LoginFailure}, nil
	}
	if len(req.PasswordHash) != len(u.PasswordHash) ||
		subtle.ConstantTimeCompare(req.PasswordHash, u.PasswordHash) != 1 {
		return &LoginResponse{Status: LoginFailure}, nil
	}

	token, err := NewToken()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.sessions.Install(u.ID, token)

	return &LoginResponse{
		Status:       LoginSuccess,
		UserID:       u.ID,
		SessionToken: token,
		UnreadCount:  uint32(len(u.Unread)),
	}, nil
}

func (s *Server) Logout(ctx context.Context, req *LogoutRequest) (*LogoutResponse, error) {
	if err := s.authenticate(req.UserID, req.SessionToken); err != nil {
		return nil, err
	}
	s.sessions.Drop(req.UserID)
	return &LogoutResponse{}, nil
}

func (s *Server) SearchUsername(ctx context.Context, req *SearchUsernameRequest) (*SearchUsernameResponse, error) {
	_, taken := s.machine.UserByUsername(req.Username)
	return &SearchUsernameResponse{Available: !taken}, nil
}

func (s *Server) ListAccounts(ctx context.Context, req *ListAccountsRequest) (*ListAccountsResponse, error) {
	if err := s.authenticate(req.UserID, req.SessionToken); err != nil {
		return nil, err
	}
	names := s.machine.ListAccounts(req.Wildcard)
	return &ListAccountsResponse{Count: uint32(len(names)), Usernames: names}, nil
}

func (s *Server) DisplayConversation(ctx context.Context, req *DisplayConversationRequest) (*DisplayConversationResponse, error) {
	if err := s.authenticate(req.UserID, req.SessionToken); err != nil {
		return nil, err
	}

	msgs := s.machine.Conversation(req.UserID, req.ConversantID)
	out := make([]ConversationMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, ConversationMessage{
			MessageID:  msg.ID,
			SenderFlag: msg.SenderID == req.UserID,
			Content:    msg.Content,
		})
	}
	return &DisplayConversationResponse{Count: uint32(len(out)), Messages: out}, nil
}

func (s *Server) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	if err := s.authenticate(req.SenderID, req.SessionToken); err != nil {
		return nil, err
	}
	if !s.node.IsLeader() {
		return nil, s.notLeader()
	}

	for attempt := 0; attempt < allocRetries; attempt++ {
		reply, err := s.propose(ctx, chat.Command{
			Type:        chat.CmdSendMessage,
			SenderID:    req.SenderID,
			RecipientID: req.RecipientID,
			Content:     req.Content,
			MessageID:   s.allocMessageID(),
			Timestamp:   time.Now().UnixNano(),
		})
		if err != nil {
			return nil, err
		}
		switch reply.Status {
		case chat.StatusOK:
			return &SendMessageResponse{}, nil
		case chat.StatusDuplicateID:
			continue
		default:
			return nil, rejection(reply.Status)
		}
	}
	return nil, status.Error(codes.Unavailable, "could not allocate a message id")
}

func (s *Server) ReadMessages(ctx context.Context, req *ReadMessagesRequest) (*ReadMessagesResponse, error) {
	if err := s.authenticate(req.UserID, req.SessionToken); err != nil {
		return nil, err
	}

	reply, err := s.propose(ctx, chat.Command{
		Type:   chat.CmdReadN,
		UserID: req.UserID,
		N:      req.N,
	})
	if err != nil {
		return nil, err
	}
	if reply.Status != chat.StatusOK {
		return nil, rejection(reply.Status)
	}
	return &ReadMessagesResponse{}, nil
}

func (s *Server) DeleteMessage(ctx context.Context, req *DeleteMessageRequest) (*DeleteMessageResponse, error) {
	if err := s.authenticate(req.UserID, req.SessionToken); err != nil {
		return nil, err
	}

	reply, err := s.propose(ctx, chat.Command{
		Type:      chat.CmdDeleteMessage,
		MessageID: req.MessageUID,
	})
	if err != nil {
		return nil, err
	}
	if reply.Status != chat.StatusOK {
		return nil, rejection(reply.Status)
	}
	return &DeleteMessageResponse{}, nil
}

func (s *Server) DeleteAccount(ctx context.Context, req *DeleteAccountRequest) (*DeleteAccountResponse, error) {
	if err := s.authenticate(req.UserID, req.SessionToken); err != nil {
		return nil, err
	}

	reply, err := s.propose(ctx, chat.Command{
		Type:   chat.CmdDeleteAccount,
		UserID: req.UserID,
	})
	if err != nil {
		return nil, err
	}
	if reply.Status != chat.StatusOK {
		return nil, rejection(reply.Status)
	}
	s.sessions.Drop(req.UserID)
	return &DeleteAccountResponse{}, nil
}

func (s *Server) GetUnreadMessages(ctx context.Context, req *GetUnreadMessagesRequest) (*GetUnreadMessagesResponse, error) {
	if err := s.authenticate(req.UserID, req.SessionToken); err != nil {
		return nil, err
	}

	msgs, ok := s.machine.UnreadMessages(req.UserID)
	if !ok {
		return nil, rejection(chat.StatusUnknownUser)
	}
	out := make([]UnreadMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, UnreadMessage{
			MessageUID: msg.ID,
			SenderID:   msg.SenderID,
			ReceiverID: msg.ReceiverID,
		})
	}
	return &GetUnreadMessagesResponse{Count: uint32(len(out)), Messages: out}, nil
}

func (s *Server) GetMessageInformation(ctx context.Context, req *GetMessageInformationRequest) (*GetMessageInformationResponse, error) {
	if err := s.authenticate(req.UserID, req.SessionToken); err != nil {
		return nil, err
	}

	msg, ok := s.machine.MessageInfo(req.MessageUID)
	if !ok {
		return nil, rejection(chat.StatusNotFound)
	}
	return &GetMessageInformationResponse{
		ReadFlag:      msg.Read,
		SenderID:      msg.SenderID,
		ContentLength: uint32(len(msg.Content)),
		Content:       msg.Content,
	}, nil
}

func (s *Server) GetUsernameByID(ctx context.Context, req *GetUsernameByIDRequest) (*GetUsernameByIDResponse, error) {
	name, ok := s.machine.UsernameByID(req.UserID)
	if !ok {
		return nil, rejection(chat.StatusUnknownUser)
	}
	return &GetUsernameByIDResponse{Username: name}, nil
}

func (s *Server) MarkMessageAsRead(ctx context.Context, req *MarkMessageAsReadRequest) (*MarkMessageAsReadResponse, error) {
	if err := s.authenticate(req.UserID, req.SessionToken); err != nil {
		return nil, err
	}

	reply, err := s.propose(ctx, chat.Command{
		Type:      chat.CmdMarkRead,
		UserID:    req.UserID,
		MessageID: req.MessageUID,
	})
	if err != nil {
		return nil, err
	}
	if reply.Status != chat.StatusOK {
		return nil, rejection(reply.Status)
	}
	return &MarkMessageAsReadResponse{}, nil
}

func (s *Server) GetUserByUsername(ctx context.Context, req *GetUserByUsernameRequest) (*GetUserByUsernameResponse, error) {
	u, ok := s.machine.UserByUsername(req.Username)
	if !ok {
		return &GetUserByUsernameResponse{Status: LookupNotFound}, nil
	}
	return &GetUserByUsernameResponse{Status: LookupFound, UserID: u.ID}, nil
}
