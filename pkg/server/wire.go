package server

import (
	"context"

	"google.golang.org/grpc"
)

// Wire types for the client-facing messaging service. Like the peer
// protocol, requests and responses travel as JSON through the
// registered codec instead of generated protobuf stubs.

const (
	LoginSuccess = "SUCCESS"
	LoginFailure = "FAILURE"

	LookupFound    = "FOUND"
	LookupNotFound = "NOT_FOUND"
)

type CreateAccountRequest struct {
	Username     string `json:"username"`
	PasswordHash []byte `json:"password_hash"`
}

type CreateAccountResponse struct {
	UserID       uint32 `json:"user_id"`
	SessionToken []byte `json:"session_token"`
}

type LoginRequest struct {
	Username     string `json:"username"`
	PasswordHash []byte `json:"password_hash"`
}

type LoginResponse struct {
	Status       string `json:"status"`
	UserID       uint32 `json:"user_id,omitempty"`
	SessionToken []byte `json:"session_token,omitempty"`
	UnreadCount  uint32 `json:"unread_count"`
}

type LogoutRequest struct {
	UserID       uint32 `json:"user_id"`
	SessionToken []byte `json:"session_token"`
}

type LogoutResponse struct{}

type SearchUsernameRequest struct {
	Username string `json:"username"`
}

type SearchUsernameResponse struct {
	Available bool `json:"available"`
}

type ListAccountsRequest struct {
	UserID       uint32 `json:"user_id"`
	SessionToken []byte `json:"session_token"`
	Wildcard     string `json:"wildcard"`
}

type ListAccountsResponse struct {
	Count     uint32   `json:"count"`
	Usernames []string `json:"usernames,omitempty"`
}

type ConversationMessage struct {
	MessageID  uint32 `json:"message_id"`
	SenderFlag bool   `json:"sender_flag"`
	Content    string `json:"content"`
}

type DisplayConversationRequest struct {
	UserID       uint32 `json:"user_id"`
	SessionToken []byte `json:"session_token"`
	ConversantID uint32 `json:"conversant_id"`
}

type DisplayConversationResponse struct {
	Count    uint32                `json:"count"`
	Messages []ConversationMessage `json:"messages,omitempty"`
}

type SendMessageRequest struct {
	SenderID     uint32 `json:"sender_id"`
	SessionToken []byte `json:"session_token"`
	RecipientID  uint32 `json:"recipient_id"`
	Content      string `json:"content"`
}

type SendMessageResponse struct{}

type ReadMessagesRequest struct {
	UserID       uint32 `json:"user_id"`
	SessionToken []byte `json:"session_token"`
	N            uint32 `json:"n"`
}

type ReadMessagesResponse struct{}

type DeleteMessageRequest struct {
	UserID       uint32 `json:"user_id"`
	MessageUID   uint32 `json:"message_uid"`
	SessionToken []byte `json:"session_token"`
}

type DeleteMessageResponse struct{}

type DeleteAccountRequest struct {
	UserID       uint32 `json:"user_id"`
	SessionToken []byte `json:"session_token"`
}

type DeleteAccountResponse struct{}

type UnreadMessage struct {
	MessageUID uint32 `json:"message_uid"`
	SenderID   uint32 `json:"sender_id"`
	ReceiverID uint32 `json:"receiver_id"`
}

type GetUnreadMessagesRequest struct {
	UserID       uint32 `json:"user_id"`
	SessionToken []byte `json:"session_token"`
}

type GetUnreadMessagesResponse struct {
	Count    uint32          `json:"count"`
	Messages []UnreadMessage `json:"messages,omitempty"`
}

type GetMessageInformationRequest struct {
	UserID       uint32 `json:"user_id"`
	SessionToken []byte `json:"session_token"`
	MessageUID   uint32 `json:"message_uid"`
}

type GetMessageInformationResponse struct {
	ReadFlag      bool   `json:"read_flag"`
	SenderID      uint32 `json:"sender_id"`
	ContentLength uint32 `json:"content_length"`
	Content       string `json:"content"`
}

type GetUsernameByIDRequest struct {
	UserID uint32 `json:"user_id"`
}

type GetUsernameByIDResponse struct {
	Username string `json:"username"`
}

type MarkMessageAsReadRequest struct {
	UserID       uint32 `json:"user_id"`
	SessionToken []byte `json:"session_token"`
	MessageUID   uint32 `json:"message_uid"`
}

type MarkMessageAsReadResponse struct{}

type GetUserByUsernameRequest struct {
	Username string `json:"username"`
}

type GetUserByUsernameResponse struct {
	Status string `json:"status"`
	UserID uint32 `json:"user_id,omitempty"`
}

const messagingServiceName = "courier.Messaging"

func messagingMethodPath(name string) string {
	return "/" + messagingServiceName + "/" + name
}

// method builds a MethodDesc that decodes into Req and dispatches to
// the server, keeping the per-method boilerplate in one place.
func method[Req any](name string, call func(s *Server, ctx context.Context, req *Req) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: messagingMethodPath(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func messagingServiceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: messagingServiceName,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			method("CreateAccount", func(s *Server, ctx context.Context, req *CreateAccountRequest) (interface{}, error) {
				return s.CreateAccount(ctx, req)
			}),
			method("Login", func(s *Server, ctx context.Context, req *LoginRequest) (interface{}, error) {
				return s.Login(ctx, req)
			}),
			method("Logout", func(s *Server, ctx context.Context, req *LogoutRequest) (interface{}, error) {
				return s.Logout(ctx, req)
			}),
			method("SearchUsername", func(s *Server, ctx context.Context, req *SearchUsernameRequest) (interface{}, error) {
				return s.SearchUsername(ctx, req)
			}),
			method("ListAccounts", func(s *Server, ctx context.Context, req *ListAccountsRequest) (interface{}, error) {
				return s.ListAccounts(ctx, req)
			}),
			method("DisplayConversation", func(s *Server, ctx context.Context, req *DisplayConversationRequest) (interface{}, error) {
				return s.DisplayConversation(ctx, req)
			}),
			method("SendMessage", func(s *Server, ctx context.Context, req *SendMessageRequest) (interface{}, error) {
				return s.SendMessage(ctx, req)
			}),
			method("ReadMessages", func(s *Server, ctx context.Context, req *ReadMessagesRequest) (interface{}, error) {
				return s.ReadMessages(ctx, req)
			}),
			method("DeleteMessage", func(s *Server, ctx context.Context, req *DeleteMessageRequest) (interface{}, error) {
				return s.DeleteMessage(ctx, req)
			}),
			method("DeleteAccount", func(s *Server, ctx context.Context, req *DeleteAccountRequest) (interface{}, error) {
				return s.DeleteAccount(ctx, req)
			}),
			method("GetUnreadMessages", func(s *Server, ctx context.Context, req *GetUnreadMessagesRequest) (interface{}, error) {
				return s.GetUnreadMessages(ctx, req)
			}),
			method("GetMessageInformation", func(s *Server, ctx context.Context, req *GetMessageInformationRequest) (interface{}, error) {
				return s.GetMessageInformation(ctx, req)
			}),
			method("GetUsernameByID", func(s *Server, ctx context.Context, req *GetUsernameByIDRequest) (interface{}, error) {
				return s.GetUsernameByID(ctx, req)
			}),
			method("MarkMessageAsRead", func(s *Server, ctx context.Context, req *MarkMessageAsReadRequest) (interface{}, error) {
				return s.MarkMessageAsRead(ctx, req)
			}),
			method("GetUserByUsername", func(s *Server, ctx context.Context, req *GetUserByUsernameRequest) (interface{}, error) {
				return s.GetUserByUsername(ctx, req)
			}),
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "courier/messaging",
	}
}
