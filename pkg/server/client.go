package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/courier-chat/courier/pkg/transport"
)

// Client is a typed wrapper over a messaging-service connection.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a node's messaging service.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(transport.CodecName)),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection, e.g. one backed by bufconn
// in tests. The connection must carry the JSON call option.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Req, Resp any](ctx context.Context, c *Client, name string, req *Req) (*Resp, error) {
	resp := new(Resp)
	if err := c.conn.Invoke(ctx, messagingMethodPath(name), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) CreateAccount(ctx context.Context, req *CreateAccountRequest) (*CreateAccountResponse, error) {
	return invoke[CreateAccountRequest, CreateAccountResponse](ctx, c, "CreateAccount", req)
}

func (c *Client) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	return invoke[LoginRequest, LoginResponse](ctx, c, "Login", req)
}

func (c *Client) Logout(ctx context.Context, req *LogoutRequest) (*LogoutResponse, error) {
	return invoke[LogoutRequest, LogoutResponse](ctx, c, "Logout", req)
}

func (c *Client) SearchUsername(ctx context.Context, req *SearchUsernameRequest) (*SearchUsernameResponse, error) {
	return invoke[SearchUsernameRequest, SearchUsernameResponse](ctx, c, "SearchUsername", req)
}

func (c *Client) ListAccounts(ctx context.Context, req *ListAccountsRequest) (*ListAccountsResponse, error) {
	return invoke[ListAccountsRequest, ListAccountsResponse](ctx, c, "ListAccounts", req)
}

func (c *Client) DisplayConversation(ctx context.Context, req *DisplayConversationRequest) (*DisplayConversationResponse, error) {
	return invoke[DisplayConversationRequest, DisplayConversationResponse](ctx, c, "DisplayConversation", req)
}

func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	return invoke[SendMessageRequest, SendMessageResponse](ctx, c, "SendMessage", req)
}

func (c *Client) ReadMessages(ctx context.Context, req *ReadMessagesRequest) (*ReadMessagesResponse, error) {
	return invoke[ReadMessagesRequest, ReadMessagesResponse](ctx, c, "ReadMessages", req)
}

func (c *Client) DeleteMessage(ctx context.Context, req *DeleteMessageRequest) (*DeleteMessageResponse, error) {
	return invoke[DeleteMessageRequest, DeleteMessageResponse](ctx, c, "DeleteMessage", req)
}

func (c *Client) DeleteAccount(ctx context.Context, req *DeleteAccountRequest) (*DeleteAccountResponse, error) {
	return invoke[DeleteAccountRequest, DeleteAccountResponse](ctx, c, "DeleteAccount", req)
}

func (c *Client) GetUnreadMessages(ctx context.Context, req *GetUnreadMessagesRequest) (*GetUnreadMessagesResponse, error) {
	return invoke[GetUnreadMessagesRequest, GetUnreadMessagesResponse](ctx, c, "GetUnreadMessages", req)
}

func (c *Client) GetMessageInformation(ctx context.Context, req *GetMessageInformationRequest) (*GetMessageInformationResponse, error) {
	return invoke[GetMessageInformationRequest, GetMessageInformationResponse](ctx, c, "GetMessageInformation", req)
}

func (c *Client) GetUsernameByID(ctx context.Context, req *GetUsernameByIDRequest) (*GetUsernameByIDResponse, error) {
	return invoke[GetUsernameByIDRequest, GetUsernameByIDResponse](ctx, c, "GetUsernameByID", req)
}

func (c *Client) MarkMessageAsRead(ctx context.Context, req *MarkMessageAsReadRequest) (*MarkMessageAsReadResponse, error) {
	return invoke[MarkMessageAsReadRequest, MarkMessageAsReadResponse](ctx, c, "MarkMessageAsRead", req)
}

func (c *Client) GetUserByUsername(ctx context.Context, req *GetUserByUsernameRequest) (*GetUserByUsernameResponse, error) {
	return invoke[GetUserByUsernameRequest, GetUserByUsernameResponse](ctx, c, "GetUserByUsername", req)
}
