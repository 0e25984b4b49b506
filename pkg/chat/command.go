package chat

import (
	"encoding/json"
	"fmt"
)

// CommandType tags a replicated command. The set is closed: decoding an
// unknown tag is an error, never a silent no-op.
type CommandType string

const (
	CmdCreateAccount CommandType = "create_account"
	CmdDeleteAccount CommandType = "delete_account"
	CmdSendMessage   CommandType = "send_message"
	CmdMarkRead      CommandType = "mark_read"
	CmdReadN         CommandType = "read_n"
	CmdDeleteMessage CommandType = "delete_message"
)

// Command is a single replicated state-machine command. The leader fills
// in every nondeterministic input (assigned ids, session token, wall-clock
// timestamp) before the entry is appended, so all replicas decode and
// apply identical bytes.
type Command struct {
	Type CommandType `json:"type"`

	// create_account
	Username     string `json:"username,omitempty"`
	PasswordHash []byte `json:"password_hash,omitempty"`
	Token        []byte `json:"token,omitempty"`

	// create_account, delete_account, mark_read, read_n
	UserID uint32 `json:"user_id,omitempty"`

	// send_message
	SenderID    uint32 `json:"sender_id,omitempty"`
	RecipientID uint32 `json:"recipient_id,omitempty"`
	Content     string `json:"content,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`

	// send_message, mark_read, delete_message
	MessageID uint32 `json:"message_id,omitempty"`

	// read_n
	N uint32 `json:"n,omitempty"`
}

// EncodeCommand serializes a command for log storage.
func EncodeCommand(cmd Command) ([]byte, error) {
	if !cmd.Type.valid() {
		return nil, fmt.Errorf("cannot encode command with unknown type %q", cmd.Type)
	}
	return json.Marshal(cmd)
}

// DecodeCommand deserializes a command from log bytes. Unknown command
// tags are rejected so a replica never applies a command it does not
// understand.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}
	if !cmd.Type.valid() {
		return Command{}, fmt.Errorf("unknown command type %q", cmd.Type)
	}
	return cmd, nil
}

func (t CommandType) valid() bool {
	switch t {
	case CmdCreateAccount, CmdDeleteAccount, CmdSendMessage, CmdMarkRead, CmdReadN, CmdDeleteMessage:
		return true
	}
	return false
}

// Status is the deterministic outcome of an applied command. Rejections
// are committed outcomes replicated through the log, not consensus
// failures.
type Status int

const (
	StatusOK Status = iota
	StatusUsernameTaken
	StatusUnknownUser
	StatusNotFound
	StatusNotRecipient
	StatusDuplicateID
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUsernameTaken:
		return "username taken"
	case StatusUnknownUser:
		return "unknown user"
	case StatusNotFound:
		return "message not found"
	case StatusNotRecipient:
		return "not the recipient"
	case StatusDuplicateID:
		return "duplicate assigned id"
	default:
		return "unknown"
	}
}

// Reply is the applied result delivered back to the proposing node.
type Reply struct {
	Status    Status
	UserID    uint32
	MessageID uint32
	Token     []byte
	Count     uint32
}
