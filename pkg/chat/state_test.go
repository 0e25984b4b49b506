package chat

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/courier-chat/courier/pkg/store"
)

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := NewMachine(nil)
	require.NoError(t, err)
	return m
}

func apply(t *testing.T, m *Machine, index uint64, cmd Command) Reply {
	t.Helper()
	data, err := EncodeCommand(cmd)
	require.NoError(t, err)
	value, err := m.Apply(index, data)
	require.NoError(t, err)
	reply, ok := value.(Reply)
	require.True(t, ok, "apply returned %T", value)
	return reply
}

func createUser(t *testing.T, m *Machine, index uint64, id uint32, name string) {
	t.Helper()
	reply := apply(t, m, index, Command{
		Type:         CmdCreateAccount,
		Username:     name,
		PasswordHash: []byte("0123456789abcdef0123456789abcdef"),
		Token:        []byte("tok"),
		UserID:       id,
	})
	require.Equal(t, StatusOK, reply.Status)
}

func TestCreateAccount(t *testing.T) {
	m := newTestMachine(t)

	createUser(t, m, 1, 1, "alice")

	reply := apply(t, m, 2, Command{Type: CmdCreateAccount, Username: "alice", UserID: 2})
	require.Equal(t, StatusUsernameTaken, reply.Status)

	reply = apply(t, m, 3, Command{Type: CmdCreateAccount, Username: "alice2", UserID: 1})
	require.Equal(t, StatusDuplicateID, reply.Status)

	u, ok := m.UserByUsername("alice")
	require.True(t, ok)
	require.Equal(t, uint32(1), u.ID)
	require.Equal(t, uint32(1), m.MaxUserID())
	require.Equal(t, uint64(3), m.AppliedIndex())
}

func TestApplyIsIdempotentPerIndex(t *testing.T) {
	m := newTestMachine(t)
	createUser(t, m, 1, 1, "alice")

	// Replaying an already applied index must not change state.
	value, err := m.Apply(1, mustEncode(t, Command{Type: CmdCreateAccount, Username: "bob", UserID: 2}))
	require.NoError(t, err)
	require.Nil(t, value)

	_, ok := m.UserByUsername("bob")
	require.False(t, ok)
}

func mustEncode(t *testing.T, cmd Command) []byte {
	t.Helper()
	data, err := EncodeCommand(cmd)
	require.NoError(t, err)
	return data
}

func TestSendMessageFlow(t *testing.T) {
	m := newTestMachine(t)
	createUser(t, m, 1, 1, "alice")
	createUser(t, m, 2, 2, "bob")

	reply := apply(t, m, 3, Command{
		Type: CmdSendMessage, SenderID: 1, RecipientID: 2,
		Content: "hi bob", MessageID: 1, Timestamp: 100,
	})
	require.Equal(t, StatusOK, reply.Status)
	require.Equal(t, uint32(1), reply.MessageID)

	unread, ok := m.UnreadMessages(2)
	require.True(t, ok)
	require.Len(t, unread, 1)
	require.Equal(t, "hi bob", unread[0].Content)
	require.False(t, unread[0].Read)

	conv := m.Conversation(1, 2)
	require.Len(t, conv, 1)
	require.Equal(t, m.Conversation(2, 1), conv)

	recents, ok := m.RecentConversants(2)
	require.True(t, ok)
	require.Equal(t, []uint32{1}, recents)

	// Unknown endpoints are committed rejections.
	reply = apply(t, m, 4, Command{Type: CmdSendMessage, SenderID: 9, RecipientID: 2, MessageID: 2})
	require.Equal(t, StatusUnknownUser, reply.Status)
	reply = apply(t, m, 5, Command{Type: CmdSendMessage, SenderID: 1, RecipientID: 9, MessageID: 2})
	require.Equal(t, StatusUnknownUser, reply.Status)

	reply = apply(t, m, 6, Command{Type: CmdSendMessage, SenderID: 1, RecipientID: 2, MessageID: 1})
	require.Equal(t, StatusDuplicateID, reply.Status)
}

func TestMessageIDsMonotonicInCommitOrder(t *testing.T) {
	m := newTestMachine(t)
	createUser(t, m, 1, 1, "alice")
	createUser(t, m, 2, 2, "bob")

	// Two racing proposers allocated ids 1 and 2 but the entry carrying
	// 2 committed first. It must be rejected, not applied out of order.
	reply := apply(t, m, 3, Command{Type: CmdSendMessage, SenderID: 1, RecipientID: 2, MessageID: 2})
	require.Equal(t, StatusDuplicateID, reply.Status)

	reply = apply(t, m, 4, Command{Type: CmdSendMessage, SenderID: 1, RecipientID: 2, MessageID: 1})
	require.Equal(t, StatusOK, reply.Status)

	// The loser retries with a freshly allocated id.
	reply = apply(t, m, 5, Command{Type: CmdSendMessage, SenderID: 2, RecipientID: 1, MessageID: 2})
	require.Equal(t, StatusOK, reply.Status)

	conv := m.Conversation(1, 2)
	require.Len(t, conv, 2)
	for i := 1; i < len(conv); i++ {
		require.Greater(t, conv[i].ID, conv[i-1].ID, "conversation ascending by message id")
	}

	// Gapped ids are rejected too, and user ids follow the same rule.
	reply = apply(t, m, 6, Command{Type: CmdSendMessage, SenderID: 1, RecipientID: 2, MessageID: 9})
	require.Equal(t, StatusDuplicateID, reply.Status)
	reply = apply(t, m, 7, Command{Type: CmdCreateAccount, Username: "carol", UserID: 9})
	require.Equal(t, StatusDuplicateID, reply.Status)
	require.Equal(t, uint32(2), m.MaxUserID())
	require.Equal(t, uint32(2), m.MaxMessageID())
}

func TestRecentConversantsMoveToFront(t *testing.T) {
	m := newTestMachine(t)
	createUser(t, m, 1, 1, "alice")
	createUser(t, m, 2, 2, "bob")
	createUser(t, m, 3, 3, "carol")

	apply(t, m, 4, Command{Type: CmdSendMessage, SenderID: 2, RecipientID: 1, MessageID: 1})
	apply(t, m, 5, Command{Type: CmdSendMessage, SenderID: 3, RecipientID: 1, MessageID: 2})
	apply(t, m, 6, Command{Type: CmdSendMessage, SenderID: 2, RecipientID: 1, MessageID: 3})

	recents, ok := m.RecentConversants(1)
	require.True(t, ok)
	require.Equal(t, []uint32{2, 3}, recents, "most recent first, deduplicated")
}

func TestMarkRead(t *testing.T) {
	m := newTestMachine(t)
	createUser(t, m, 1, 1, "alice")
	createUser(t, m, 2, 2, "bob")
	apply(t, m, 3, Command{Type: CmdSendMessage, SenderID: 1, RecipientID: 2, MessageID: 1})

	reply := apply(t, m, 4, Command{Type: CmdMarkRead, UserID: 1, MessageID: 1})
	require.Equal(t, StatusNotRecipient, reply.Status, "only the recipient may mark read")

	reply = apply(t, m, 5, Command{Type: CmdMarkRead, UserID: 2, MessageID: 9})
	require.Equal(t, StatusNotFound, reply.Status)

	reply = apply(t, m, 6, Command{Type: CmdMarkRead, UserID: 2, MessageID: 1})
	require.Equal(t, StatusOK, reply.Status)

	msg, ok := m.MessageInfo(1)
	require.True(t, ok)
	require.True(t, msg.Read)

	count, ok := m.UnreadCount(2)
	require.True(t, ok)
	require.Zero(t, count)

	// Marking again is a committed no-op.
	reply = apply(t, m, 7, Command{Type: CmdMarkRead, UserID: 2, MessageID: 1})
	require.Equal(t, StatusOK, reply.Status)
}

func TestReadN(t *testing.T) {
	m := newTestMachine(t)
	createUser(t, m, 1, 1, "alice")
	createUser(t, m, 2, 2, "bob")
	for i := uint32(1); i <= 3; i++ {
		apply(t, m, uint64(2+i), Command{Type: CmdSendMessage, SenderID: 1, RecipientID: 2, MessageID: i})
	}

	reply := apply(t, m, 6, Command{Type: CmdReadN, UserID: 2, N: 2})
	require.Equal(t, StatusOK, reply.Status)
	require.Equal(t, uint32(2), reply.Count)

	unread, _ := m.UnreadMessages(2)
	require.Len(t, unread, 1)
	require.Equal(t, uint32(3), unread[0].ID, "oldest ids read first")

	for _, id := range []uint32{1, 2} {
		msg, ok := m.MessageInfo(id)
		require.True(t, ok)
		require.True(t, msg.Read)
	}

	// N beyond the unread count reads what is there.
	reply = apply(t, m, 7, Command{Type: CmdReadN, UserID: 2, N: 10})
	require.Equal(t, uint32(1), reply.Count)

	reply = apply(t, m, 8, Command{Type: CmdReadN, UserID: 9, N: 1})
	require.Equal(t, StatusUnknownUser, reply.Status)
}

func TestDeleteMessage(t *testing.T) {
	m := newTestMachine(t)
	createUser(t, m, 1, 1, "alice")
	createUser(t, m, 2, 2, "bob")
	apply(t, m, 3, Command{Type: CmdSendMessage, SenderID: 1, RecipientID: 2, MessageID: 1})
	apply(t, m, 4, Command{Type: CmdSendMessage, SenderID: 1, RecipientID: 2, MessageID: 2})

	reply := apply(t, m, 5, Command{Type: CmdDeleteMessage, MessageID: 1})
	require.Equal(t, StatusOK, reply.Status)

	_, ok := m.MessageInfo(1)
	require.False(t, ok)

	conv := m.Conversation(1, 2)
	require.Len(t, conv, 1)
	require.Equal(t, uint32(2), conv[0].ID)

	unread, _ := m.UnreadMessages(2)
	require.Len(t, unread, 1)
	require.Equal(t, uint32(2), unread[0].ID)

	reply = apply(t, m, 6, Command{Type: CmdDeleteMessage, MessageID: 1})
	require.Equal(t, StatusNotFound, reply.Status)
}

func TestDeleteAccountCascade(t *testing.T) {
	m := newTestMachine(t)
	createUser(t, m, 1, 1, "alice")
	createUser(t, m, 2, 2, "bob")
	createUser(t, m, 3, 3, "carol")

	apply(t, m, 4, Command{Type: CmdSendMessage, SenderID: 1, RecipientID: 2, MessageID: 1})
	apply(t, m, 5, Command{Type: CmdSendMessage, SenderID: 2, RecipientID: 1, MessageID: 2})
	apply(t, m, 6, Command{Type: CmdSendMessage, SenderID: 3, RecipientID: 2, MessageID: 3})

	reply := apply(t, m, 7, Command{Type: CmdDeleteAccount, UserID: 1})
	require.Equal(t, StatusOK, reply.Status)

	_, ok := m.UsernameByID(1)
	require.False(t, ok)
	_, ok = m.UserByUsername("alice")
	require.False(t, ok)

	// Both directions of the alice<->bob conversation are gone.
	_, ok = m.MessageInfo(1)
	require.False(t, ok)
	_, ok = m.MessageInfo(2)
	require.False(t, ok)
	require.Empty(t, m.Conversation(1, 2))

	// Bob no longer has alice's message unread nor alice in recents.
	unread, _ := m.UnreadMessages(2)
	require.Len(t, unread, 1)
	require.Equal(t, uint32(3), unread[0].ID)
	recents, _ := m.RecentConversants(2)
	require.Equal(t, []uint32{3}, recents)

	// Unrelated traffic survives.
	require.Len(t, m.Conversation(2, 3), 1)

	reply = apply(t, m, 8, Command{Type: CmdDeleteAccount, UserID: 1})
	require.Equal(t, StatusUnknownUser, reply.Status)
}

func TestListAccounts(t *testing.T) {
	m := newTestMachine(t)
	names := []string{"alice", "allen", "bob", "bobby", "carol"}
	for i, name := range names {
		createUser(t, m, uint64(i+1), uint32(i+1), name)
	}

	require.Equal(t, names, m.ListAccounts("*"))
	require.Equal(t, []string{"alice", "allen"}, m.ListAccounts("a?l*"))
	require.Equal(t, []string{"bob"}, m.ListAccounts("b?b"))
	require.Empty(t, m.ListAccounts("zzz"))
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	st, err := store.Open(dir)
	require.NoError(t, err)

	m, err := NewMachine(st)
	require.NoError(t, err)

	createUser(t, m, 1, 1, "alice")
	createUser(t, m, 2, 2, "bob")
	apply(t, m, 3, Command{Type: CmdSendMessage, SenderID: 1, RecipientID: 2, MessageID: 1, Content: "hi", Timestamp: 5})
	apply(t, m, 4, Command{Type: CmdMarkRead, UserID: 2, MessageID: 1})
	apply(t, m, 5, Command{Type: CmdDeleteMessage, MessageID: 1})
	before := m.Fingerprint()
	require.NoError(t, st.Close())

	st, err = store.Open(dir)
	require.NoError(t, err)
	defer st.Close()

	restored, err := NewMachine(st)
	require.NoError(t, err)
	require.Equal(t, before, restored.Fingerprint())
	require.Equal(t, uint64(5), restored.AppliedIndex())

	// The message id mark survives even though the message is gone.
	require.Equal(t, uint32(1), restored.MaxMessageID())
	require.Equal(t, uint32(2), restored.MaxUserID())
}

// TestDeterministicReplay applies a random command sequence to two
// machines and requires identical state, then replays it on a third.
func TestDeterministicReplay(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		genCmd := rapid.Custom(func(t *rapid.T) Command {
			switch rapid.IntRange(0, 5).Draw(t, "kind") {
			case 0:
				id := rapid.Uint32Range(1, 5).Draw(t, "uid")
				return Command{
					Type:     CmdCreateAccount,
					Username: fmt.Sprintf("user-%d", id),
					UserID:   id,
					Token:    []byte{byte(id)},
				}
			case 1:
				return Command{Type: CmdDeleteAccount, UserID: rapid.Uint32Range(1, 5).Draw(t, "uid")}
			case 2:
				return Command{
					Type:        CmdSendMessage,
					SenderID:    rapid.Uint32Range(1, 5).Draw(t, "sender"),
					RecipientID: rapid.Uint32Range(1, 5).Draw(t, "recipient"),
					MessageID:   rapid.Uint32Range(1, 20).Draw(t, "mid"),
					Content:     rapid.StringN(0, 8, -1).Draw(t, "content"),
					Timestamp:   int64(rapid.Uint32().Draw(t, "ts")),
				}
			case 3:
				return Command{
					Type:      CmdMarkRead,
					UserID:    rapid.Uint32Range(1, 5).Draw(t, "uid"),
					MessageID: rapid.Uint32Range(1, 20).Draw(t, "mid"),
				}
			case 4:
				return Command{
					Type:   CmdReadN,
					UserID: rapid.Uint32Range(1, 5).Draw(t, "uid"),
					N:      rapid.Uint32Range(0, 5).Draw(t, "n"),
				}
			default:
				return Command{Type: CmdDeleteMessage, MessageID: rapid.Uint32Range(1, 20).Draw(t, "mid")}
			}
		})

		cmds := rapid.SliceOfN(genCmd, 1, 40).Draw(t, "cmds")

		a, _ := NewMachine(nil)
		b, _ := NewMachine(nil)
		for i, cmd := range cmds {
			data, err := EncodeCommand(cmd)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			ra, err := a.Apply(uint64(i+1), data)
			if err != nil {
				t.Fatalf("apply a: %v", err)
			}
			rb, err := b.Apply(uint64(i+1), data)
			if err != nil {
				t.Fatalf("apply b: %v", err)
			}
			if fmt.Sprintf("%+v", ra) != fmt.Sprintf("%+v", rb) {
				t.Fatalf("replies diverged at %d: %+v vs %+v", i, ra, rb)
			}
		}

		if a.Fingerprint() != b.Fingerprint() {
			t.Fatalf("state diverged:\n%s\nvs\n%s", a.Fingerprint(), b.Fingerprint())
		}
	})
}
