// Package chat implements the deterministic user/message state machine
// replicated through the Raft log. Apply is a pure function of the
// current state and the command bytes: every replica that applies the
// same log prefix holds the same state.
package chat

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/courier-chat/courier/pkg/store"
)

// User is an account plus the per-user indices the protocol exposes.
type User struct {
	ID           uint32
	Username     string
	PasswordHash []byte

	// Unread holds unread message ids in ascending order. Message ids
	// are assigned monotonically, so appending preserves the order.
	Unread []uint32

	// Recents holds conversant user ids, most recent first, deduplicated.
	Recents []uint32
}

// Message is a single delivered message.
type Message struct {
	ID         uint32
	SenderID   uint32
	ReceiverID uint32
	Content    string
	Read       bool
	Timestamp  int64
}

// convKey identifies the unordered user pair of a conversation, with
// a < b so both directions map to the same key.
type convKey struct {
	a, b uint32
}

func pairKey(x, y uint32) convKey {
	if x < y {
		return convKey{a: x, b: y}
	}
	return convKey{a: y, b: x}
}

// Machine holds the applied state. All in-memory indices are derived
// from the durable user/message rows and rebuilt on startup.
type Machine struct {
	mu sync.RWMutex
	st *store.Store

	users    map[uint32]*User
	byName   map[string]uint32
	messages map[uint32]*Message
	convs    map[convKey][]uint32

	maxUserID    uint32
	maxMessageID uint32
	applied      uint64
}

// NewMachine builds a machine backed by st, restoring all state the
// store holds. A nil store gives a purely in-memory machine.
func NewMachine(st *store.Store) (*Machine, error) {
	m := &Machine{
		st:       st,
		users:    make(map[uint32]*User),
		byName:   make(map[string]uint32),
		messages: make(map[uint32]*Message),
		convs:    make(map[convKey][]uint32),
	}
	if st == nil {
		return m, nil
	}

	applied, err := st.Applied()
	if err != nil {
		return nil, fmt.Errorf("failed to restore applied index: %w", err)
	}
	m.applied = applied

	userRows, err := st.Users()
	if err != nil {
		return nil, fmt.Errorf("failed to restore users: %w", err)
	}
	for _, row := range userRows {
		u := &User{
			ID:           row.ID,
			Username:     row.Username,
			PasswordHash: append([]byte(nil), row.PasswordHash...),
			Unread:       append([]uint32(nil), row.Unread...),
			Recents:      append([]uint32(nil), row.Recents...),
		}
		m.users[u.ID] = u
		m.byName[u.Username] = u.ID
		if u.ID > m.maxUserID {
			m.maxUserID = u.ID
		}
	}

	msgRows, err := st.Messages()
	if err != nil {
		return nil, fmt.Errorf("failed to restore messages: %w", err)
	}
	for _, row := range msgRows {
		msg := &Message{
			ID:         row.ID,
			SenderID:   row.SenderID,
			ReceiverID: row.ReceiverID,
			Content:    row.Content,
			Read:       row.Read,
			Timestamp:  row.Timestamp,
		}
		m.messages[msg.ID] = msg
		if msg.ID > m.maxMessageID {
			m.maxMessageID = msg.ID
		}
	}
	m.rebuildConversations()

	// High-water marks outlive deleted rows so ids are never reused.
	maxU, maxM, err := st.MaxIDs()
	if err != nil {
		return nil, fmt.Errorf("failed to restore id marks: %w", err)
	}
	if maxU > m.maxUserID {
		m.maxUserID = maxU
	}
	if maxM > m.maxMessageID {
		m.maxMessageID = maxM
	}

	return m, nil
}

// rebuildConversations derives the conversation index from the message
// table. Lists are ordered by ascending message id.
func (m *Machine) rebuildConversations() {
	m.convs = make(map[convKey][]uint32)

	ids := make([]uint32, 0, len(m.messages))
	for id := range m.messages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		msg := m.messages[id]
		key := pairKey(msg.SenderID, msg.ReceiverID)
		m.convs[key] = append(m.convs[key], id)
	}
}

// changeSet collects the row mutations of one applied command so they
// can be written in a single store transaction with the applied marker.
type changeSet struct {
	users      map[uint32]bool
	delUsers   map[uint32]bool
	msgs       map[uint32]bool
	delMsgs    map[uint32]bool
	maxChanged bool
}

func newChangeSet() *changeSet {
	return &changeSet{
		users:    make(map[uint32]bool),
		delUsers: make(map[uint32]bool),
		msgs:     make(map[uint32]bool),
		delMsgs:  make(map[uint32]bool),
	}
}

func (cs *changeSet) touchUser(id uint32)    { cs.users[id] = true }
func (cs *changeSet) dropUser(id uint32)     { delete(cs.users, id); cs.delUsers[id] = true }
func (cs *changeSet) touchMessage(id uint32) { cs.msgs[id] = true }
func (cs *changeSet) dropMessage(id uint32)  { delete(cs.msgs, id); cs.delMsgs[id] = true }

// Apply applies one committed log entry. A nil or empty command (a
// leadership no-op) only advances the applied index. Rejections are
// committed outcomes carried in the Reply; an error return means the
// entry could not be applied durably and the node must halt.
func (m *Machine) Apply(index uint64, command []byte) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index <= m.applied {
		return nil, nil
	}

	cs := newChangeSet()
	var reply Reply
	prevMaxUser, prevMaxMessage := m.maxUserID, m.maxMessageID

	if len(command) > 0 {
		cmd, err := DecodeCommand(command)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", index, err)
		}

		switch cmd.Type {
		case CmdCreateAccount:
			reply = m.applyCreateAccount(cmd, cs)
		case CmdDeleteAccount:
			reply = m.applyDeleteAccount(cmd, cs)
		case CmdSendMessage:
			reply = m.applySendMessage(cmd, cs)
		case CmdMarkRead:
			reply = m.applyMarkRead(cmd, cs)
		case CmdReadN:
			reply = m.applyReadN(cmd, cs)
		case CmdDeleteMessage:
			reply = m.applyDeleteMessage(cmd, cs)
		}
	}

	cs.maxChanged = m.maxUserID != prevMaxUser || m.maxMessageID != prevMaxMessage

	if err := m.persist(index, cs); err != nil {
		return nil, fmt.Errorf("entry %d: %w", index, err)
	}
	m.applied = index

	if len(command) == 0 {
		return nil, nil
	}
	return reply, nil
}

func (m *Machine) applyCreateAccount(cmd Command, cs *changeSet) Reply {
	if _, taken := m.byName[cmd.Username]; taken {
		return Reply{Status: StatusUsernameTaken}
	}
	// Ids are assigned leader-side before the entry is appended, so a
	// racing proposal can carry a stale one. Accepting only the next
	// dense id keeps ids strictly increasing in commit order; the
	// proposer re-allocates and retries on rejection.
	if cmd.UserID != m.maxUserID+1 {
		return Reply{Status: StatusDuplicateID}
	}

	u := &User{
		ID:           cmd.UserID,
		Username:     cmd.Username,
		PasswordHash: append([]byte(nil), cmd.PasswordHash...),
	}
	m.users[u.ID] = u
	m.byName[u.Username] = u.ID
	m.maxUserID = u.ID
	cs.touchUser(u.ID)

	return Reply{Status: StatusOK, UserID: u.ID, Token: cmd.Token}
}

func (m *Machine) applyDeleteAccount(cmd Command, cs *changeSet) Reply {
	u, ok := m.users[cmd.UserID]
	if !ok {
		return Reply{Status: StatusUnknownUser}
	}

	// Every message with the user as an endpoint goes with the account.
	doomed := make([]uint32, 0)
	for id, msg := range m.messages {
		if msg.SenderID == u.ID || msg.ReceiverID == u.ID {
			doomed = append(doomed, id)
		}
	}
	sort.Slice(doomed, func(i, j int) bool { return doomed[i] < doomed[j] })

	for _, id := range doomed {
		msg := m.messages[id]
		delete(m.messages, id)
		cs.dropMessage(id)

		if msg.ReceiverID != u.ID {
			if recv, ok := m.users[msg.ReceiverID]; ok && !msg.Read {
				recv.Unread = removeID(recv.Unread, id)
				cs.touchUser(recv.ID)
			}
		}
	}

	for key := range m.convs {
		if key.a == u.ID || key.b == u.ID {
			delete(m.convs, key)
		}
	}

	for _, other := range m.users {
		if other.ID == u.ID {
			continue
		}
		trimmed := removeID(other.Recents, u.ID)
		if len(trimmed) != len(other.Recents) {
			other.Recents = trimmed
			cs.touchUser(other.ID)
		}
	}

	delete(m.users, u.ID)
	delete(m.byName, u.Username)
	cs.dropUser(u.ID)

	return Reply{Status: StatusOK, UserID: u.ID}
}

func (m *Machine) applySendMessage(cmd Command, cs *changeSet) Reply {
	sender, ok := m.users[cmd.SenderID]
	if !ok {
		return Reply{Status: StatusUnknownUser}
	}
	recipient, ok := m.users[cmd.RecipientID]
	if !ok {
		return Reply{Status: StatusUnknownUser}
	}
	// Same dense-id rule as account creation: conversation order and
	// the ascending unread lists both lean on message ids increasing
	// in commit order, so a stale or out-of-order id is rejected and
	// the proposer retries with a fresh one.
	if cmd.MessageID != m.maxMessageID+1 {
		return Reply{Status: StatusDuplicateID}
	}

	msg := &Message{
		ID:         cmd.MessageID,
		SenderID:   sender.ID,
		ReceiverID: recipient.ID,
		Content:    cmd.Content,
		Timestamp:  cmd.Timestamp,
	}
	m.messages[msg.ID] = msg
	m.maxMessageID = msg.ID

	key := pairKey(sender.ID, recipient.ID)
	m.convs[key] = append(m.convs[key], msg.ID)

	recipient.Unread = append(recipient.Unread, msg.ID)
	recipient.Recents = moveToFront(recipient.Recents, sender.ID)
	sender.Recents = moveToFront(sender.Recents, recipient.ID)

	cs.touchMessage(msg.ID)
	cs.touchUser(sender.ID)
	cs.touchUser(recipient.ID)

	return Reply{Status: StatusOK, MessageID: msg.ID}
}

func (m *Machine) applyMarkRead(cmd Command, cs *changeSet) Reply {
	msg, ok := m.messages[cmd.MessageID]
	if !ok {
		return Reply{Status: StatusNotFound}
	}
	if msg.ReceiverID != cmd.UserID {
		return Reply{Status: StatusNotRecipient}
	}
	if msg.Read {
		return Reply{Status: StatusOK}
	}

	msg.Read = true
	cs.touchMessage(msg.ID)

	if recv, ok := m.users[msg.ReceiverID]; ok {
		recv.Unread = removeID(recv.Unread, msg.ID)
		cs.touchUser(recv.ID)
	}

	return Reply{Status: StatusOK}
}

func (m *Machine) applyReadN(cmd Command, cs *changeSet) Reply {
	u, ok := m.users[cmd.UserID]
	if !ok {
		return Reply{Status: StatusUnknownUser}
	}

	n := int(cmd.N)
	if n > len(u.Unread) {
		n = len(u.Unread)
	}
	for _, id := range u.Unread[:n] {
		if msg, ok := m.messages[id]; ok && !msg.Read {
			msg.Read = true
			cs.touchMessage(id)
		}
	}
	if n > 0 {
		u.Unread = append([]uint32(nil), u.Unread[n:]...)
		cs.touchUser(u.ID)
	}

	return Reply{Status: StatusOK, Count: uint32(n)}
}

func (m *Machine) applyDeleteMessage(cmd Command, cs *changeSet) Reply {
	msg, ok := m.messages[cmd.MessageID]
	if !ok {
		return Reply{Status: StatusNotFound}
	}

	delete(m.messages, msg.ID)
	cs.dropMessage(msg.ID)

	key := pairKey(msg.SenderID, msg.ReceiverID)
	trimmed := removeID(m.convs[key], msg.ID)
	if len(trimmed) == 0 {
		delete(m.convs, key)
	} else {
		m.convs[key] = trimmed
	}

	if !msg.Read {
		if recv, ok := m.users[msg.ReceiverID]; ok {
			recv.Unread = removeID(recv.Unread, msg.ID)
			cs.touchUser(recv.ID)
		}
	}

	return Reply{Status: StatusOK}
}

// persist writes the command's row mutations and the applied marker in
// one transaction. With a nil store this is a no-op.
func (m *Machine) persist(index uint64, cs *changeSet) error {
	if m.st == nil {
		return nil
	}
	return m.st.Update(func(tx *store.Txn) error {
		for id := range cs.users {
			u, ok := m.users[id]
			if !ok {
				continue
			}
			if err := tx.UpsertUser(userRow(u)); err != nil {
				return err
			}
		}
		for id := range cs.delUsers {
			if err := tx.DeleteUser(id); err != nil {
				return err
			}
		}
		for id := range cs.msgs {
			msg, ok := m.messages[id]
			if !ok {
				continue
			}
			if err := tx.UpsertMessage(messageRow(msg)); err != nil {
				return err
			}
		}
		for id := range cs.delMsgs {
			if err := tx.DeleteMessage(id); err != nil {
				return err
			}
		}
		if cs.maxChanged {
			if err := tx.SetMaxIDs(m.maxUserID, m.maxMessageID); err != nil {
				return err
			}
		}
		return tx.SetApplied(index)
	})
}

func userRow(u *User) store.UserRow {
	return store.UserRow{
		ID:           u.ID,
		Username:     u.Username,
		PasswordHash: append([]byte(nil), u.PasswordHash...),
		Unread:       append([]uint32(nil), u.Unread...),
		Recents:      append([]uint32(nil), u.Recents...),
	}
}

func messageRow(msg *Message) store.MessageRow {
	return store.MessageRow{
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
		Read:       msg.Read,
		Timestamp:  msg.Timestamp,
	}
}

// AppliedIndex returns the index of the last applied entry.
func (m *Machine) AppliedIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.applied
}

// MaxUserID returns the highest user id ever observed, including ids
// of since-deleted users restored through the log.
func (m *Machine) MaxUserID() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxUserID
}

// MaxMessageID returns the highest message id ever observed.
func (m *Machine) MaxMessageID() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxMessageID
}

// ListAccounts returns the usernames matching pattern, sorted.
func (m *Machine) ListAccounts(pattern string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.byName))
	for name := range m.byName {
		if WildcardMatch(pattern, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Conversation returns the messages between two users in ascending
// message id order.
func (m *Machine) Conversation(a, b uint32) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.convs[pairKey(a, b)]
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := m.messages[id]; ok {
			out = append(out, *msg)
		}
	}
	return out
}

// UnreadMessages returns the user's unread messages in unread order.
// The second return is false if the user does not exist.
func (m *Machine) UnreadMessages(userID uint32) ([]Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, false
	}
	out := make([]Message, 0, len(u.Unread))
	for _, id := range u.Unread {
		if msg, ok := m.messages[id]; ok {
			out = append(out, *msg)
		}
	}
	return out, true
}

// UnreadCount returns the number of unread messages for a user.
func (m *Machine) UnreadCount(userID uint32) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return 0, false
	}
	return uint32(len(u.Unread)), true
}

// MessageInfo returns a copy of a message by id.
func (m *Machine) MessageInfo(id uint32) (Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// UsernameByID returns the username for a user id.
func (m *Machine) UsernameByID(id uint32) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return "", false
	}
	return u.Username, true
}

// UserByUsername returns a copy of the user with the given username.
func (m *Machine) UserByUsername(name string) (User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byName[name]
	if !ok {
		return User{}, false
	}
	u := m.users[id]
	return User{
		ID:           u.ID,
		Username:     u.Username,
		PasswordHash: append([]byte(nil), u.PasswordHash...),
		Unread:       append([]uint32(nil), u.Unread...),
		Recents:      append([]uint32(nil), u.Recents...),
	}, true
}

// RecentConversants returns the user's conversant ids, most recent first.
func (m *Machine) RecentConversants(userID uint32) ([]uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, false
	}
	return append([]uint32(nil), u.Recents...), true
}

// Fingerprint renders the full applied state in a canonical textual
// form. Two replicas that applied the same log prefix produce identical
// fingerprints.
func (m *Machine) Fingerprint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sb strings.Builder

	userIDs := make([]uint32, 0, len(m.users))
	for id := range m.users {
		userIDs = append(userIDs, id)
	}
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })
	for _, id := range userIDs {
		u := m.users[id]
		fmt.Fprintf(&sb, "user %d %q hash=%x unread=%v recents=%v\n",
			u.ID, u.Username, u.PasswordHash, u.Unread, u.Recents)
	}

	msgIDs := make([]uint32, 0, len(m.messages))
	for id := range m.messages {
		msgIDs = append(msgIDs, id)
	}
	sort.Slice(msgIDs, func(i, j int) bool { return msgIDs[i] < msgIDs[j] })
	for _, id := range msgIDs {
		msg := m.messages[id]
		fmt.Fprintf(&sb, "msg %d %d->%d read=%t ts=%d %q\n",
			msg.ID, msg.SenderID, msg.ReceiverID, msg.Read, msg.Timestamp, msg.Content)
	}

	return sb.String()
}

// removeID removes the first occurrence of id, preserving order.
func removeID(ids []uint32, id uint32) []uint32 {
	for i, v := range ids {
		if v == id {
			out := make([]uint32, 0, len(ids)-1)
			out = append(out, ids[:i]...)
			return append(out, ids[i+1:]...)
		}
	}
	return ids
}

// moveToFront puts id at the head of the list, removing any earlier
// occurrence.
func moveToFront(ids []uint32, id uint32) []uint32 {
	out := make([]uint32, 0, len(ids)+1)
	out = append(out, id)
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
