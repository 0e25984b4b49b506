package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/courier-chat/courier/pkg/raft"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestTermRoundTrip(t *testing.T) {
	st := openTestStore(t)

	term, vote, err := st.LoadTerm()
	require.NoError(t, err)
	require.Zero(t, term)
	require.Empty(t, vote)

	require.NoError(t, st.SaveTerm(7, "node-2"))

	term, vote, err = st.LoadTerm()
	require.NoError(t, err)
	require.Equal(t, uint64(7), term)
	require.Equal(t, "node-2", vote)
}

func TestLogAppendTruncateScan(t *testing.T) {
	st := openTestStore(t)

	entries := []raft.LogEntry{
		{Index: 1, Term: 1, Type: raft.EntryNoop},
		{Index: 2, Term: 1, Type: raft.EntryNormal, Command: []byte(`{"type":"x"}`)},
		{Index: 3, Term: 2, Type: raft.EntryNormal, Command: []byte(`{"type":"y"}`)},
	}
	require.NoError(t, st.AppendEntries(entries))

	got, err := st.Entries()
	require.NoError(t, err)
	require.Equal(t, entries, got)

	require.NoError(t, st.TruncateFrom(2))

	got, err = st.Entries()
	require.NoError(t, err)
	require.Equal(t, entries[:1], got)

	// Re-appending over a truncated range replaces cleanly.
	replacement := raft.LogEntry{Index: 2, Term: 3, Type: raft.EntryNormal, Command: []byte(`{"type":"z"}`)}
	require.NoError(t, st.AppendEntries([]raft.LogEntry{replacement}))

	got, err = st.Entries()
	require.NoError(t, err)
	require.Equal(t, []raft.LogEntry{entries[0], replacement}, got)
}

func TestLogSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	st, err := Open(dir)
	require.NoError(t, err)
	entries := []raft.LogEntry{
		{Index: 1, Term: 1, Type: raft.EntryNormal, Command: []byte("a")},
		{Index: 2, Term: 1, Type: raft.EntryNormal, Command: []byte("b")},
	}
	require.NoError(t, st.AppendEntries(entries))
	require.NoError(t, st.SaveTerm(1, "node-0"))
	require.NoError(t, st.Close())

	st, err = Open(dir)
	require.NoError(t, err)
	defer st.Close()

	got, err := st.Entries()
	require.NoError(t, err)
	require.Equal(t, entries, got)

	term, vote, err := st.LoadTerm()
	require.NoError(t, err)
	require.Equal(t, uint64(1), term)
	require.Equal(t, "node-0", vote)
}

func TestRowsAndAppliedAreAtomic(t *testing.T) {
	st := openTestStore(t)

	err := st.Update(func(tx *Txn) error {
		if err := tx.UpsertUser(UserRow{ID: 1, Username: "alice", Unread: []uint32{3}}); err != nil {
			return err
		}
		if err := tx.UpsertMessage(MessageRow{ID: 3, SenderID: 2, ReceiverID: 1, Content: "hi"}); err != nil {
			return err
		}
		if err := tx.SetMaxIDs(1, 3); err != nil {
			return err
		}
		return tx.SetApplied(9)
	})
	require.NoError(t, err)

	users, err := st.Users()
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "alice", users[0].Username)
	require.Equal(t, []uint32{3}, users[0].Unread)

	msgs, err := st.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hi", msgs[0].Content)

	applied, err := st.Applied()
	require.NoError(t, err)
	require.Equal(t, uint64(9), applied)

	maxU, maxM, err := st.MaxIDs()
	require.NoError(t, err)
	require.Equal(t, uint32(1), maxU)
	require.Equal(t, uint32(3), maxM)

	// A failing update leaves nothing behind.
	boom := st.Update(func(tx *Txn) error {
		if err := tx.DeleteUser(1); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, boom, errAbort)

	users, err = st.Users()
	require.NoError(t, err)
	require.Len(t, users, 1)
}

var errAbort = errAbortType{}

type errAbortType struct{}

func (errAbortType) Error() string { return "abort" }
