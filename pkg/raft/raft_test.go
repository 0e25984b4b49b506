package raft_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courier-chat/courier/pkg/chat"
	"github.com/courier-chat/courier/pkg/clustertest"
)

const (
	electionWait = 5 * time.Second
	commitWait   = 5 * time.Second
)

func newCluster(t *testing.T, size int) *clustertest.Cluster {
	t.Helper()
	c, err := clustertest.NewCluster(size)
	require.NoError(t, err)
	t.Cleanup(c.Cleanup)
	return c
}

func createAccount(t *testing.T, c *clustertest.Cluster, id uint32, name string) {
	t.Helper()
	reply, err := c.Propose(chat.Command{
		Type:         chat.CmdCreateAccount,
		Username:     name,
		PasswordHash: []byte("hash"),
		UserID:       id,
	}, commitWait)
	require.NoError(t, err)
	require.Equal(t, chat.StatusOK, reply.Status)
}

func TestLeaderElection(t *testing.T) {
	c := newCluster(t, 3)

	leader, err := c.WaitForLeader(electionWait)
	require.NoError(t, err)

	// Give the cluster a moment to settle, then require a single leader.
	time.Sleep(500 * time.Millisecond)
	leaders := 0
	for _, node := range c.Nodes {
		if node.IsLeader() {
			leaders++
		}
	}
	require.Equal(t, 1, leaders)
	require.NotEmpty(t, leader.ID())
}

func TestSingleNodeCluster(t *testing.T) {
	c := newCluster(t, 1)

	_, err := c.WaitForLeader(electionWait)
	require.NoError(t, err)

	createAccount(t, c, 1, "alice")
	require.NoError(t, c.WaitForConvergence(commitWait))

	name, ok := c.Machines[0].UsernameByID(1)
	require.True(t, ok)
	require.Equal(t, "alice", name)
}

func TestReplicationConvergence(t *testing.T) {
	c := newCluster(t, 3)
	_, err := c.WaitForLeader(electionWait)
	require.NoError(t, err)

	createAccount(t, c, 1, "alice")
	createAccount(t, c, 2, "bob")
	for i := uint32(1); i <= 5; i++ {
		reply, err := c.Propose(chat.Command{
			Type:        chat.CmdSendMessage,
			SenderID:    1,
			RecipientID: 2,
			MessageID:   i,
			Content:     fmt.Sprintf("message %d", i),
			Timestamp:   int64(i),
		}, commitWait)
		require.NoError(t, err)
		require.Equal(t, chat.StatusOK, reply.Status)
	}

	require.NoError(t, c.WaitForConvergence(commitWait))
	require.NoError(t, c.CheckLogConsistency())

	for i, m := range c.Machines {
		count, ok := m.UnreadCount(2)
		require.True(t, ok, "node %d", i)
		require.Equal(t, uint32(5), count, "node %d", i)
	}
}

func TestCommittedRejectionIsReplicated(t *testing.T) {
	c := newCluster(t, 3)
	_, err := c.WaitForLeader(electionWait)
	require.NoError(t, err)

	createAccount(t, c, 1, "alice")

	reply, err := c.Propose(chat.Command{
		Type:     chat.CmdCreateAccount,
		Username: "alice",
		UserID:   2,
	}, commitWait)
	require.NoError(t, err, "a rejection commits, it is not a consensus failure")
	require.Equal(t, chat.StatusUsernameTaken, reply.Status)

	require.NoError(t, c.WaitForConvergence(commitWait))
}

func TestLeaderFailover(t *testing.T) {
	c := newCluster(t, 3)
	_, err := c.WaitForLeader(electionWait)
	require.NoError(t, err)

	createAccount(t, c, 1, "alice")

	old := c.PartitionLeader()
	require.NotNil(t, old)

	newLeader, err := c.WaitForNewLeader(old.ID(), electionWait)
	require.NoError(t, err)
	require.NotEqual(t, old.ID(), newLeader.ID())

	// The majority side keeps making progress.
	createAccount(t, c, 2, "bob")

	c.Heal()
	require.NoError(t, c.WaitForConvergence(commitWait))
	require.NoError(t, c.CheckLogConsistency())

	// The old leader caught up and stepped down.
	require.False(t, old.IsLeader())
	for i, m := range c.Machines {
		_, found := m.UserByUsername("bob")
		require.True(t, found, "node %d missing post-failover commit", i)
	}
}

func TestPartitionedLeaderCannotCommit(t *testing.T) {
	c := newCluster(t, 3)
	_, err := c.WaitForLeader(electionWait)
	require.NoError(t, err)

	old := c.PartitionLeader()
	require.NotNil(t, old)

	// A proposal on the isolated leader cannot reach quorum.
	data, err := chat.EncodeCommand(chat.Command{Type: chat.CmdCreateAccount, Username: "ghost", UserID: 9})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	_, err = old.SubmitWithResult(ctx, data)
	cancel()
	require.Error(t, err)

	_, err = c.WaitForNewLeader(old.ID(), electionWait)
	require.NoError(t, err)
	createAccount(t, c, 1, "alice")

	c.Heal()
	require.NoError(t, c.WaitForConvergence(commitWait))

	// The uncommitted entry was overwritten, the committed one survived.
	for i, m := range c.Machines {
		_, found := m.UserByUsername("ghost")
		require.False(t, found, "node %d applied an uncommitted entry", i)
		_, found = m.UserByUsername("alice")
		require.True(t, found, "node %d lost a committed entry", i)
	}
	require.NoError(t, c.CheckLogConsistency())
}

func TestTwoNodeClusterRequiresBothToCommit(t *testing.T) {
	c := newCluster(t, 2)
	_, err := c.WaitForLeader(electionWait)
	require.NoError(t, err)

	createAccount(t, c, 1, "alice")
	require.NoError(t, c.WaitForConvergence(commitWait))

	old := c.PartitionLeader()
	require.NotNil(t, old)

	// Majority of 2 is 2: an isolated leader must not commit alone.
	data, err := chat.EncodeCommand(chat.Command{Type: chat.CmdCreateAccount, Username: "bob", UserID: 2})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	_, err = old.SubmitWithResult(ctx, data)
	cancel()
	require.Error(t, err, "isolated leader of a two-node cluster committed alone")

	for i, m := range c.Machines {
		_, found := m.UserByUsername("bob")
		require.False(t, found, "node %d applied an entry held by a minority", i)
	}

	// Once the link heals the entry reaches both nodes and may commit.
	c.Heal()
	require.NoError(t, c.WaitForConvergence(commitWait))
	require.NoError(t, c.CheckLogConsistency())
}

func TestTimedOutProposalRetry(t *testing.T) {
	c := newCluster(t, 3)
	_, err := c.WaitForLeader(electionWait)
	require.NoError(t, err)

	createAccount(t, c, 1, "alice")
	createAccount(t, c, 2, "bob")

	cmd := chat.Command{
		Type: chat.CmdSendMessage, SenderID: 1, RecipientID: 2,
		MessageID: 1, Content: "hello", Timestamp: 7,
	}
	data, err := chat.EncodeCommand(cmd)
	require.NoError(t, err)

	// A deadline far shorter than a replication round: the wait times
	// out, but the appended proposal is not retracted and may still
	// commit behind the client's back.
	leader := c.Leader()
	require.NotNil(t, leader)
	ctx, cancel := context.WithTimeout(context.Background(), time.Microsecond)
	_, err = leader.SubmitWithResult(ctx, data)
	cancel()
	if err != nil {
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}

	// The client retries the same command. Whichever copy commits first
	// wins; the other is rejected as a stale id, never applied twice.
	reply, err := c.Propose(cmd, commitWait)
	require.NoError(t, err)
	require.Contains(t, []chat.Status{chat.StatusOK, chat.StatusDuplicateID}, reply.Status)

	require.NoError(t, c.WaitForConvergence(commitWait))
	require.NoError(t, c.CheckLogConsistency())

	for i, m := range c.Machines {
		count, ok := m.UnreadCount(2)
		require.True(t, ok, "node %d", i)
		require.Equal(t, uint32(1), count, "node %d delivered the retry twice", i)
	}
}

func TestRestartCatchUp(t *testing.T) {
	c := newCluster(t, 3)
	_, err := c.WaitForLeader(electionWait)
	require.NoError(t, err)

	createAccount(t, c, 1, "alice")

	// Crash a follower, keep committing, then bring it back.
	victim := (c.LeaderIndex() + 1) % 3
	c.Crash(victim)

	createAccount(t, c, 2, "bob")
	createAccount(t, c, 3, "carol")

	require.NoError(t, c.Restart(victim))
	require.NoError(t, c.WaitForConvergence(commitWait))

	for _, name := range []string{"alice", "bob", "carol"} {
		_, found := c.Machines[victim].UserByUsername(name)
		require.True(t, found, "restarted node missing %s", name)
	}
	require.NoError(t, c.CheckLogConsistency())
}

func TestRestartPreservesAppliedState(t *testing.T) {
	c := newCluster(t, 1)
	_, err := c.WaitForLeader(electionWait)
	require.NoError(t, err)

	createAccount(t, c, 1, "alice")
	require.NoError(t, c.WaitForApplied(0, 1, commitWait))
	before := c.Machines[0].Fingerprint()

	c.Crash(0)
	require.NoError(t, c.Restart(0))
	_, err = c.WaitForLeader(electionWait)
	require.NoError(t, err)

	require.Equal(t, before, c.Machines[0].Fingerprint())
}
