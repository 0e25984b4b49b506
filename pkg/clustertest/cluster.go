// Package clustertest provides an in-process multi-node harness for
// integration tests: real nodes, real stores, and the RPC surface,
// connected through the in-memory transport so partitions and crashes
// can be simulated deterministically.
package clustertest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courier-chat/courier/pkg/chat"
	"github.com/courier-chat/courier/pkg/config"
	"github.com/courier-chat/courier/pkg/raft"
	"github.com/courier-chat/courier/pkg/server"
	"github.com/courier-chat/courier/pkg/store"
	"github.com/courier-chat/courier/pkg/transport"
)

// Cluster is a set of in-process nodes sharing one transport fabric.
type Cluster struct {
	IDs       []string
	Nodes     []*raft.Node
	Stores    []*store.Store
	Machines  []*chat.Machine
	Servers   []*server.Server
	Transport *transport.LocalTransport

	cfg    config.Cluster
	dirs   []string
	logger *zap.Logger
}

// NewCluster builds and starts a cluster of the given size. Callers
// must Cleanup when done.
func NewCluster(size int) (*Cluster, error) {
	fabric := transport.NewLocalTransport()
	runID := uuid.NewString()

	ids := make([]string, size)
	cfg := make(config.Cluster, size)
	for i := 0; i < size; i++ {
		ids[i] = fmt.Sprintf("node-%d", i)
		cfg[ids[i]] = fmt.Sprintf("local://%s", ids[i])
	}

	c := &Cluster{
		IDs:       ids,
		Nodes:     make([]*raft.Node, size),
		Stores:    make([]*store.Store, size),
		Machines:  make([]*chat.Machine, size),
		Servers:   make([]*server.Server, size),
		Transport: fabric,
		cfg:       cfg,
		dirs:      make([]string, size),
		logger:    zap.NewNop(),
	}

	for i := 0; i < size; i++ {
		dir := filepath.Join(os.TempDir(), fmt.Sprintf("courier-test-%s-%d", runID, i))
		c.dirs[i] = dir

		if err := c.bootNode(i); err != nil {
			c.Cleanup()
			return nil, err
		}
	}

	for _, node := range c.Nodes {
		if err := node.Start(); err != nil {
			c.Cleanup()
			return nil, err
		}
	}

	return c, nil
}

// bootNode opens (or reopens) node i's store and wires its machine,
// node, and server. The node is not started.
func (c *Cluster) bootNode(i int) error {
	st, err := store.Open(c.dirs[i])
	if err != nil {
		return fmt.Errorf("node %d: %w", i, err)
	}

	machine, err := chat.NewMachine(st)
	if err != nil {
		st.Close()
		return fmt.Errorf("node %d: %w", i, err)
	}

	nodeCfg := raft.NodeConfig{
		ID:                 c.IDs[i],
		Peers:              c.cfg.Peers(c.IDs[i]),
		ElectionTimeoutMin: 200 * time.Millisecond,
		ElectionTimeoutMax: 400 * time.Millisecond,
		HeartbeatInterval:  40 * time.Millisecond,
	}

	node, err := raft.NewNode(nodeCfg, c.Transport, st, machine, c.logger)
	if err != nil {
		st.Close()
		return fmt.Errorf("node %d: %w", i, err)
	}

	c.Stores[i] = st
	c.Machines[i] = machine
	c.Nodes[i] = node
	c.Servers[i] = server.New(c.IDs[i], node, machine, c.cfg, c.logger)
	c.Transport.Register(c.IDs[i], node)

	return nil
}

// Stop stops every node.
func (c *Cluster) Stop() {
	for _, node := range c.Nodes {
		if node != nil {
			node.Stop()
		}
	}
}

// Cleanup stops the cluster and removes all data directories.
func (c *Cluster) Cleanup() {
	c.Stop()
	time.Sleep(100 * time.Millisecond)
	for _, st := range c.Stores {
		if st != nil {
			st.Close()
		}
	}
	for _, dir := range c.dirs {
		os.RemoveAll(dir)
	}
}

// Crash stops node i and detaches it from the fabric, simulating a
// process kill. Its data directory is preserved for Restart.
func (c *Cluster) Crash(i int) {
	c.Nodes[i].Stop()
	c.Transport.Deregister(c.IDs[i])
	c.Stores[i].Close()
	c.Nodes[i] = nil
	c.Stores[i] = nil
	c.Machines[i] = nil
	c.Servers[i] = nil
}

// Restart boots node i from its preserved data directory.
func (c *Cluster) Restart(i int) error {
	if err := c.bootNode(i); err != nil {
		return err
	}
	return c.Nodes[i].Start()
}

// Leader returns the current leader, nil if there is none.
func (c *Cluster) Leader() *raft.Node {
	for _, node := range c.Nodes {
		if node != nil && node.IsLeader() {
			return node
		}
	}
	return nil
}

// LeaderIndex returns the index of the current leader, -1 if none.
func (c *Cluster) LeaderIndex() int {
	for i, node := range c.Nodes {
		if node != nil && node.IsLeader() {
			return i
		}
	}
	return -1
}

// WaitForLeader waits until some node becomes leader.
func (c *Cluster) WaitForLeader(timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if leader := c.Leader(); leader != nil {
			return leader, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, fmt.Errorf("no leader elected within %v", timeout)
}

// WaitForNewLeader waits for a leader other than excludeID.
func (c *Cluster) WaitForNewLeader(excludeID string, timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, node := range c.Nodes {
			if node != nil && node.ID() != excludeID && node.IsLeader() {
				return node, nil
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, fmt.Errorf("no new leader elected within %v", timeout)
}

// PartitionLeader isolates the current leader and returns it.
func (c *Cluster) PartitionLeader() *raft.Node {
	leader := c.Leader()
	if leader != nil {
		c.Transport.Partition(leader.ID())
	}
	return leader
}

// Heal restores every link in the fabric.
func (c *Cluster) Heal() {
	c.Transport.HealAll()
}

// Propose submits a command through whichever node is leader, retrying
// across elections until it commits or the timeout expires.
func (c *Cluster) Propose(cmd chat.Command, timeout time.Duration) (chat.Reply, error) {
	data, err := chat.EncodeCommand(cmd)
	if err != nil {
		return chat.Reply{}, err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		leader := c.Leader()
		if leader == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Until(deadline))
		result, err := leader.SubmitWithResult(ctx, data)
		cancel()

		if err == nil {
			reply, ok := result.Value.(chat.Reply)
			if !ok {
				return chat.Reply{}, fmt.Errorf("unexpected apply result %T", result.Value)
			}
			return reply, nil
		}

		if err == raft.ErrNotLeader || err == context.DeadlineExceeded || err == raft.ErrStopped {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return chat.Reply{}, err
	}

	return chat.Reply{}, fmt.Errorf("proposal did not commit within %v", timeout)
}

// WaitForApplied waits until node i has applied at least index.
func (c *Cluster) WaitForApplied(i int, index uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Machines[i] != nil && c.Machines[i].AppliedIndex() >= index {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("node %d did not reach applied index %d within %v", i, index, timeout)
}

// WaitForConvergence waits until every live node reports the same
// state fingerprint.
func (c *Cluster) WaitForConvergence(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.converged() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("replicas did not converge within %v", timeout)
}

func (c *Cluster) converged() bool {
	var want string
	first := true
	for _, m := range c.Machines {
		if m == nil {
			continue
		}
		fp := m.Fingerprint()
		if first {
			want = fp
			first = false
			continue
		}
		if fp != want {
			return false
		}
	}
	return !first
}
