package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/courier-chat/courier/pkg/raft"
)

// ErrUnreachable is returned for calls across a simulated partition or
// to an unregistered node.
var ErrUnreachable = errors.New("peer unreachable")

// LocalTransport is an in-memory fabric for multi-node tests. The
// sending node is inferred from the RPC arguments, so one fabric is
// shared by every node in the cluster.
type LocalTransport struct {
	mu       sync.RWMutex
	nodes    map[string]RaftHandler
	disabled map[string]map[string]bool
	latency  time.Duration
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		nodes:    make(map[string]RaftHandler),
		disabled: make(map[string]map[string]bool),
	}
}

// Register adds a node to the fabric.
func (t *LocalTransport) Register(id string, node RaftHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = node
	t.disabled[id] = make(map[string]bool)
}

// Deregister removes a node, simulating a crashed process.
func (t *LocalTransport) Deregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, id)
}

// SetLatency adds artificial latency to every RPC.
func (t *LocalTransport) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Disconnect drops the one-way link from one node to another.
func (t *LocalTransport) Disconnect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] == nil {
		t.disabled[from] = make(map[string]bool)
	}
	t.disabled[from][to] = true
}

// Connect restores the one-way link from one node to another.
func (t *LocalTransport) Connect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] != nil {
		delete(t.disabled[from], to)
	}
}

// Partition isolates a node from every other node, both directions.
func (t *LocalTransport) Partition(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id := range t.nodes {
		if id == nodeID {
			continue
		}
		if t.disabled[nodeID] == nil {
			t.disabled[nodeID] = make(map[string]bool)
		}
		if t.disabled[id] == nil {
			t.disabled[id] = make(map[string]bool)
		}
		t.disabled[nodeID][id] = true
		t.disabled[id][nodeID] = true
	}
}

// Heal restores all links touching a node.
func (t *LocalTransport) Heal(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.disabled[nodeID] = make(map[string]bool)
	for id := range t.nodes {
		if t.disabled[id] != nil {
			delete(t.disabled[id], nodeID)
		}
	}
}

// HealAll restores every link.
func (t *LocalTransport) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = make(map[string]map[string]bool)
}

func (t *LocalTransport) isConnected(from, to string) bool {
	if t.disabled[from] == nil {
		return true
	}
	return !t.disabled[from][to]
}

func (t *LocalTransport) RequestVote(target string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	t.mu.RLock()
	node, ok := t.nodes[target]
	connected := t.isConnected(args.CandidateID, target)
	latency := t.latency
	t.mu.RUnlock()

	if !ok || !connected {
		return nil, ErrUnreachable
	}

	if latency > 0 {
		time.Sleep(latency)
	}

	return node.HandleRequestVote(args), nil
}

func (t *LocalTransport) AppendEntries(target string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	t.mu.RLock()
	node, ok := t.nodes[target]
	connected := t.isConnected(args.LeaderID, target)
	latency := t.latency
	t.mu.RUnlock()

	if !ok || !connected {
		return nil, ErrUnreachable
	}

	if latency > 0 {
		time.Sleep(latency)
	}

	return node.HandleAppendEntries(args), nil
}
