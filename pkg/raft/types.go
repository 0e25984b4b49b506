package raft

import (
	"fmt"
	"time"
)

// NodeState is the role a node currently plays.
type NodeState int

const (
	Follower NodeState = iota
	Candidate
	Leader
)

func (s NodeState) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// EntryType distinguishes client commands from internal entries.
type EntryType uint8

const (
	// EntryNormal carries opaque command bytes for the state machine.
	EntryNormal EntryType = iota
	// EntryNoop is appended by a new leader to commit entries from
	// earlier terms. It carries no command.
	EntryNoop
)

// LogEntry is one replicated log slot. Index 0 is a sentinel so the
// first real entry has index 1 and PrevLogIndex 0 always matches.
type LogEntry struct {
	Index   uint64    `json:"index"`
	Term    uint64    `json:"term"`
	Type    EntryType `json:"type"`
	Command []byte    `json:"command,omitempty"`
}

// NodeConfig carries the static parameters of one node.
type NodeConfig struct {
	ID    string
	Peers []string

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
}

// Validate checks the timing constraints. Heartbeats must arrive well
// inside the shortest election timeout or healthy leaders get deposed.
func (c NodeConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("node config: empty node id")
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		return fmt.Errorf("node config: election timeout window [%v, %v] is invalid",
			c.ElectionTimeoutMin, c.ElectionTimeoutMax)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.ElectionTimeoutMin/2 {
		return fmt.Errorf("node config: heartbeat %v must be below half the minimum election timeout %v",
			c.HeartbeatInterval, c.ElectionTimeoutMin)
	}
	return nil
}

// DefaultTimings fills in the standard election and heartbeat windows
// for any that are unset.
func (c NodeConfig) DefaultTimings() NodeConfig {
	if c.ElectionTimeoutMin == 0 {
		c.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if c.ElectionTimeoutMax == 0 {
		c.ElectionTimeoutMax = 300 * time.Millisecond
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 50 * time.Millisecond
	}
	return c
}

type RequestVoteArgs struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

type RequestVoteReply struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

type AppendEntriesArgs struct {
	Term         uint64     `json:"term"`
	LeaderID     string     `json:"leader_id"`
	PrevLogIndex uint64     `json:"prev_log_index"`
	PrevLogTerm  uint64     `json:"prev_log_term"`
	Entries      []LogEntry `json:"entries,omitempty"`
	LeaderCommit uint64     `json:"leader_commit"`
}

// AppendEntriesReply carries the conflict hints used to back up
// nextIndex by whole terms instead of one entry at a time.
type AppendEntriesReply struct {
	Term          uint64 `json:"term"`
	Success       bool   `json:"success"`
	ConflictIndex uint64 `json:"conflict_index,omitempty"`
	ConflictTerm  uint64 `json:"conflict_term,omitempty"`
}

// Transport sends Raft RPCs to a peer by id.
type Transport interface {
	RequestVote(peer string, args *RequestVoteArgs) (*RequestVoteReply, error)
	AppendEntries(peer string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
}

// Storage is the durable half of the node. Every method must be
// synchronous: a successful return means the data survives a crash.
type Storage interface {
	SaveTerm(term uint64, votedFor string) error
	LoadTerm() (term uint64, votedFor string, err error)

	AppendEntries(entries []LogEntry) error
	TruncateFrom(index uint64) error
	Entries() ([]LogEntry, error)
}

// StateMachine consumes committed entries in index order. Apply is
// called exactly once per entry per process lifetime; a nil command is
// an internal entry whose only effect is advancing the applied index.
// An error return is a durability failure and halts the node.
type StateMachine interface {
	Apply(index uint64, command []byte) (interface{}, error)
	AppliedIndex() uint64
}

// CommitResult is delivered to the proposer once its entry applies.
type CommitResult struct {
	Index uint64
	Term  uint64
	Value interface{}
	Error error
}

// PendingCommand tracks a proposal waiting for commit on the leader.
type PendingCommand struct {
	Index    uint64
	Term     uint64
	ResultCh chan CommitResult
}
