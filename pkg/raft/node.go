// Package raft implements leader election and log replication over a
// static cluster. The node owns the election and heartbeat timers,
// replicates opaque command bytes, and feeds committed entries to a
// state machine in index order.
package raft

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Node struct {
	mu sync.RWMutex

	id     string
	config NodeConfig

	// Persistent state
	currentTerm uint64
	votedFor    string
	log         []LogEntry

	// Volatile state
	state       NodeState
	commitIndex uint64
	lastApplied uint64

	// Leader state
	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	// Channels
	commitCh   chan struct{}
	stopCh     chan struct{}
	resetTimer chan struct{}

	// Pending proposals on the leader
	pendingCommands map[uint64]*PendingCommand

	// Components
	transport    Transport
	storage      Storage
	stateMachine StateMachine
	logger       *zap.Logger

	// Leader tracking
	leaderID string

	// Shutdown and durability-failure state
	stopped int32
	halted  int32
}

// NewNode wires a node from its components. Call Start to restore
// durable state and begin the protocol loops.
func NewNode(config NodeConfig, transport Transport, storage Storage, sm StateMachine, logger *zap.Logger) (*Node, error) {
	config = config.DefaultTimings()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		id:              config.ID,
		config:          config,
		state:           Follower,
		nextIndex:       make(map[string]uint64),
		matchIndex:      make(map[string]uint64),
		commitCh:        make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
		resetTimer:      make(chan struct{}, 1),
		pendingCommands: make(map[uint64]*PendingCommand),
		transport:       transport,
		storage:         storage,
		stateMachine:    sm,
		logger:          logger.With(zap.String("node", config.ID)),
	}

	// Sentinel entry at index 0 so PrevLogIndex 0 always matches.
	n.log = append(n.log, LogEntry{Index: 0, Term: 0, Type: EntryNoop})

	return n, nil
}

// Start restores persisted state and launches the protocol loops.
func (n *Node) Start() error {
	if err := n.restore(); err != nil {
		return err
	}

	go n.run()
	go n.applyLoop()

	return nil
}

// Stop shuts the node down. In-flight proposals fail with ErrStopped.
func (n *Node) Stop() {
	if !atomic.CompareAndSwapInt32(&n.stopped, 0, 1) {
		return
	}
	close(n.stopCh)

	n.mu.Lock()
	n.failPending(ErrStopped)
	n.mu.Unlock()

	// Give the loops a moment to observe stopCh.
	time.Sleep(50 * time.Millisecond)
}

func (n *Node) restore() error {
	term, votedFor, err := n.storage.LoadTerm()
	if err != nil {
		return err
	}
	entries, err := n.storage.Entries()
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.currentTerm = term
	n.votedFor = votedFor
	n.log = n.log[:1]
	n.log = append(n.log, entries...)

	// Entries the state machine already holds durably were committed.
	n.lastApplied = n.stateMachine.AppliedIndex()
	n.commitIndex = n.lastApplied

	n.logger.Info("restored state",
		zap.Uint64("term", term),
		zap.Uint64("last_log_index", n.getLastLogIndex()),
		zap.Uint64("applied", n.lastApplied))

	return nil
}

func (n *Node) isStopped() bool {
	return atomic.LoadInt32(&n.stopped) == 1
}

func (n *Node) isHalted() bool {
	return atomic.LoadInt32(&n.halted) == 1
}

// haltLocked latches the node after a durability failure. The node no
// longer votes, replicates, or accepts proposals. Caller holds mu.
func (n *Node) haltLocked(err error) {
	if !atomic.CompareAndSwapInt32(&n.halted, 0, 1) {
		return
	}
	n.logger.Error("storage failure, halting node", zap.Error(err))
	n.state = Follower
	n.failPending(ErrHalted)
}

// failPending resolves every pending proposal with err. Caller holds mu.
func (n *Node) failPending(err error) {
	for idx, pending := range n.pendingCommands {
		select {
		case pending.ResultCh <- CommitResult{Index: idx, Error: err}:
		default:
		}
	}
	n.pendingCommands = make(map[uint64]*PendingCommand)
}

func (n *Node) run() {
	for {
		if n.isStopped() || n.isHalted() {
			return
		}

		select {
		case <-n.stopCh:
			return
		default:
		}

		n.mu.RLock()
		state := n.state
		n.mu.RUnlock()

		switch state {
		case Follower:
			n.runFollower()
		case Candidate:
			n.runCandidate()
		case Leader:
			n.runLeader()
		}
	}
}

func (n *Node) runFollower() {
	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-timer.C:
			n.mu.Lock()
			if n.state == Follower && !n.isHalted() {
				n.logger.Info("election timeout, becoming candidate",
					zap.Uint64("term", n.currentTerm))
				n.state = Candidate
			}
			n.mu.Unlock()
			return
		case <-n.resetTimer:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(n.randomElectionTimeout())
		}
	}
}

func (n *Node) runCandidate() {
	n.mu.Lock()
	n.currentTerm++
	n.votedFor = n.id
	if err := n.storage.SaveTerm(n.currentTerm, n.votedFor); err != nil {
		n.haltLocked(err)
		n.mu.Unlock()
		return
	}
	currentTerm := n.currentTerm
	lastLogIndex := n.getLastLogIndex()
	lastLogTerm := n.getLastLogTerm()
	n.mu.Unlock()

	n.logger.Info("starting election", zap.Uint64("term", currentTerm))

	votesReceived := int32(1)
	votesNeeded := int32(n.clusterSize()/2 + 1)
	electionWon := make(chan struct{}, 1)

	if votesReceived >= votesNeeded {
		electionWon <- struct{}{}
	}

	for _, peer := range n.config.Peers {
		go func(peer string) {
			args := &RequestVoteArgs{
				Term:         currentTerm,
				CandidateID:  n.id,
				LastLogIndex: lastLogIndex,
				LastLogTerm:  lastLogTerm,
			}

			reply, err := n.transport.RequestVote(peer, args)
			if err != nil {
				return
			}

			n.mu.Lock()
			defer n.mu.Unlock()

			if reply.Term > n.currentTerm {
				n.becomeFollower(reply.Term)
				return
			}

			if n.state != Candidate || n.currentTerm != currentTerm {
				return
			}

			if reply.VoteGranted {
				votes := atomic.AddInt32(&votesReceived, 1)
				if votes >= votesNeeded {
					select {
					case electionWon <- struct{}{}:
					default:
					}
				}
			}
		}(peer)
	}

	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()

	select {
	case <-n.stopCh:
		return
	case <-electionWon:
		n.mu.Lock()
		if n.state == Candidate && n.currentTerm == currentTerm {
			n.becomeLeader()
		}
		n.mu.Unlock()
	case <-timer.C:
		n.logger.Info("election timed out, retrying", zap.Uint64("term", currentTerm))
	case <-n.resetTimer:
		n.mu.Lock()
		if n.state == Candidate {
			n.state = Follower
		}
		n.mu.Unlock()
	}
}

func (n *Node) runLeader() {
	n.sendHeartbeats()

	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.mu.RLock()
			isLeader := n.state == Leader
			n.mu.RUnlock()

			if !isLeader || n.isHalted() {
				return
			}

			n.sendHeartbeats()
			n.advanceCommitIndex()
		}
	}
}

func (n *Node) sendHeartbeats() {
	n.mu.RLock()
	if n.state != Leader {
		n.mu.RUnlock()
		return
	}
	currentTerm := n.currentTerm
	commitIndex := n.commitIndex
	n.mu.RUnlock()

	for _, peer := range n.config.Peers {
		go n.sendAppendEntries(peer, currentTerm, commitIndex)
	}
}

func (n *Node) sendAppendEntries(peer string, term uint64, leaderCommit uint64) {
	n.mu.RLock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.RUnlock()
		return
	}

	nextIdx := n.nextIndex[peer]
	if nextIdx == 0 {
		nextIdx = n.getLastLogIndex() + 1
	}

	prevLogIndex := nextIdx - 1
	prevLogTerm := uint64(0)
	if arr := n.logIndexToArrayIndex(prevLogIndex); arr >= 0 {
		prevLogTerm = n.log[arr].Term
	}

	var entries []LogEntry
	if start := n.logIndexToArrayIndex(nextIdx); start >= 0 {
		entries = append(entries, n.log[start:]...)
	}

	args := &AppendEntriesArgs{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}
	n.mu.RUnlock()

	reply, err := n.transport.AppendEntries(peer, args)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if reply.Term > n.currentTerm {
		n.becomeFollower(reply.Term)
		return
	}

	if n.state != Leader || n.currentTerm != term {
		return
	}

	if reply.Success {
		newNextIndex := nextIdx + uint64(len(entries))
		if newNextIndex > n.nextIndex[peer] {
			n.nextIndex[peer] = newNextIndex
		}
		newMatchIndex := newNextIndex - 1
		if newMatchIndex > n.matchIndex[peer] {
			n.matchIndex[peer] = newMatchIndex
		}
		n.tryAdvanceCommitIndex()
		return
	}

	// Back up nextIndex using the follower's conflict hints.
	if reply.ConflictTerm > 0 {
		lastIndex := uint64(0)
		for i := len(n.log) - 1; i >= 0; i-- {
			if n.log[i].Term == reply.ConflictTerm {
				lastIndex = n.log[i].Index
				break
			}
		}
		if lastIndex > 0 {
			n.nextIndex[peer] = lastIndex + 1
		} else {
			n.nextIndex[peer] = reply.ConflictIndex
		}
	} else if reply.ConflictIndex > 0 {
		n.nextIndex[peer] = reply.ConflictIndex
	} else if n.nextIndex[peer] > 1 {
		n.nextIndex[peer]--
	}
}

func (n *Node) logIndexToArrayIndex(logIndex uint64) int {
	if logIndex >= uint64(len(n.log)) {
		return -1
	}
	return int(logIndex)
}

// tryAdvanceCommitIndex advances commitIndex to the highest index
// replicated on a majority, restricted to entries from the current
// term. Caller holds mu.
func (n *Node) tryAdvanceCommitIndex() {
	if n.state != Leader {
		return
	}

	clusterSize := n.clusterSize()
	matchIndices := make([]uint64, 0, clusterSize)
	matchIndices = append(matchIndices, n.getLastLogIndex())
	for _, peer := range n.config.Peers {
		matchIndices = append(matchIndices, n.matchIndex[peer])
	}

	sort.Slice(matchIndices, func(i, j int) bool {
		return matchIndices[i] < matchIndices[j]
	})

	// With an ascending sort, the highest index replicated on a strict
	// majority (clusterSize/2+1 nodes, the leader included) sits
	// majority-1 positions from the end. For even sizes this rounds up:
	// 2 of 2, 3 of 4.
	majority := clusterSize/2 + 1
	newCommitIndex := matchIndices[len(matchIndices)-majority]

	if newCommitIndex <= n.commitIndex {
		return
	}

	arr := n.logIndexToArrayIndex(newCommitIndex)
	if arr < 0 || n.log[arr].Term != n.currentTerm {
		return
	}

	n.commitIndex = newCommitIndex
	select {
	case n.commitCh <- struct{}{}:
	default:
	}
}

func (n *Node) advanceCommitIndex() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tryAdvanceCommitIndex()
}

func (n *Node) HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &RequestVoteReply{
		Term:        n.currentTerm,
		VoteGranted: false,
	}

	if n.isHalted() || args.Term < n.currentTerm {
		return reply
	}

	if args.Term > n.currentTerm {
		n.becomeFollower(args.Term)
	}

	reply.Term = n.currentTerm

	if (n.votedFor == "" || n.votedFor == args.CandidateID) && n.isLogUpToDate(args.LastLogIndex, args.LastLogTerm) {
		n.votedFor = args.CandidateID
		if err := n.storage.SaveTerm(n.currentTerm, n.votedFor); err != nil {
			n.haltLocked(err)
			return reply
		}
		reply.VoteGranted = true
		n.signalResetTimer()
		n.logger.Info("granted vote",
			zap.String("candidate", args.CandidateID),
			zap.Uint64("term", args.Term))
	}

	return reply
}

func (n *Node) HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &AppendEntriesReply{
		Term:    n.currentTerm,
		Success: false,
	}

	if n.isHalted() || args.Term < n.currentTerm {
		return reply
	}

	if args.Term > n.currentTerm || n.state == Candidate {
		n.becomeFollower(args.Term)
	}

	n.leaderID = args.LeaderID
	n.signalResetTimer()

	reply.Term = n.currentTerm

	if args.PrevLogIndex > 0 {
		arr := n.logIndexToArrayIndex(args.PrevLogIndex)
		if arr < 0 {
			reply.ConflictIndex = n.getLastLogIndex() + 1
			return reply
		}

		if n.log[arr].Term != args.PrevLogTerm {
			conflictTerm := n.log[arr].Term
			reply.ConflictTerm = conflictTerm
			for i := arr; i >= 0; i-- {
				if n.log[i].Term != conflictTerm {
					reply.ConflictIndex = n.log[i+1].Index
					break
				}
				if i == 0 {
					reply.ConflictIndex = n.log[0].Index
				}
			}
			return reply
		}
	}

	// Reconcile entries: truncate on the first term mismatch, append
	// what is new, and persist both before acknowledging.
	truncatedFrom := uint64(0)
	var appended []LogEntry
	for i, entry := range args.Entries {
		idx := args.PrevLogIndex + 1 + uint64(i)
		arr := n.logIndexToArrayIndex(idx)
		if arr >= 0 {
			if n.log[arr].Term == entry.Term {
				continue
			}
			n.log = n.log[:arr]
			truncatedFrom = idx
		}
		n.log = append(n.log, entry)
		appended = append(appended, entry)
	}

	if truncatedFrom > 0 {
		if err := n.storage.TruncateFrom(truncatedFrom); err != nil {
			n.haltLocked(err)
			return reply
		}
	}
	if len(appended) > 0 {
		if err := n.storage.AppendEntries(appended); err != nil {
			n.haltLocked(err)
			return reply
		}
	}

	if args.LeaderCommit > n.commitIndex {
		lastNewIndex := args.PrevLogIndex + uint64(len(args.Entries))
		if args.LeaderCommit < lastNewIndex {
			n.commitIndex = args.LeaderCommit
		} else {
			n.commitIndex = lastNewIndex
		}
		select {
		case n.commitCh <- struct{}{}:
		default:
		}
	}

	reply.Success = true
	return reply
}

// SubmitWithResult proposes command bytes and waits for the entry to
// commit and apply, returning the state machine's reply. The proposal
// is registered before the lock is released so a fast commit cannot
// race past it.
func (n *Node) SubmitWithResult(ctx context.Context, command []byte) (CommitResult, error) {
	n.mu.Lock()
	if n.isHalted() {
		n.mu.Unlock()
		return CommitResult{}, ErrHalted
	}
	if n.isStopped() {
		n.mu.Unlock()
		return CommitResult{}, ErrStopped
	}
	if n.state != Leader {
		n.mu.Unlock()
		return CommitResult{}, ErrNotLeader
	}

	entry := LogEntry{
		Index:   n.getLastLogIndex() + 1,
		Term:    n.currentTerm,
		Type:    EntryNormal,
		Command: command,
	}
	if err := n.storage.AppendEntries([]LogEntry{entry}); err != nil {
		n.haltLocked(err)
		n.mu.Unlock()
		return CommitResult{}, ErrHalted
	}
	n.log = append(n.log, entry)

	resultCh := make(chan CommitResult, 1)
	n.pendingCommands[entry.Index] = &PendingCommand{
		Index:    entry.Index,
		Term:     entry.Term,
		ResultCh: resultCh,
	}
	n.mu.Unlock()

	// Replicate immediately rather than waiting for the next tick.
	n.sendHeartbeats()
	n.advanceCommitIndex()

	select {
	case result := <-resultCh:
		if result.Error != nil {
			return result, result.Error
		}
		return result, nil
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.pendingCommands, entry.Index)
		n.mu.Unlock()
		return CommitResult{}, ctx.Err()
	case <-n.stopCh:
		n.mu.Lock()
		delete(n.pendingCommands, entry.Index)
		n.mu.Unlock()
		return CommitResult{}, ErrStopped
	}
}

func (n *Node) applyLoop() {
	for {
		select {
		case <-n.stopCh:
			return
		case <-n.commitCh:
			n.applyCommitted()
		case <-time.After(100 * time.Millisecond):
			n.applyCommitted()
		}
	}
}

func (n *Node) applyCommitted() {
	if n.isHalted() {
		return
	}

	n.mu.RLock()
	commitIndex := n.commitIndex
	lastApplied := n.lastApplied
	n.mu.RUnlock()

	for i := lastApplied + 1; i <= commitIndex; i++ {
		n.mu.RLock()
		arr := n.logIndexToArrayIndex(i)
		if arr < 0 {
			n.mu.RUnlock()
			return
		}
		entry := n.log[arr]
		n.mu.RUnlock()

		value, err := n.stateMachine.Apply(entry.Index, entry.Command)

		n.mu.Lock()
		if err != nil {
			n.haltLocked(err)
			n.mu.Unlock()
			return
		}
		n.lastApplied = i

		if pending, ok := n.pendingCommands[i]; ok {
			result := CommitResult{Index: i, Term: entry.Term, Value: value}
			if pending.Term != entry.Term {
				// The slot was overwritten by a different leader.
				result = CommitResult{Index: i, Error: ErrNotLeader}
			}
			select {
			case pending.ResultCh <- result:
			default:
			}
			delete(n.pendingCommands, i)
		}
		n.mu.Unlock()
	}
}

// becomeFollower steps down into term. Caller holds mu.
func (n *Node) becomeFollower(term uint64) {
	n.logger.Info("becoming follower", zap.Uint64("term", term))
	n.state = Follower
	n.currentTerm = term
	n.votedFor = ""
	n.leaderID = ""

	n.failPending(ErrNotLeader)

	if err := n.storage.SaveTerm(n.currentTerm, n.votedFor); err != nil {
		n.haltLocked(err)
		return
	}
	n.signalResetTimer()
}

// becomeLeader transitions to leader and appends a no-op entry so the
// new term has something to commit immediately. Caller holds mu.
func (n *Node) becomeLeader() {
	n.logger.Info("becoming leader", zap.Uint64("term", n.currentTerm))
	n.state = Leader
	n.leaderID = n.id

	lastLogIndex := n.getLastLogIndex()
	for _, peer := range n.config.Peers {
		n.nextIndex[peer] = lastLogIndex + 1
		n.matchIndex[peer] = 0
	}

	noop := LogEntry{
		Index: lastLogIndex + 1,
		Term:  n.currentTerm,
		Type:  EntryNoop,
	}
	if err := n.storage.AppendEntries([]LogEntry{noop}); err != nil {
		n.haltLocked(err)
		return
	}
	n.log = append(n.log, noop)
	n.tryAdvanceCommitIndex()
}

func (n *Node) getLastLogIndex() uint64 {
	return n.log[len(n.log)-1].Index
}

func (n *Node) getLastLogTerm() uint64 {
	return n.log[len(n.log)-1].Term
}

func (n *Node) isLogUpToDate(lastLogIndex, lastLogTerm uint64) bool {
	myLastTerm := n.getLastLogTerm()
	myLastIndex := n.getLastLogIndex()

	if lastLogTerm != myLastTerm {
		return lastLogTerm > myLastTerm
	}
	return lastLogIndex >= myLastIndex
}

func (n *Node) clusterSize() int {
	return len(n.config.Peers) + 1
}

func (n *Node) randomElectionTimeout() time.Duration {
	min := int64(n.config.ElectionTimeoutMin)
	max := int64(n.config.ElectionTimeoutMax)
	return time.Duration(min + rand.Int63n(max-min))
}

func (n *Node) signalResetTimer() {
	select {
	case n.resetTimer <- struct{}{}:
	default:
	}
}

// Getters

// State returns the current term and whether this node is the leader.
func (n *Node) State() (uint64, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.currentTerm, n.state == Leader
}

// LeaderID returns the last known leader id, empty if unknown.
func (n *Node) LeaderID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.leaderID
}

func (n *Node) ID() string {
	return n.id
}

func (n *Node) IsLeader() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state == Leader
}

func (n *Node) CommitIndex() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.commitIndex
}

func (n *Node) LastLogIndex() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.getLastLogIndex()
}
