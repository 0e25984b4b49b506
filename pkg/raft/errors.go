package raft

import "errors"

var (
	// ErrNotLeader is returned when a proposal reaches a non-leader,
	// or when leadership is lost while a proposal is in flight.
	ErrNotLeader = errors.New("not the leader")

	// ErrTimeout is returned when a proposal does not commit in time.
	ErrTimeout = errors.New("operation timed out")

	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("node stopped")

	// ErrHalted is returned after a durability failure. The node no
	// longer accepts proposals or peer RPCs; recovery requires operator
	// intervention.
	ErrHalted = errors.New("node halted after storage failure")
)
