package raftpb

import (
	"errors"
	"fmt"
)

// NotLeaderError is returned by a peer that is not the leader. It may carry
// a refreshed peer list and a suggested leader; either may be empty.
type NotLeaderError struct {
	ServerID        string `codec:"serverId"`
	Peers           []Peer `codec:"peers"`
	SuggestedLeader string `codec:"suggestedLeader"`
}

func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("server %s is not the leader, suggested leader: %q", e.ServerID, e.SuggestedLeader)
}

// LeaderNotReadyError is returned by the leader before it is ready to serve.
// The caller retries against the same leader.
type LeaderNotReadyError struct {
	ServerID string `codec:"serverId"`
}

func (e *LeaderNotReadyError) Error() string {
	return fmt.Sprintf("leader %s is not ready yet", e.ServerID)
}

// GroupMismatchError is terminal: the request targeted the wrong raft group.
type GroupMismatchError struct {
	ServerID string `codec:"serverId"`
	GroupID  string `codec:"groupId"`
}

func (e *GroupMismatchError) Error() string {
	return fmt.Sprintf("server %s does not belong to group %s", e.ServerID, e.GroupID)
}

// StateMachineError is terminal: the state machine failed to apply the
// request. The cause is surfaced to the caller unchanged.
type StateMachineError struct {
	ServerID string `codec:"serverId"`
	Cause    string `codec:"cause"`
}

func (e *StateMachineError) Error() string {
	return fmt.Sprintf("state machine error on %s: %s", e.ServerID, e.Cause)
}

// IsNotLeader reports whether err is a NotLeaderError and returns it.
func IsNotLeader(err error) (*NotLeaderError, bool) {
	var nle *NotLeaderError
	ok := errors.As(err, &nle)
	return nle, ok
}

// IsLeaderNotReady reports whether err is a LeaderNotReadyError.
func IsLeaderNotReady(err error) bool {
	var lnr *LeaderNotReadyError
	return errors.As(err, &lnr)
}

// IsGroupMismatch reports whether err is a GroupMismatchError.
func IsGroupMismatch(err error) bool {
	var gme *GroupMismatchError
	return errors.As(err, &gme)
}
