// Package raftpb holds the wire-level types shared by the segmented log
// and the client: log entries, client requests and replies, and the typed
// errors a raft service returns.
package raftpb

import "fmt"

// InvalidLogIndex marks "no index": the end index of an empty log, or the
// snapshot index when no snapshot exists.
const InvalidLogIndex int64 = -1

// TermIndex identifies a log entry by its term and index.
type TermIndex struct {
	Term  int64 `codec:"term"`
	Index int64 `codec:"index"`
}

func (ti TermIndex) String() string {
	return fmt.Sprintf("(t:%d, i:%d)", ti.Term, ti.Index)
}

// LogEntry is a single replicated log entry. Data is opaque to the log.
// ClientID and CallID associate the entry with the client request that
// produced it, so a superseded entry can fail its request on truncation.
type LogEntry struct {
	Term     int64  `codec:"term"`
	Index    int64  `codec:"index"`
	Data     []byte `codec:"data"`
	ClientID string `codec:"clientId"`
	CallID   uint64 `codec:"callId"`
}

// TermIndex returns the entry's (term, index) pair.
func (e *LogEntry) TermIndex() TermIndex {
	return TermIndex{Term: e.Term, Index: e.Index}
}

func (e *LogEntry) String() string {
	return fmt.Sprintf("(t:%d, i:%d), size=%d", e.Term, e.Index, len(e.Data))
}

// Marshal encodes the entry with msgpack.
func (e *LogEntry) Marshal() ([]byte, error) {
	var b []byte
	if err := newEncoderBytes(&b).Encode(e); err != nil {
		return nil, err
	}
	return b, nil
}

// Unmarshal decodes the entry from msgpack bytes.
func (e *LogEntry) Unmarshal(data []byte) error {
	return newDecoderBytes(data).Decode(e)
}

// Peer is a member of the raft group.
type Peer struct {
	ID      string `codec:"id" yaml:"id"`
	Address string `codec:"address" yaml:"address"`
}

func (p Peer) String() string { return p.ID + "|" + p.Address }
