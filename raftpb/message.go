package raftpb

import "fmt"

// RequestType enumerates client request kinds.
type RequestType int

const (
	WRITE RequestType = iota
	READ
	STALE_READ
	SET_CONFIGURATION
	REINITIALIZE
	SERVER_INFORMATION
)

func (t RequestType) String() string {
	switch t {
	case WRITE:
		return "WRITE"
	case READ:
		return "READ"
	case STALE_READ:
		return "STALE_READ"
	case SET_CONFIGURATION:
		return "SET_CONFIGURATION"
	case REINITIALIZE:
		return "REINITIALIZE"
	case SERVER_INFORMATION:
		return "SERVER_INFORMATION"
	default:
		return fmt.Sprintf("RequestType(%d)", int(t))
	}
}

// ClientRequest is a request from a client to a raft service.
//
// CallID is unique per client process and stable across retries of the same
// logical request; servers dedupe on (ClientID, CallID). SeqNum is assigned
// by the sliding window of the target and orders reply delivery.
type ClientRequest struct {
	ClientID string      `codec:"clientId"`
	ServerID string      `codec:"serverId"`
	GroupID  string      `codec:"groupId"`
	CallID   uint64      `codec:"callId"`
	SeqNum   uint64      `codec:"seqNum"`
	Type     RequestType `codec:"type"`
	Message  []byte      `codec:"message"`

	// MinIndex is the minimum applied index required of the serving peer.
	// Only meaningful for STALE_READ.
	MinIndex int64 `codec:"minIndex"`

	// Peers carries the new configuration for SET_CONFIGURATION and
	// REINITIALIZE requests.
	Peers []Peer `codec:"peers"`
}

func (r *ClientRequest) String() string {
	return fmt.Sprintf("%s->%s: %s call=%d seq=%d", r.ClientID, r.ServerID, r.Type, r.CallID, r.SeqNum)
}

// IsStaleRead returns true if the request must be served by a specific peer.
func (r *ClientRequest) IsStaleRead() bool { return r.Type == STALE_READ }

// Marshal encodes the request with msgpack.
func (r *ClientRequest) Marshal() ([]byte, error) {
	var b []byte
	if err := newEncoderBytes(&b).Encode(r); err != nil {
		return nil, err
	}
	return b, nil
}

// Unmarshal decodes the request from msgpack bytes.
func (r *ClientRequest) Unmarshal(data []byte) error {
	return newDecoderBytes(data).Decode(r)
}

// ClientReply is a raft service's reply to a ClientRequest.
//
// A reply either succeeds, or carries one of the typed failures below.
// NotLeader and StateMachine failures ride inside an otherwise well-formed
// reply; transport-level failures surface as plain errors instead.
type ClientReply struct {
	ClientID string `codec:"clientId"`
	ServerID string `codec:"serverId"`
	GroupID  string `codec:"groupId"`
	CallID   uint64 `codec:"callId"`
	Success  bool   `codec:"success"`
	Message  []byte `codec:"message"`

	NotLeader    *NotLeaderError    `codec:"notLeader"`
	StateMachine *StateMachineError `codec:"stateMachine"`
}

func (r *ClientReply) String() string {
	return fmt.Sprintf("%s<-%s: call=%d success=%v", r.ClientID, r.ServerID, r.CallID, r.Success)
}

// Marshal encodes the reply with msgpack.
func (r *ClientReply) Marshal() ([]byte, error) {
	var b []byte
	if err := newEncoderBytes(&b).Encode(r); err != nil {
		return nil, err
	}
	return b, nil
}

// Unmarshal decodes the reply from msgpack bytes.
func (r *ClientReply) Unmarshal(data []byte) error {
	return newDecoderBytes(data).Decode(r)
}
