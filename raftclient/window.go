package raftclient

import (
	"sync"

	"github.com/appcoreopc/incubator-ratis/raftpb"
)

// pendingRequest is one submitted request inside a sliding window.
// newRequest rebuilds the wire request for every (re)send, so a retry
// after a leader change picks up the new leader while keeping the same
// callId and seqNum.
type pendingRequest struct {
	seqNum     uint64
	newRequest func(seqNum uint64) *raftpb.ClientRequest
	future     *ReplyFuture

	// set once the reply (or terminal error) arrived; delivery still
	// waits for the window prefix
	replied bool
	reply   *raftpb.ClientReply
	err     error
}

// slidingWindow is the per-target FIFO of pending requests. It assigns
// sequence numbers and delivers replies to futures strictly in seqNum
// order: an out-of-order server reply waits until the prefix completes.
type slidingWindow struct {
	name string

	mu          sync.Mutex
	nextSeqNum  uint64
	firstSeqNum uint64
	requests    map[uint64]*pendingRequest
}

func newSlidingWindow(name string) *slidingWindow {
	return &slidingWindow{
		name:     name,
		requests: make(map[uint64]*pendingRequest),
	}
}

// submitNewRequest assigns the next sequence number, registers the
// request, and sends it.
func (w *slidingWindow) submitNewRequest(
	future *ReplyFuture,
	newRequest func(seqNum uint64) *raftpb.ClientRequest,
	send func(*pendingRequest),
) *pendingRequest {
	w.mu.Lock()
	seq := w.nextSeqNum
	w.nextSeqNum++
	if len(w.requests) == 0 {
		w.firstSeqNum = seq
	}
	p := &pendingRequest{seqNum: seq, newRequest: newRequest, future: future}
	w.requests[seq] = p
	w.mu.Unlock()

	future.cancel = func() { w.retire(p) }
	send(p)
	return p
}

// receiveReply records the reply for seq and returns the retired prefix,
// in order, ready for future completion. A reply for a retired or
// already-replied seq is a duplicate and is dropped.
func (w *slidingWindow) receiveReply(seq uint64, reply *raftpb.ClientReply, err error) []*pendingRequest {
	w.mu.Lock()
	defer w.mu.Unlock()

	p := w.requests[seq]
	if p == nil || p.replied {
		return nil
	}
	p.replied = true
	p.reply = reply
	p.err = err
	return w.popRepliedPrefixLocked()
}

func (w *slidingWindow) popRepliedPrefixLocked() []*pendingRequest {
	var ready []*pendingRequest
	for {
		q := w.requests[w.firstSeqNum]
		if q == nil || !q.replied {
			break
		}
		ready = append(ready, q)
		delete(w.requests, w.firstSeqNum)
		w.firstSeqNum++
	}
	return ready
}

// retire marks the request replied without a reply, so a canceled request
// does not block its successors. Ready successors are completed here since
// their replies may already be waiting on the prefix.
func (w *slidingWindow) retire(p *pendingRequest) {
	w.mu.Lock()
	if q := w.requests[p.seqNum]; q != p || p.replied {
		w.mu.Unlock()
		return
	}
	p.replied = true
	p.err = ErrCanceled
	ready := w.popRepliedPrefixLocked()
	w.mu.Unlock()

	for _, q := range ready {
		q.future.complete(q.reply, q.err)
	}
}

// shouldRetry reports whether the request is still outstanding.
func (w *slidingWindow) shouldRetry(p *pendingRequest) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requests[p.seqNum] == p && !p.replied
}

// resetFirstSeqNum restarts the window's ordering at the lowest
// outstanding request, after a leader change invalidated the old stream.
// Re-sends are driven by each request's own retry; the server-side retry
// cache, keyed by (clientId, callId), dedupes whatever arrives twice.
func (w *slidingWindow) resetFirstSeqNum() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.requests) == 0 {
		return
	}
	first := w.nextSeqNum
	for seq := range w.requests {
		if seq < first {
			first = seq
		}
	}
	w.firstSeqNum = first
}

// getFirstSeqNum returns the current window base.
func (w *slidingWindow) getFirstSeqNum() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.firstSeqNum
}

// numPending returns the number of outstanding requests.
func (w *slidingWindow) numPending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.requests)
}
