// Package raftclient implements the retrying raft client: per-target
// sliding windows for ordered at-most-once delivery, a bounded async
// pipeline, and the leader-hint retry machine.
package raftclient

import (
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/appcoreopc/incubator-ratis/config"
	"github.com/appcoreopc/incubator-ratis/pkg/idutil"
	"github.com/appcoreopc/incubator-ratis/pkg/scheduleutil"
	"github.com/appcoreopc/incubator-ratis/pkg/xlog"
	"github.com/appcoreopc/incubator-ratis/raftpb"
)

var logger = xlog.NewLogger("raftclient", xlog.INFO)

// raftWindowKey routes leader-bound requests; stale reads get a window
// per target peer instead.
const raftWindowKey = "RAFT"

// Result is one async transport outcome.
type Result struct {
	Reply *raftpb.ClientReply
	Err   error
}

// ClientRPC is the transport the client drives. Implementations deliver a
// nil reply and nil error for a timeout; typed raftpb errors ride either
// in the reply or as the error.
type ClientRPC interface {
	SendRequest(req *raftpb.ClientRequest) (*raftpb.ClientReply, error)
	SendRequestAsync(req *raftpb.ClientRequest) <-chan Result
	AddServers(peers []raftpb.Peer)
	HandleException(peerID string, err error, changeLeader bool)
	Close() error
}

// Client sends requests to a raft service.
type Client struct {
	id      string
	groupID string
	rpc     ClientRPC

	retryInterval time.Duration

	callIDs *idutil.Generator
	sched   *scheduleutil.Scheduler

	// sem bounds outstanding async requests; sync sends bypass it
	sem chan struct{}

	mu       sync.Mutex
	peers    []raftpb.Peer
	leaderID string

	wmu     sync.Mutex
	windows map[string]*slidingWindow
}

// NewClient builds a client for the given group. leaderID may be empty;
// the first peer is then assumed until a leader hint arrives.
func NewClient(clientID, groupID string, peers []raftpb.Peer, leaderID string, rpc ClientRPC, cfg *config.Config) *Client {
	if cfg == nil {
		cfg = config.Default()
	}
	if leaderID == "" && len(peers) > 0 {
		leaderID = peers[0].ID
	}

	h := fnv.New32a()
	h.Write([]byte(clientID))

	c := &Client{
		id:            clientID,
		groupID:       groupID,
		rpc:           rpc,
		retryInterval: cfg.RPC.Timeout.Std(),
		callIDs:       idutil.NewGenerator(uint16(h.Sum32()), time.Now()),
		sched:         scheduleutil.NewScheduler(cfg.Async.SchedulerThreads),
		sem:           make(chan struct{}, cfg.Async.MaxOutstandingRequests),
		peers:         append([]raftpb.Peer(nil), peers...),
		leaderID:      leaderID,
		windows:       make(map[string]*slidingWindow),
	}
	rpc.AddServers(peers)
	return c
}

// GetID returns the client id.
func (c *Client) GetID() string { return c.id }

// GetLeaderID returns the current leader guess.
func (c *Client) GetLeaderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID
}

func (c *Client) getWindow(target string) *slidingWindow {
	key := target
	if key == "" {
		key = raftWindowKey
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	w := c.windows[key]
	if w == nil {
		w = newSlidingWindow(c.id + "->" + key)
		c.windows[key] = w
	}
	return w
}

func (c *Client) windowFor(req *raftpb.ClientRequest) *slidingWindow {
	if req.IsStaleRead() {
		return c.getWindow(req.ServerID)
	}
	return c.getWindow("")
}

// Send sends a WRITE through consensus and blocks for the reply.
func (c *Client) Send(message []byte) (*raftpb.ClientReply, error) {
	return c.send(raftpb.WRITE, message, 0, "")
}

// SendReadOnly sends a READ through consensus and blocks for the reply.
func (c *Client) SendReadOnly(message []byte) (*raftpb.ClientReply, error) {
	return c.send(raftpb.READ, message, 0, "")
}

// SendStaleRead reads from the given peer, requiring its applied index to
// be at least minIndex.
func (c *Client) SendStaleRead(message []byte, minIndex int64, server string) (*raftpb.ClientReply, error) {
	return c.send(raftpb.STALE_READ, message, minIndex, server)
}

// SendAsync sends a WRITE through consensus.
func (c *Client) SendAsync(message []byte) *ReplyFuture {
	return c.sendAsync(raftpb.WRITE, message, 0, "")
}

// SendReadOnlyAsync sends a READ through consensus.
func (c *Client) SendReadOnlyAsync(message []byte) *ReplyFuture {
	return c.sendAsync(raftpb.READ, message, 0, "")
}

// SendStaleReadAsync reads from the given peer asynchronously.
func (c *Client) SendStaleReadAsync(message []byte, minIndex int64, server string) *ReplyFuture {
	return c.sendAsync(raftpb.STALE_READ, message, minIndex, server)
}

// SetConfiguration replaces the group's peer set.
func (c *Client) SetConfiguration(peers []raftpb.Peer) (*raftpb.ClientReply, error) {
	c.addNewServers(peers)
	callID := c.callIDs.Next()
	return c.sendWithRetry(func() *raftpb.ClientRequest {
		return &raftpb.ClientRequest{
			ClientID: c.id, ServerID: c.GetLeaderID(), GroupID: c.groupID,
			CallID: callID, Type: raftpb.SET_CONFIGURATION, Peers: peers,
		}
	})
}

// Reinitialize forces the target peer to join the given group.
func (c *Client) Reinitialize(groupPeers []raftpb.Peer, server string) (*raftpb.ClientReply, error) {
	c.addNewServers(groupPeers)
	callID := c.callIDs.Next()
	return c.sendWithRetry(func() *raftpb.ClientRequest {
		return &raftpb.ClientRequest{
			ClientID: c.id, ServerID: server, GroupID: c.groupID,
			CallID: callID, Type: raftpb.REINITIALIZE, Peers: groupPeers,
		}
	})
}

// ServerInformation queries the given peer.
func (c *Client) ServerInformation(server string) (*raftpb.ClientReply, error) {
	callID := c.callIDs.Next()
	return c.sendWithRetry(func() *raftpb.ClientRequest {
		return &raftpb.ClientRequest{
			ClientID: c.id, ServerID: server, GroupID: c.groupID,
			CallID: callID, Type: raftpb.SERVER_INFORMATION,
		}
	})
}

func (c *Client) newRequest(server string, callID, seqNum uint64, typ raftpb.RequestType, message []byte, minIndex int64) *raftpb.ClientRequest {
	target := server
	if target == "" {
		target = c.GetLeaderID()
	}
	return &raftpb.ClientRequest{
		ClientID: c.id,
		ServerID: target,
		GroupID:  c.groupID,
		CallID:   callID,
		SeqNum:   seqNum,
		Type:     typ,
		Message:  message,
		MinIndex: minIndex,
	}
}

func (c *Client) send(typ raftpb.RequestType, message []byte, minIndex int64, server string) (*raftpb.ClientReply, error) {
	callID := c.callIDs.Next()
	return c.sendWithRetry(func() *raftpb.ClientRequest {
		return c.newRequest(server, callID, 0, typ, message, minIndex)
	})
}

// sendWithRetry loops a blocking send until a reply or a terminal error.
func (c *Client) sendWithRetry(newRequest func() *raftpb.ClientRequest) (*raftpb.ClientReply, error) {
	for {
		req := newRequest()
		reply, err := c.sendRequest(req)
		if err != nil {
			return nil, err
		}
		if reply != nil {
			return reply, nil
		}
		time.Sleep(c.retryInterval)
	}
}

// sendRequest performs one blocking attempt. A nil reply with nil error
// means "retry"; an error is terminal.
func (c *Client) sendRequest(req *raftpb.ClientRequest) (*raftpb.ClientReply, error) {
	logger.Debugf("%s: send %s", c.id, req)
	reply, err := c.rpc.SendRequest(req)
	if err != nil {
		if raftpb.IsGroupMismatch(err) {
			return nil, err
		}
		c.handleIOException(req, err, "")
		return nil, nil
	}
	logger.Debugf("%s: receive %s", c.id, reply)

	reply = c.handleNotLeaderException(req, reply)
	if reply != nil && reply.StateMachine != nil {
		return nil, reply.StateMachine
	}
	return reply, nil
}

func (c *Client) sendAsync(typ raftpb.RequestType, message []byte, minIndex int64, server string) *ReplyFuture {
	// one permit per outstanding request; blocks when saturated
	c.sem <- struct{}{}

	callID := c.callIDs.Next()
	future := newReplyFuture(func() { <-c.sem })

	w := c.getWindowForTarget(server)
	w.submitNewRequest(future, func(seqNum uint64) *raftpb.ClientRequest {
		return c.newRequest(server, callID, seqNum, typ, message, minIndex)
	}, c.sendWithRetryAsync)
	return future
}

func (c *Client) getWindowForTarget(server string) *slidingWindow {
	if server != "" {
		return c.getWindow(server)
	}
	return c.getWindow("")
}

// sendWithRetryAsync fires one async attempt for the pending request and
// arranges the follow-up: ordered delivery on a reply, terminal failure,
// or a scheduled retry.
func (c *Client) sendWithRetryAsync(p *pendingRequest) {
	req := p.newRequest(p.seqNum)
	logger.Debugf("%s: send* %s", c.id, req)
	resc := c.rpc.SendRequestAsync(req)

	go func() {
		res := <-resc
		if res.Err != nil {
			if raftpb.IsGroupMismatch(res.Err) {
				c.deliver(req, nil, res.Err)
				return
			}
			c.handleIOException(req, res.Err, "")
			c.scheduleRetry(req, p)
			return
		}

		reply := c.handleNotLeaderException(req, res.Reply)
		if reply == nil {
			c.scheduleRetry(req, p)
			return
		}
		if reply.StateMachine != nil {
			c.deliver(req, nil, reply.StateMachine)
			return
		}
		c.deliver(req, reply, nil)
	}()
}

// deliver hands the outcome to the window; futures of the retired prefix
// complete here, preserving seqNum order.
func (c *Client) deliver(req *raftpb.ClientRequest, reply *raftpb.ClientReply, err error) {
	w := c.windowFor(req)
	for _, q := range w.receiveReply(req.SeqNum, reply, err) {
		q.future.complete(q.reply, q.err)
	}
}

func (c *Client) scheduleRetry(req *raftpb.ClientRequest, p *pendingRequest) {
	w := c.windowFor(req)
	c.sched.ScheduleAfter(c.retryInterval, func() {
		if w.shouldRetry(p) {
			c.sendWithRetryAsync(p)
		}
	})
}

// handleNotLeaderException returns nil if the reply is nil or carries a
// NotLeader hint; otherwise the reply unchanged. The hint refreshes the
// peer set and the leader guess.
func (c *Client) handleNotLeaderException(req *raftpb.ClientRequest, reply *raftpb.ClientReply) *raftpb.ClientReply {
	if reply == nil {
		return nil
	}
	nle := reply.NotLeader
	if nle == nil {
		return reply
	}
	c.refreshPeers(nle.Peers)
	c.handleIOException(req, nle, nle.SuggestedLeader)
	return nil
}

func (c *Client) refreshPeers(peers []raftpb.Peer) {
	if len(peers) == 0 {
		return
	}
	c.mu.Lock()
	c.peers = append([]raftpb.Peer(nil), peers...)
	c.mu.Unlock()
	c.rpc.AddServers(peers)
}

func (c *Client) addNewServers(peers []raftpb.Peer) {
	c.mu.Lock()
	known := make(map[string]bool, len(c.peers))
	for _, p := range c.peers {
		known[p.ID] = true
	}
	var fresh []raftpb.Peer
	for _, p := range peers {
		if !known[p.ID] {
			fresh = append(fresh, p)
		}
	}
	c.mu.Unlock()
	if len(fresh) > 0 {
		c.rpc.AddServers(fresh)
	}
}

// handleIOException is the retry state machine's transition on a failed
// attempt: reset the window's ordering, and unless the leader was simply
// not ready, move the leader guess — to the suggested leader when the
// reply named one, otherwise to a random different peer.
func (c *Client) handleIOException(req *raftpb.ClientRequest, err error, suggestedLeader string) {
	logger.Debugf("%s: suggested new leader %q, failed %s with %v", c.id, suggestedLeader, req, err)

	c.windowFor(req).resetFirstSeqNum()
	if raftpb.IsLeaderNotReady(err) {
		return
	}

	oldLeader := req.ServerID
	c.mu.Lock()
	stillLeader := oldLeader == c.leaderID
	newLeader := suggestedLeader
	if newLeader == "" && stillLeader {
		newLeader = randomOtherPeer(c.peers, oldLeader)
	}
	changeLeader := newLeader != "" && stillLeader
	if changeLeader {
		logger.Debugf("%s: change leader from %s to %s", c.id, oldLeader, newLeader)
		c.leaderID = newLeader
	}
	c.mu.Unlock()

	c.rpc.HandleException(oldLeader, err, changeLeader)
}

func randomOtherPeer(peers []raftpb.Peer, exclude string) string {
	var candidates []string
	for _, p := range peers {
		if p.ID != exclude {
			candidates = append(candidates, p.ID)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.Intn(len(candidates))]
}

// Close stops the retry scheduler and the transport.
func (c *Client) Close() error {
	c.sched.Stop()
	return c.rpc.Close()
}
