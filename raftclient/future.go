package raftclient

import (
	"errors"
	"sync"

	"github.com/appcoreopc/incubator-ratis/raftpb"
)

// ErrCanceled is the result of a future dropped via Cancel.
var ErrCanceled = errors.New("raftclient: request canceled")

type replyResult struct {
	reply *raftpb.ClientReply
	err   error
}

// ReplyFuture resolves exactly once with the reply to an async request.
// Dropping the future via Cancel releases its semaphore permit; the
// request itself may still reach the server, where the retry cache keeps
// it at-most-once.
type ReplyFuture struct {
	c    chan replyResult
	once sync.Once

	// release returns the outstanding-request permit; runs exactly once,
	// whichever completion path fires first.
	release func()

	mu  sync.Mutex
	res *replyResult

	cancel func()
}

func newReplyFuture(release func()) *ReplyFuture {
	if release == nil {
		release = func() {}
	}
	return &ReplyFuture{
		c:       make(chan replyResult, 1),
		release: release,
	}
}

func (f *ReplyFuture) complete(reply *raftpb.ClientReply, err error) {
	f.once.Do(func() {
		f.c <- replyResult{reply: reply, err: err}
		f.release()
	})
}

// Get blocks until the future resolves. Safe to call repeatedly.
func (f *ReplyFuture) Get() (*raftpb.ClientReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.res == nil {
		r := <-f.c
		f.res = &r
	}
	return f.res.reply, f.res.err
}

// IsDone reports whether the future has resolved.
func (f *ReplyFuture) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.res != nil {
		return true
	}
	select {
	case r := <-f.c:
		f.res = &r
		return true
	default:
		return false
	}
}

// Cancel resolves the future with ErrCanceled, releases the permit, and
// retires the request from its window so later requests keep flowing.
func (f *ReplyFuture) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
	f.complete(nil, ErrCanceled)
}
