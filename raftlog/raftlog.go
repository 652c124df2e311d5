package raftlog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/appcoreopc/incubator-ratis/config"
	"github.com/appcoreopc/incubator-ratis/raftpb"
)

var (
	// ErrLogNotOpen is returned before Open.
	ErrLogNotOpen = errors.New("raftlog: log is not open")

	// ErrLogClosed is returned once the log has been closed.
	ErrLogClosed = errors.New("raftlog: log is closed")
)

// IOError is fatal to the log: the worker poisons itself and the facade
// refuses further writes until reopened.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("raftlog: %s failed: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Server is the facade's view of the raft server. Follower progress and
// the applied index bound cache eviction; FailClientRequest notifies a
// client whose entry was truncated away.
type Server interface {
	GetID() string
	GetFollowerNextIndices() map[string]int64
	GetLastAppliedIndex() int64
	FailClientRequest(*raftpb.LogEntry)
}

// SegmentedRaftLog writes log entries into segmented files on local disk.
//
// The max segment size defaults to 8MB; a single entry larger than the
// limit is appended to the open segment without rolling it first, and the
// segment rolls on the next append. Closed segments are named
// log_<start>-<end>, the open one log_inprogress_<start>. When the open
// segment reaches the size limit, or the term increases, it is closed and
// a new open segment starts. Closed segments never change except by
// truncation, and are never empty. There is no index gap between segments.
//
// One writer at a time holds the write lock; readers share the read lock.
// Appends and reads do no file I/O while a lock is held: writes are handed
// to the worker, and the slow read path loads entries after releasing the
// lock. Open, and the bulk Append when it fails the client requests of
// evicted entries, do read segment files under the write lock.
type SegmentedRaftLog struct {
	selfID  string
	server  Server
	storage *Storage

	segmentMaxSize int64

	mu     sync.RWMutex
	cache  *logCache
	opened bool
	closed bool

	worker   *worker
	metaFile *MetaFile

	// evictc wakes appenders waiting for an evictable segment.
	evictc chan struct{}
}

// New creates a log over the storage directory. Call Open before use.
func New(selfID string, server Server, storage *Storage, cfg *config.Config) *SegmentedRaftLog {
	if cfg == nil {
		cfg = config.Default()
	}
	l := &SegmentedRaftLog{
		selfID:         selfID,
		server:         server,
		storage:        storage,
		segmentMaxSize: cfg.Log.SegmentSizeMax,
		cache:          newLogCache(cfg.Log.CacheMaxSegments),
		metaFile:       newMetaFile(storage.MetaFilePath()),
		evictc:         make(chan struct{}, 1),
	}
	l.worker = newWorker(storage, cfg.Log.FlushEntries, cfg.Log.FlushInterval.Std(), l.signalEvictable)
	return l
}

// Open loads all segments in order and replays every entry with index
// greater than lastIndexInSnapshot through consumer. If the log ends
// before the snapshot, keeping it would leave a gap, so the cache is
// cleared and all segment files removed.
func (l *SegmentedRaftLog) Open(lastIndexInSnapshot int64, consumer func(*raftpb.LogEntry)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.opened || l.closed {
		return fmt.Errorf("raftlog: open called twice")
	}

	paths, err := l.storage.ListSegmentFiles()
	if err != nil {
		return err
	}

	replay := consumer
	if replay != nil {
		replay = func(e *raftpb.LogEntry) {
			if e.Index > lastIndexInSnapshot {
				consumer(e)
			}
		}
	}
	for i, p := range paths {
		// only the most recent segments keep their entries in memory; the
		// open segment always does, since its tail may not be on disk yet
		keep := p.IsOpen || len(paths)-i <= l.cache.maxCached
		if err := l.cache.loadSegmentFile(p, keep, replay); err != nil {
			return err
		}
	}

	if !l.cache.isEmpty() && l.cache.endIndex() < lastIndexInSnapshot {
		logger.Warningf("%s: end log index %d is smaller than last index in snapshot %d; dropping the log",
			l.selfID, l.cache.endIndex(), lastIndexInSnapshot)
		l.cache.clear()
		if err := l.storage.RemoveAllSegmentFiles(); err != nil {
			return err
		}
	}

	lastDurable := l.cache.endIndex()
	if lastIndexInSnapshot > lastDurable {
		lastDurable = lastIndexInSnapshot
	}
	if err := l.worker.start(lastDurable, l.cache.getOpenSegment()); err != nil {
		return err
	}
	l.opened = true
	logger.Infof("%s: opened log at %q, start=%d end=%d", l.selfID, l.storage.CurrentDir(),
		l.cache.startIndex(), l.cache.endIndex())
	return nil
}

func (l *SegmentedRaftLog) checkLogState() error {
	if l.closed {
		return ErrLogClosed
	}
	if !l.opened {
		return ErrLogNotOpen
	}
	if err := l.worker.err(); err != nil {
		return err
	}
	return nil
}

// GetStartIndex returns the log's first index.
func (l *SegmentedRaftLog) GetStartIndex() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cache.startIndex()
}

// GetEndIndex returns the log's last index.
func (l *SegmentedRaftLog) GetEndIndex() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cache.endIndex()
}

// GetLatestFlushedIndex returns the highest index durably on disk.
func (l *SegmentedRaftLog) GetLatestFlushedIndex() int64 {
	return l.worker.getFlushedIndex()
}

// Get returns the entry at index, or nil when index is outside the log.
// The fast path serves from the segment cache under the read lock; the
// slow path releases the lock, loads the segment's entries from disk, and
// may trigger cache eviction first.
func (l *SegmentedRaftLog) Get(index int64) (*raftpb.LogEntry, error) {
	if err := l.checkLogState(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	seg := l.cache.getSegment(index)
	if seg == nil {
		l.mu.RUnlock()
		return nil, nil
	}
	if _, ok := seg.Record(index); !ok {
		l.mu.RUnlock()
		return nil, nil
	}
	if e, ok := seg.EntryInMemory(index); ok {
		l.mu.RUnlock()
		return e, nil
	}
	path := l.storage.SegmentFilePath(seg.StartIndex(), seg.EndIndex(), seg.IsOpen())
	l.mu.RUnlock()

	l.checkAndEvictCache()
	if err := seg.LoadEntries(path); err != nil {
		return nil, &IOError{Op: "LoadEntries", Err: err}
	}
	e, _ := seg.EntryInMemory(index)
	return e, nil
}

// GetTermIndex returns the (term, index) of the entry at index.
func (l *SegmentedRaftLog) GetTermIndex(index int64) (raftpb.TermIndex, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.cache.getRecord(index)
	if !ok {
		return raftpb.TermIndex{}, false
	}
	return rec.TermIndex, true
}

// GetEntries returns the (term, index) pairs in [lo, hi).
func (l *SegmentedRaftLog) GetEntries(lo, hi int64) []raftpb.TermIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cache.getTermIndices(lo, hi)
}

// GetLastEntryTermIndex returns the (term, index) of the last entry.
func (l *SegmentedRaftLog) GetLastEntryTermIndex() (raftpb.TermIndex, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cache.lastTermIndex()
}

// AppendEntry appends one entry and returns the future that resolves when
// the entry is durable. The open segment rolls first when full or when the
// entry's term moves past the segment's last term; a term going backward
// is a programmer error and panics.
func (l *SegmentedRaftLog) AppendEntry(e *raftpb.LogEntry) (*Future, error) {
	if err := l.checkLogState(); err != nil {
		return nil, err
	}
	data, err := e.Marshal()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendEntryLocked(e, data)
}

func (l *SegmentedRaftLog) appendEntryLocked(e *raftpb.LogEntry, data []byte) (*Future, error) {
	logger.Debugf("%s: appendEntry %s", l.selfID, e)
	recN := recordSize(len(data))

	open := l.cache.getOpenSegment()
	if open != nil {
		if ti, ok := open.LastTermIndex(); ok && ti.Term > e.Term {
			logger.Panicf("%s: open segment's term %d is larger than the new entry's term %d",
				l.selfID, ti.Term, e.Term)
		}
	}
	switch {
	case open == nil:
		l.cache.addOpenSegment(e.Index)
		l.worker.startSegment(e.Index)

	case l.isSegmentFull(open, recN):
		l.rollLocked(e.Index)

	case open.NumEntries() > 0:
		if ti, _ := open.LastTermIndex(); ti.Term != e.Term {
			l.rollLocked(e.Index)
		}
	}

	l.cache.appendEntry(e, recN)
	return l.worker.writeEntry(e.Index, data), nil
}

// rollLocked closes the open segment in cache and worker, then waits for
// cache capacity before the new open segment accumulates entries.
func (l *SegmentedRaftLog) rollLocked(nextIndex int64) {
	open := l.cache.getOpenSegment()
	start, end := open.StartIndex(), open.EndIndex()
	l.cache.rollOpenSegment()
	l.worker.rollSegment(start, end, nextIndex)
	l.checkAndEvictCacheLocked()
	l.waitEvictableLocked()
}

func (l *SegmentedRaftLog) isSegmentFull(s *Segment, recN int64) bool {
	if s.TotalSize() >= l.segmentMaxSize {
		return true
	}
	// an entry bigger than a whole segment goes into the current segment
	// directly; it would not fit a fresh one either
	return recN <= l.segmentMaxSize && s.TotalSize()+recN > l.segmentMaxSize
}

// Append is the bulk path used by followers. It walks the existing log in
// parallel with the supplied entries; at the first index whose term
// differs the log truncates from there, failing the client requests of
// the discarded entries, and appends the remainder.
func (l *SegmentedRaftLog) Append(entries ...*raftpb.LogEntry) ([]*Future, error) {
	if err := l.checkLogState(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	truncateIndex := raftpb.InvalidLogIndex
	next := 0
	for ; next < len(entries); next++ {
		e := entries[next]
		rec, ok := l.cache.getRecord(e.Index)
		if !ok {
			break
		}
		if rec.Index != e.Index {
			logger.Panicf("%s: stored entry's index %d is not consistent with entries[%d]'s index %d",
				l.selfID, rec.Index, next, e.Index)
		}
		if rec.Term != e.Term {
			truncateIndex = e.Index
			l.failSupersededRequestsLocked(truncateIndex)
			break
		}
	}

	var futures []*Future
	if truncateIndex != raftpb.InvalidLogIndex {
		futures = append(futures, l.truncateLocked(truncateIndex))
	}
	for ; next < len(entries); next++ {
		data, err := entries[next].Marshal()
		if err != nil {
			return futures, err
		}
		f, err := l.appendEntryLocked(entries[next], data)
		if err != nil {
			return futures, err
		}
		futures = append(futures, f)
	}
	return futures, nil
}

// failSupersededRequestsLocked notifies the server about every stored
// entry from index to the end, right before they are truncated away.
func (l *SegmentedRaftLog) failSupersededRequestsLocked(index int64) {
	if l.server == nil {
		return
	}
	for i := index; i <= l.cache.endIndex(); i++ {
		e, err := l.getWithinLock(i)
		if err != nil || e == nil {
			logger.Errorf("%s: failed to read log entry %d for truncation: %v", l.selfID, i, err)
			continue
		}
		l.server.FailClientRequest(e)
	}
}

// getWithinLock reads an entry while the write lock is held; the bulk
// append path needs entries that may already be evicted.
func (l *SegmentedRaftLog) getWithinLock(index int64) (*raftpb.LogEntry, error) {
	seg := l.cache.getSegment(index)
	if seg == nil {
		return nil, nil
	}
	if e, ok := seg.EntryInMemory(index); ok {
		return e, nil
	}
	path := l.storage.SegmentFilePath(seg.StartIndex(), seg.EndIndex(), seg.IsOpen())
	if err := seg.LoadEntries(path); err != nil {
		return nil, err
	}
	e, _ := seg.EntryInMemory(index)
	return e, nil
}

// Truncate removes every entry with index' >= index.
func (l *SegmentedRaftLog) Truncate(index int64) (*Future, error) {
	if err := l.checkLogState(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.truncateLocked(index), nil
}

func (l *SegmentedRaftLog) truncateLocked(index int64) *Future {
	ts := l.cache.truncate(index)
	if ts == nil {
		return completedFuture(index)
	}
	return l.worker.truncate(ts, index-1)
}

// SyncWithSnapshot aligns durability with a just-installed snapshot:
// fsync everything, then purge segments the snapshot fully covers.
func (l *SegmentedRaftLog) SyncWithSnapshot(lastSnapshotIndex int64) (*Future, error) {
	if err := l.checkLogState(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cache.purgeBelow(lastSnapshotIndex)
	l.mu.Unlock()
	return l.worker.sync(lastSnapshotIndex, lastSnapshotIndex), nil
}

// WriteMetadata durably replaces (currentTerm, votedFor).
func (l *SegmentedRaftLog) WriteMetadata(term int64, votedFor string) error {
	return l.metaFile.Set(term, votedFor)
}

// LoadMetadata reads (currentTerm, votedFor).
func (l *SegmentedRaftLog) LoadMetadata() (Metadata, error) {
	return l.metaFile.Load()
}

// checkAndEvictCache drops evictable segment entries when too many closed
// segments are materialized.
func (l *SegmentedRaftLog) checkAndEvictCache() {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.checkAndEvictCacheLocked()
}

func (l *SegmentedRaftLog) checkAndEvictCacheLocked() {
	if l.server == nil || !l.cache.shouldEvict() {
		return
	}
	l.cache.evictCache(l.server.GetFollowerNextIndices(),
		l.worker.getFlushedIndex(),
		l.server.GetLastAppliedIndex())
}

// waitEvictableLocked blocks the appender while the cache is saturated and
// nothing can be evicted yet. Progress depends on followers, the flush
// pipeline, or the state machine advancing; a follower that never advances
// keeps the log visibly stalled here.
func (l *SegmentedRaftLog) waitEvictableLocked() {
	for l.server != nil && l.cache.shouldEvict() {
		l.checkAndEvictCacheLocked()
		if !l.cache.shouldEvict() {
			return
		}
		logger.Warningf("%s: segment cache saturated (%d cached), waiting for an evictable segment",
			l.selfID, l.cache.cachedClosedCount())
		l.mu.Unlock()
		select {
		case <-l.evictc:
		case <-time.After(100 * time.Millisecond):
		}
		l.mu.Lock()
	}
}

func (l *SegmentedRaftLog) signalEvictable() {
	select {
	case l.evictc <- struct{}{}:
	default:
	}
}

// Close drains the worker, failing nothing that already made it to disk,
// and releases all file handles.
func (l *SegmentedRaftLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.cache.clear()
	l.mu.Unlock()

	l.worker.close()
	return nil
}
