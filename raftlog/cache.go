package raftlog

import (
	"fmt"
	"sort"

	"github.com/appcoreopc/incubator-ratis/raftpb"
)

// SegmentFileInfo names one segment file affected by a truncation.
type SegmentFileInfo struct {
	Start  int64
	End    int64 // original end; InvalidLogIndex for the open segment
	IsOpen bool

	// NewEnd and NewSize describe the surviving prefix when the file is
	// truncated rather than deleted.
	NewEnd  int64
	NewSize int64
}

// TruncationSegments describes the disk work of one cache truncation:
// at most one file truncated in place, plus whole files to delete.
type TruncationSegments struct {
	ToTruncate *SegmentFileInfo
	ToDelete   []SegmentFileInfo
}

// logCache is the ordered collection of segments: zero or more closed
// segments plus at most one open segment, with no index gaps in between.
// It performs no locking; the facade serializes access.
type logCache struct {
	maxCached int

	closed []*Segment
	open   *Segment
}

func newLogCache(maxCached int) *logCache {
	return &logCache{maxCached: maxCached}
}

// loadSegmentFile parses the file described by p into the cache. Segments
// must be loaded in ascending start order with no gaps.
func (c *logCache) loadSegmentFile(p SegmentPath, keepEntries bool, consumer func(*raftpb.LogEntry)) error {
	s, err := loadSegment(p.Path, p.Start, p.IsOpen, keepEntries, consumer)
	if err != nil {
		return err
	}

	if p.IsOpen {
		if c.open != nil {
			return fmt.Errorf("raftlog: two open segments, %d and %d", c.open.start, p.Start)
		}
		c.open = s
		if prev := c.lastClosed(); prev != nil && prev.end+1 != s.start {
			return fmt.Errorf("raftlog: gap between segment [%d, %d] and open segment %d",
				prev.start, prev.end, s.start)
		}
		return nil
	}

	if s.NumEntries() == 0 {
		return fmt.Errorf("raftlog: closed segment %q is empty", p.Path)
	}
	if s.end != p.End {
		logger.Warningf("closed segment [%d, %d] recovered only up to %d", p.Start, p.End, s.end)
	}
	if prev := c.lastClosed(); prev != nil && prev.end+1 != s.start {
		return fmt.Errorf("raftlog: gap between segments [%d, %d] and [%d, %d]",
			prev.start, prev.end, s.start, s.end)
	}
	c.closed = append(c.closed, s)
	return nil
}

func (c *logCache) lastClosed() *Segment {
	if len(c.closed) == 0 {
		return nil
	}
	return c.closed[len(c.closed)-1]
}

func (c *logCache) isEmpty() bool {
	return len(c.closed) == 0 && (c.open == nil || c.open.NumEntries() == 0)
}

func (c *logCache) startIndex() int64 {
	if len(c.closed) > 0 {
		return c.closed[0].start
	}
	if c.open != nil {
		return c.open.start
	}
	return raftpb.InvalidLogIndex
}

func (c *logCache) endIndex() int64 {
	if c.open != nil && c.open.NumEntries() > 0 {
		return c.open.end
	}
	if last := c.lastClosed(); last != nil {
		return last.end
	}
	return raftpb.InvalidLogIndex
}

func (c *logCache) lastTermIndex() (raftpb.TermIndex, bool) {
	if c.open != nil {
		if ti, ok := c.open.LastTermIndex(); ok {
			return ti, true
		}
	}
	if last := c.lastClosed(); last != nil {
		return last.LastTermIndex()
	}
	return raftpb.TermIndex{}, false
}

// getSegment returns the segment containing index, or nil.
// Binary search over closed segment start indices, then the open segment.
func (c *logCache) getSegment(index int64) *Segment {
	if c.open != nil && c.open.contains(index) {
		return c.open
	}
	i := sort.Search(len(c.closed), func(i int) bool {
		return c.closed[i].end >= index
	})
	if i < len(c.closed) && c.closed[i].contains(index) {
		return c.closed[i]
	}
	return nil
}

// getRecord returns the index metadata for the entry at index.
func (c *logCache) getRecord(index int64) (Record, bool) {
	s := c.getSegment(index)
	if s == nil {
		return Record{}, false
	}
	return s.Record(index)
}

// getTermIndices returns the (term, index) pairs in [lo, hi).
func (c *logCache) getTermIndices(lo, hi int64) []raftpb.TermIndex {
	if lo >= hi {
		return nil
	}
	var tis []raftpb.TermIndex
	for index := lo; index < hi; index++ {
		rec, ok := c.getRecord(index)
		if !ok {
			break
		}
		tis = append(tis, rec.TermIndex)
	}
	return tis
}

// addOpenSegment creates the open segment starting at start.
func (c *logCache) addOpenSegment(start int64) {
	if c.open != nil {
		logger.Panicf("open segment %d already exists when adding %d", c.open.start, start)
	}
	c.open = newOpenSegment(start)
}

// rollOpenSegment closes the open segment and starts a fresh one right
// after it.
func (c *logCache) rollOpenSegment() {
	if c.open == nil || c.open.NumEntries() == 0 {
		logger.Panicf("rolling an empty open segment")
	}
	next := c.open.end + 1
	c.open.close()
	c.closed = append(c.closed, c.open)
	c.open = newOpenSegment(next)
}

// appendEntry adds the entry to the open segment. recN is the framed size
// of the entry's record on disk.
func (c *logCache) appendEntry(e *raftpb.LogEntry, recN int64) {
	if c.open == nil {
		logger.Panicf("appending entry %s with no open segment", e)
	}
	c.open.AppendEntry(e, recN)
}

// truncate removes every entry with index' >= index and reports the disk
// work left for the worker. Returns nil when there is nothing to remove.
func (c *logCache) truncate(index int64) *TruncationSegments {
	if index > c.endIndex() || index < c.startIndex() {
		return nil
	}

	ts := &TruncationSegments{}

	if c.open != nil {
		if c.open.start >= index {
			// the open segment vanishes entirely
			ts.ToDelete = append(ts.ToDelete, SegmentFileInfo{
				Start: c.open.start, End: raftpb.InvalidLogIndex, IsOpen: true,
			})
			c.open = nil
		} else if c.open.contains(index) {
			// the open segment keeps a prefix; it becomes a closed segment
			newSize := c.open.TruncateTo(index)
			ts.ToTruncate = &SegmentFileInfo{
				Start: c.open.start, End: raftpb.InvalidLogIndex, IsOpen: true,
				NewEnd: c.open.end, NewSize: newSize,
			}
			c.open.close()
			c.closed = append(c.closed, c.open)
			c.open = nil
			return ts
		}
	}

	// whole closed segments past index are deleted; the one containing
	// index is truncated in place. A truncated closed segment keeps at
	// least one entry since index > its start here.
	for len(c.closed) > 0 {
		s := c.lastClosed()
		if s.end < index {
			break
		}
		if s.start >= index {
			ts.ToDelete = append(ts.ToDelete, SegmentFileInfo{Start: s.start, End: s.end})
			c.closed = c.closed[:len(c.closed)-1]
			continue
		}
		origEnd := s.end
		newSize := s.TruncateTo(index)
		ts.ToTruncate = &SegmentFileInfo{
			Start: s.start, End: origEnd,
			NewEnd: s.end, NewSize: newSize,
		}
		break
	}

	if ts.ToTruncate == nil && len(ts.ToDelete) == 0 {
		return nil
	}
	return ts
}

// cachedClosedCount returns how many closed segments still hold their
// entry arrays.
func (c *logCache) cachedClosedCount() int {
	n := 0
	for _, s := range c.closed {
		if s.HasEntries() {
			n++
		}
	}
	return n
}

// shouldEvict reports whether more closed segments are materialized than
// maxCached allows.
func (c *logCache) shouldEvict() bool {
	return c.cachedClosedCount() > c.maxCached
}

// evictCache drops entry arrays of closed segments that nothing can need
// again: endIndex below the minimum of every follower's next index, the
// flushed index, and the last applied index.
func (c *logCache) evictCache(followerNextIndices map[string]int64, flushedIndex, lastAppliedIndex int64) {
	safe := flushedIndex
	if lastAppliedIndex < safe {
		safe = lastAppliedIndex
	}
	for _, next := range followerNextIndices {
		if next < safe {
			safe = next
		}
	}

	for _, s := range c.closed {
		if s.end < safe && s.HasEntries() {
			logger.Debugf("evicting entries of segment [%d, %d]", s.start, s.end)
			s.Evict()
		}
	}
}

// purgeBelow removes closed segments entirely covered by a snapshot.
func (c *logCache) purgeBelow(index int64) {
	i := 0
	for ; i < len(c.closed); i++ {
		if c.closed[i].end >= index {
			break
		}
	}
	c.closed = c.closed[i:]
}

func (c *logCache) getOpenSegment() *Segment { return c.open }

func (c *logCache) clear() {
	c.closed = nil
	c.open = nil
}
