package raftlog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appcoreopc/incubator-ratis/raftpb"
)

func cacheAppend(t *testing.T, c *logCache, term, index int64) {
	t.Helper()
	e := makeEntry(term, index, []byte("data"))
	data, err := e.Marshal()
	require.NoError(t, err)
	c.appendEntry(e, recordSize(len(data)))
}

// fill builds: closed [0,4], closed [5,9], open from 10 with entries 10..12.
func fillCache(t *testing.T, c *logCache) {
	t.Helper()
	c.addOpenSegment(0)
	for i := int64(0); i <= 4; i++ {
		cacheAppend(t, c, 1, i)
	}
	c.rollOpenSegment()
	for i := int64(5); i <= 9; i++ {
		cacheAppend(t, c, 1, i)
	}
	c.rollOpenSegment()
	for i := int64(10); i <= 12; i++ {
		cacheAppend(t, c, 2, i)
	}
}

func TestCacheLookups(t *testing.T) {
	c := newLogCache(4)
	fillCache(t, c)

	require.Equal(t, int64(0), c.startIndex())
	require.Equal(t, int64(12), c.endIndex())

	for i := int64(0); i <= 12; i++ {
		s := c.getSegment(i)
		require.NotNil(t, s, "index %d", i)
		require.True(t, s.contains(i))
		rec, ok := c.getRecord(i)
		require.True(t, ok)
		require.Equal(t, i, rec.Index)
	}
	require.Nil(t, c.getSegment(13))
	require.Nil(t, c.getSegment(-1))

	tis := c.getTermIndices(3, 7)
	require.Len(t, tis, 4)
	require.Equal(t, int64(3), tis[0].Index)
	require.Equal(t, int64(6), tis[3].Index)

	ti, ok := c.lastTermIndex()
	require.True(t, ok)
	require.Equal(t, raftpb.TermIndex{Term: 2, Index: 12}, ti)
}

func TestCacheNoGapsAcrossSegments(t *testing.T) {
	c := newLogCache(4)
	fillCache(t, c)

	require.Equal(t, int64(4), c.closed[0].EndIndex())
	require.Equal(t, int64(5), c.closed[1].StartIndex())
	require.Equal(t, c.closed[1].EndIndex()+1, c.open.StartIndex())
}

func TestCacheTruncateInsideOpenSegment(t *testing.T) {
	c := newLogCache(4)
	fillCache(t, c)

	ts := c.truncate(11)
	require.NotNil(t, ts)
	require.Empty(t, ts.ToDelete)
	require.NotNil(t, ts.ToTruncate)
	require.True(t, ts.ToTruncate.IsOpen)
	require.Equal(t, int64(10), ts.ToTruncate.NewEnd)

	// the truncated open segment became a closed one
	require.Nil(t, c.getOpenSegment())
	require.Equal(t, int64(10), c.endIndex())
	_, ok := c.getRecord(11)
	require.False(t, ok)
}

func TestCacheTruncateWholeOpenSegment(t *testing.T) {
	c := newLogCache(4)
	fillCache(t, c)

	ts := c.truncate(10)
	require.NotNil(t, ts)
	require.Len(t, ts.ToDelete, 1)
	require.True(t, ts.ToDelete[0].IsOpen)
	require.Nil(t, ts.ToTruncate)
	require.Equal(t, int64(9), c.endIndex())
}

func TestCacheTruncateIntoClosedSegments(t *testing.T) {
	c := newLogCache(4)
	fillCache(t, c)

	ts := c.truncate(7)
	require.NotNil(t, ts)
	// open segment and closed [5,9] tail both go; [5,9] is cut at 7
	require.Len(t, ts.ToDelete, 1)
	require.True(t, ts.ToDelete[0].IsOpen)
	require.NotNil(t, ts.ToTruncate)
	require.Equal(t, int64(5), ts.ToTruncate.Start)
	require.Equal(t, int64(9), ts.ToTruncate.End)
	require.Equal(t, int64(6), ts.ToTruncate.NewEnd)

	require.Equal(t, int64(6), c.endIndex())
	for i := int64(7); i <= 12; i++ {
		_, ok := c.getRecord(i)
		require.False(t, ok, "index %d must be gone", i)
	}
}

func TestCacheTruncateDeletesWholeClosedSegment(t *testing.T) {
	c := newLogCache(4)
	fillCache(t, c)

	ts := c.truncate(5)
	require.NotNil(t, ts)
	require.Len(t, ts.ToDelete, 2) // open segment + closed [5,9]
	require.Nil(t, ts.ToTruncate)
	require.Equal(t, int64(4), c.endIndex())
}

func TestCacheTruncateNothing(t *testing.T) {
	c := newLogCache(4)
	fillCache(t, c)
	require.Nil(t, c.truncate(13))
}

func TestCacheEviction(t *testing.T) {
	c := newLogCache(1)
	fillCache(t, c)
	require.Equal(t, 2, c.cachedClosedCount())
	require.True(t, c.shouldEvict())

	// a slow follower pins both segments
	c.evictCache(map[string]int64{"f1": 0}, 12, 12)
	require.Equal(t, 2, c.cachedClosedCount())

	// follower advanced past the first segment only
	c.evictCache(map[string]int64{"f1": 5}, 12, 12)
	require.Equal(t, 1, c.cachedClosedCount())
	require.False(t, c.closed[0].HasEntries())
	require.True(t, c.closed[1].HasEntries())

	// flushed index pins the second segment even with fast followers
	c.evictCache(map[string]int64{"f1": 100}, 7, 12)
	require.Equal(t, 1, c.cachedClosedCount())

	c.evictCache(map[string]int64{"f1": 100}, 12, 12)
	require.Equal(t, 0, c.cachedClosedCount())
	require.False(t, c.shouldEvict())
}

func TestCachePurgeBelow(t *testing.T) {
	c := newLogCache(4)
	fillCache(t, c)

	c.purgeBelow(10)
	require.Empty(t, c.closed)
	require.Equal(t, int64(10), c.startIndex())
	require.Equal(t, int64(12), c.endIndex())
}
