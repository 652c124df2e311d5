package raftlog

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/appcoreopc/incubator-ratis/config"
	"github.com/appcoreopc/incubator-ratis/raftpb"
)

type fakeServer struct {
	mu        sync.Mutex
	followers map[string]int64
	applied   int64
	failed    []*raftpb.LogEntry
}

func (s *fakeServer) GetID() string { return "s1" }

func (s *fakeServer) GetFollowerNextIndices() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.followers))
	for k, v := range s.followers {
		out[k] = v
	}
	return out
}

func (s *fakeServer) GetLastAppliedIndex() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

func (s *fakeServer) FailClientRequest(e *raftpb.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, e)
}

func (s *fakeServer) setProgress(followers map[string]int64, applied int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followers = followers
	s.applied = applied
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Log.FlushEntries = 1
	cfg.Log.FlushInterval = config.Duration(5 * time.Millisecond)
	return cfg
}

func newTestLog(t *testing.T, dir string, server Server, cfg *config.Config) *SegmentedRaftLog {
	t.Helper()
	storage, err := OpenStorage(dir)
	require.NoError(t, err)
	l := New("s1", server, storage, cfg)
	require.NoError(t, l.Open(raftpb.InvalidLogIndex, nil))
	return l
}

func appendAndWait(t *testing.T, l *SegmentedRaftLog, term, index int64, data []byte) {
	t.Helper()
	f, err := l.AppendEntry(makeEntry(term, index, data))
	require.NoError(t, err)
	idx, err := f.Done()
	require.NoError(t, err)
	require.Equal(t, index, idx)
}

func TestAppendAndGet(t *testing.T) {
	l := newTestLog(t, t.TempDir(), nil, testConfig())
	defer l.Close()

	for i := int64(0); i < 10; i++ {
		appendAndWait(t, l, 1, i, []byte(fmt.Sprintf("entry-%d", i)))
	}

	require.Equal(t, int64(0), l.GetStartIndex())
	require.Equal(t, int64(9), l.GetEndIndex())

	for i := int64(0); i < 10; i++ {
		e, err := l.Get(i)
		require.NoError(t, err)
		require.NotNil(t, e, "no gap allowed at %d", i)
		require.Equal(t, i, e.Index)
		require.Equal(t, []byte(fmt.Sprintf("entry-%d", i)), e.Data)
	}

	// outside the range
	e, err := l.Get(10)
	require.NoError(t, err)
	require.Nil(t, e)

	ti, ok := l.GetLastEntryTermIndex()
	require.True(t, ok)
	require.Equal(t, raftpb.TermIndex{Term: 1, Index: 9}, ti)

	tis := l.GetEntries(2, 5)
	require.Len(t, tis, 3)
	require.Equal(t, int64(2), tis[0].Index)
}

func TestSegmentRollBySize(t *testing.T) {
	cfg := testConfig()
	cfg.Log.SegmentSizeMax = 1024
	l := newTestLog(t, t.TempDir(), nil, cfg)
	defer l.Close()

	data := make([]byte, 50)
	for i := int64(0); i < 40; i++ {
		appendAndWait(t, l, 1, i, data)
	}

	paths, err := l.storage.ListSegmentFiles()
	require.NoError(t, err)

	var closed []SegmentPath
	for _, p := range paths {
		if !p.IsOpen {
			closed = append(closed, p)
		}
	}
	require.GreaterOrEqual(t, len(closed), 2)
	require.Equal(t, int64(0), paths[0].Start)
	require.Equal(t, closed[0].End+1, closed[1].Start)
	for i := 1; i < len(paths); i++ {
		require.Equal(t, paths[i-1].End+1, paths[i].Start, "segments must be contiguous")
	}

	// combined indices 0..39 with no gap
	require.Equal(t, int64(39), l.GetEndIndex())
	for i := int64(0); i < 40; i++ {
		e, err := l.Get(i)
		require.NoError(t, err)
		require.NotNil(t, e, "gap at %d", i)
	}
}

func TestSegmentRollByTermChange(t *testing.T) {
	dir := t.TempDir()
	l := newTestLog(t, dir, nil, testConfig())
	defer l.Close()

	for i := int64(0); i <= 4; i++ {
		appendAndWait(t, l, 2, i, []byte("t2"))
	}
	appendAndWait(t, l, 3, 5, []byte("t3"))

	paths, err := l.storage.ListSegmentFiles()
	require.NoError(t, err)
	require.Len(t, paths, 2)
	require.Equal(t, SegmentPath{Path: l.storage.ClosedSegmentPath(0, 4), Start: 0, End: 4}, paths[0])
	require.True(t, paths[1].IsOpen)
	require.Equal(t, int64(5), paths[1].Start)
}

func TestTermGoingBackwardPanics(t *testing.T) {
	l := newTestLog(t, t.TempDir(), nil, testConfig())
	defer l.Close()

	appendAndWait(t, l, 3, 0, []byte("x"))
	require.Panics(t, func() {
		l.AppendEntry(makeEntry(2, 1, []byte("y")))
	})
}

func TestBulkAppendTruncatesDivergentSuffix(t *testing.T) {
	server := &fakeServer{}
	server.setProgress(map[string]int64{"f1": 100}, 100)
	l := newTestLog(t, t.TempDir(), server, testConfig())
	defer l.Close()

	for i := int64(0); i <= 9; i++ {
		appendAndWait(t, l, 1, i, []byte(fmt.Sprintf("old-%d", i)))
	}

	futures, err := l.Append(
		makeEntry(1, 8, []byte("old-8")),
		makeEntry(2, 9, []byte("new-9")),
		makeEntry(2, 10, []byte("new-10")),
	)
	require.NoError(t, err)
	for _, f := range futures {
		_, err := f.Done()
		require.NoError(t, err)
	}

	require.Equal(t, int64(10), l.GetEndIndex())

	e8, err := l.Get(8)
	require.NoError(t, err)
	require.Equal(t, int64(1), e8.Term)
	require.Equal(t, []byte("old-8"), e8.Data)

	for i := int64(9); i <= 10; i++ {
		e, err := l.Get(i)
		require.NoError(t, err)
		require.Equal(t, int64(2), e.Term)
	}

	// the superseded entry's client request was failed
	require.Len(t, server.failed, 1)
	require.Equal(t, int64(9), server.failed[0].Index)
	require.Equal(t, int64(1), server.failed[0].Term)
}

func TestTruncate(t *testing.T) {
	l := newTestLog(t, t.TempDir(), nil, testConfig())
	defer l.Close()

	for i := int64(0); i <= 9; i++ {
		appendAndWait(t, l, 1, i, []byte("x"))
	}

	f, err := l.Truncate(5)
	require.NoError(t, err)
	_, err = f.Done()
	require.NoError(t, err)

	require.Equal(t, int64(4), l.GetEndIndex())
	for i := int64(5); i <= 9; i++ {
		e, err := l.Get(i)
		require.NoError(t, err)
		require.Nil(t, e, "index %d must be gone", i)
	}

	// the log grows again from the truncation point
	appendAndWait(t, l, 2, 5, []byte("fresh"))
	e, err := l.Get(5)
	require.NoError(t, err)
	require.Equal(t, []byte("fresh"), e.Data)
}

func TestDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	l := newTestLog(t, dir, nil, testConfig())

	want := make(map[int64][]byte)
	for i := int64(0); i < 20; i++ {
		data := []byte(fmt.Sprintf("payload-%d", i))
		want[i] = data
		appendAndWait(t, l, 1, i, data)
	}
	require.NoError(t, l.Close())

	var replayed []int64
	l2 := newTestLog2(t, dir, nil, testConfig(), func(e *raftpb.LogEntry) {
		replayed = append(replayed, e.Index)
	})
	defer l2.Close()

	require.Len(t, replayed, 20)
	for i := int64(0); i < 20; i++ {
		e, err := l2.Get(i)
		require.NoError(t, err)
		require.NotNil(t, e)
		require.Equal(t, want[i], e.Data)
	}
}

func newTestLog2(t *testing.T, dir string, server Server, cfg *config.Config, consumer func(*raftpb.LogEntry)) *SegmentedRaftLog {
	t.Helper()
	storage, err := OpenStorage(dir)
	require.NoError(t, err)
	l := New("s1", server, storage, cfg)
	require.NoError(t, l.Open(raftpb.InvalidLogIndex, consumer))
	return l
}

func TestCrashRecoverySkipsMalformedTail(t *testing.T) {
	dir := t.TempDir()
	l := newTestLog(t, dir, nil, testConfig())

	for i := int64(0); i <= 11; i++ {
		appendAndWait(t, l, 1, i, []byte(fmt.Sprintf("entry-%d", i)))
	}
	require.NoError(t, l.Close())

	// tear the last record, as if the process died mid-write
	path := l.storage.OpenSegmentPath(0)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-5))

	var replayed []int64
	l2 := newTestLog2(t, dir, nil, testConfig(), func(e *raftpb.LogEntry) {
		replayed = append(replayed, e.Index)
	})
	defer l2.Close()

	require.Len(t, replayed, 11)
	require.Equal(t, int64(10), l2.GetEndIndex())

	// the next append continues after the recovered suffix
	appendAndWait(t, l2, 1, 11, []byte("rewritten-11"))
	e, err := l2.Get(11)
	require.NoError(t, err)
	require.Equal(t, []byte("rewritten-11"), e.Data)

	// and survives another reopen
	require.NoError(t, l2.Close())
	l3 := newTestLog(t, dir, nil, testConfig())
	defer l3.Close()
	e, err = l3.Get(11)
	require.NoError(t, err)
	require.Equal(t, []byte("rewritten-11"), e.Data)
}

func TestFutureCompletionOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Log.FlushEntries = 16
	l := newTestLog(t, t.TempDir(), nil, cfg)
	defer l.Close()

	var futures []*Future
	for i := int64(0); i < 100; i++ {
		f, err := l.AppendEntry(makeEntry(1, i, []byte("x")))
		require.NoError(t, err)
		futures = append(futures, f)
	}

	for i, f := range futures {
		idx, err := f.Done()
		require.NoError(t, err)
		require.Equal(t, int64(i), idx)
		require.GreaterOrEqual(t, l.GetLatestFlushedIndex(), int64(i))
	}
	require.GreaterOrEqual(t, l.GetLatestFlushedIndex(), int64(99))
}

func TestEvictionAndSlowPathReload(t *testing.T) {
	server := &fakeServer{}
	server.setProgress(map[string]int64{"f1": 1000}, 1000)

	cfg := testConfig()
	cfg.Log.SegmentSizeMax = 512
	cfg.Log.CacheMaxSegments = 1
	l := newTestLog(t, t.TempDir(), server, cfg)
	defer l.Close()

	data := make([]byte, 50)
	for i := int64(0); i < 40; i++ {
		appendAndWait(t, l, 1, i, data)
	}

	l.mu.RLock()
	evicted := 0
	for _, s := range l.cache.closed {
		if !s.HasEntries() {
			evicted++
		}
	}
	require.Greater(t, evicted, 0, "rolling past the cache bound must evict")
	require.LessOrEqual(t, l.cache.cachedClosedCount(), 1)
	l.mu.RUnlock()

	// evicted entries come back through the slow path
	for i := int64(0); i < 40; i++ {
		e, err := l.Get(i)
		require.NoError(t, err)
		require.NotNil(t, e, "gap at %d", i)
	}
}

func TestAppendBlocksOnSaturatedCache(t *testing.T) {
	server := &fakeServer{}
	// follower at 0 pins everything
	server.setProgress(map[string]int64{"f1": 0}, 1000)

	cfg := testConfig()
	cfg.Log.SegmentSizeMax = 256
	cfg.Log.CacheMaxSegments = 1
	l := newTestLog(t, t.TempDir(), server, cfg)
	defer l.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		data := make([]byte, 50)
		for i := int64(0); i < 30; i++ {
			f, err := l.AppendEntry(makeEntry(1, i, data))
			if err != nil {
				return
			}
			f.Done()
		}
	}()

	select {
	case <-done:
		t.Fatal("appends finished although nothing was evictable")
	case <-time.After(300 * time.Millisecond):
	}

	// once the follower catches up, eviction frees the cache and appends drain
	server.setProgress(map[string]int64{"f1": 1000}, 1000)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("appends still blocked after the follower advanced")
	}
}

func TestSyncWithSnapshotPurgesCoveredSegments(t *testing.T) {
	cfg := testConfig()
	cfg.Log.SegmentSizeMax = 512
	dir := t.TempDir()
	l := newTestLog(t, dir, nil, cfg)
	defer l.Close()

	data := make([]byte, 50)
	for i := int64(0); i < 40; i++ {
		appendAndWait(t, l, 1, i, data)
	}

	paths, err := l.storage.ListSegmentFiles()
	require.NoError(t, err)
	require.Greater(t, len(paths), 2)
	snapshotIndex := paths[1].End + 1 // covers the first two segments

	f, err := l.SyncWithSnapshot(snapshotIndex)
	require.NoError(t, err)
	_, err = f.Done()
	require.NoError(t, err)

	after, err := l.storage.ListSegmentFiles()
	require.NoError(t, err)
	for _, p := range after {
		require.False(t, !p.IsOpen && p.End < snapshotIndex,
			"segment %q should have been purged", p.Path)
	}
	require.Equal(t, len(paths)-2, len(after))
	require.Greater(t, l.GetStartIndex(), int64(0))
	require.GreaterOrEqual(t, l.GetLatestFlushedIndex(), snapshotIndex)
}

func TestOpenDropsLogBehindSnapshot(t *testing.T) {
	dir := t.TempDir()
	l := newTestLog(t, dir, nil, testConfig())
	for i := int64(0); i <= 5; i++ {
		appendAndWait(t, l, 1, i, []byte("x"))
	}
	require.NoError(t, l.Close())

	// the snapshot is ahead of the whole log: keeping it would leave a gap
	storage, err := OpenStorage(dir)
	require.NoError(t, err)
	l2 := New("s1", nil, storage, testConfig())
	var replayed []int64
	require.NoError(t, l2.Open(10, func(e *raftpb.LogEntry) {
		replayed = append(replayed, e.Index)
	}))
	defer l2.Close()

	require.Empty(t, replayed)
	require.Equal(t, raftpb.InvalidLogIndex, l2.GetEndIndex())

	paths, err := storage.ListSegmentFiles()
	require.NoError(t, err)
	require.Empty(t, paths)

	appendAndWait(t, l2, 2, 11, []byte("after-snapshot"))
}

func TestWorkerFailurePoisonsLog(t *testing.T) {
	l := newTestLog(t, t.TempDir(), nil, testConfig())
	defer l.Close()

	appendAndWait(t, l, 1, 0, []byte("ok"))

	// yank the open file out from under the worker; the next flush fails
	require.NoError(t, l.worker.f.Close())

	f, err := l.AppendEntry(makeEntry(1, 1, []byte("doomed")))
	require.NoError(t, err)
	_, err = f.Done()
	require.Error(t, err)

	// the facade is poisoned until reopened
	_, err = l.AppendEntry(makeEntry(1, 2, []byte("refused")))
	require.Error(t, err)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
}

func TestMetadataThroughLog(t *testing.T) {
	l := newTestLog(t, t.TempDir(), nil, testConfig())
	defer l.Close()

	require.NoError(t, l.WriteMetadata(5, "s3"))
	md, err := l.LoadMetadata()
	require.NoError(t, err)
	require.Equal(t, Metadata{Term: 5, VotedFor: "s3"}, md)
}
