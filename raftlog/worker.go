package raftlog

import (
	"bufio"
	"fmt"
	"hash"
	"os"
	"sync/atomic"
	"time"

	"github.com/appcoreopc/incubator-ratis/pkg/crcutil"
	"github.com/appcoreopc/incubator-ratis/pkg/fileutil"
	"github.com/appcoreopc/incubator-ratis/raftpb"
)

type taskKind int

const (
	taskWriteEntry taskKind = iota
	taskStartSegment
	taskRollSegment
	taskTruncate
	taskSync
)

func (k taskKind) String() string {
	switch k {
	case taskWriteEntry:
		return "WriteEntry"
	case taskStartSegment:
		return "StartSegment"
	case taskRollSegment:
		return "RollSegment"
	case taskTruncate:
		return "Truncate"
	case taskSync:
		return "Sync"
	default:
		return fmt.Sprintf("taskKind(%d)", int(k))
	}
}

type taskResult struct {
	index int64
	err   error
}

// Future resolves exactly once, after the task's effects are durable.
type Future struct {
	c <-chan taskResult
}

// Done blocks until the task is durable and returns its end index.
func (f *Future) Done() (int64, error) {
	r := <-f.c
	return r.index, r.err
}

func completedFuture(index int64) *Future {
	c := make(chan taskResult, 1)
	c <- taskResult{index: index}
	return &Future{c: c}
}

type ioTask struct {
	kind     taskKind
	endIndex int64

	// WriteEntry
	data []byte

	// StartSegment / RollSegment
	start    int64
	rollEnd  int64
	nextOpen int64

	// Truncate
	trunc *TruncationSegments

	// Sync
	purgeBelow int64 // InvalidLogIndex when no purge is wanted

	completed bool
	c         chan taskResult
}

func (t *ioTask) String() string {
	return fmt.Sprintf("%s:%d", t.kind, t.endIndex)
}

func (t *ioTask) done(index int64) {
	if t.completed {
		return
	}
	t.completed = true
	t.c <- taskResult{index: index}
}

func (t *ioTask) fail(err error) {
	if t.completed {
		return
	}
	t.completed = true
	t.c <- taskResult{index: raftpb.InvalidLogIndex, err: err}
}

// worker is the single-threaded consumer of I/O tasks. It exclusively owns
// the file handle of the open segment. Entry writes are buffered and
// fsynced in batches; a task's future completes only after the batch
// containing it is durable.
type worker struct {
	storage *Storage

	flushEntries  int
	flushInterval time.Duration

	taskc chan *ioTask
	stopc chan struct{}
	donec chan struct{}

	flushedIndex atomic.Int64
	failure      atomic.Value // error

	// onFlush wakes appenders blocked on cache saturation.
	onFlush func()

	// state below is owned by the run goroutine
	f         *os.File
	bw        *bufio.Writer
	crc       hash.Hash32
	openStart int64
	pending   []*ioTask // written entries awaiting fsync
	timer     *time.Timer
}

func newWorker(storage *Storage, flushEntries int, flushInterval time.Duration, onFlush func()) *worker {
	w := &worker{
		storage:       storage,
		flushEntries:  flushEntries,
		flushInterval: flushInterval,
		taskc:         make(chan *ioTask, 4096),
		stopc:         make(chan struct{}),
		donec:         make(chan struct{}),
		onFlush:       onFlush,
	}
	w.flushedIndex.Store(raftpb.InvalidLogIndex)
	return w
}

// start resumes the worker on an existing log. openSeg, when non-nil, is
// the recovered open segment; its torn tail (anything past TotalSize) is
// cut before appends resume.
func (w *worker) start(lastDurableIndex int64, openSeg *Segment) error {
	w.flushedIndex.Store(lastDurableIndex)

	if openSeg != nil {
		path := w.storage.OpenSegmentPath(openSeg.StartIndex())
		f, err := fileutil.OpenToAppend(path)
		if err != nil {
			return err
		}
		if openSeg.rewriteHeader {
			if err := f.Truncate(0); err != nil {
				f.Close()
				return err
			}
			if _, err := f.Write(segmentHeader); err != nil {
				f.Close()
				return err
			}
		} else if err := f.Truncate(openSeg.TotalSize()); err != nil {
			f.Close()
			return err
		}
		if err := fileutil.Fsync(f); err != nil {
			f.Close()
			return err
		}
		w.f = f
		w.bw = bufio.NewWriter(f)
		w.crc = crcutil.New(openSeg.crcOfValidPrefix, crcTable)
		w.openStart = openSeg.StartIndex()
	}

	go w.run()
	return nil
}

// getFlushedIndex returns the highest index durably on disk.
func (w *worker) getFlushedIndex() int64 {
	return w.flushedIndex.Load()
}

func (w *worker) err() error {
	if v := w.failure.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (w *worker) submit(t *ioTask) *Future {
	if err := w.err(); err != nil {
		t.fail(err)
		return &Future{c: t.c}
	}
	select {
	case w.taskc <- t:
	case <-w.donec:
		t.fail(ErrLogClosed)
	}
	return &Future{c: t.c}
}

func newTask(kind taskKind, endIndex int64) *ioTask {
	return &ioTask{kind: kind, endIndex: endIndex, purgeBelow: raftpb.InvalidLogIndex, c: make(chan taskResult, 1)}
}

// writeEntry schedules an entry append; data is the encoded entry payload.
func (w *worker) writeEntry(index int64, data []byte) *Future {
	t := newTask(taskWriteEntry, index)
	t.data = data
	return w.submit(t)
}

// startSegment schedules creation of log_inprogress_<start>.
func (w *worker) startSegment(start int64) *Future {
	t := newTask(taskStartSegment, start-1)
	t.start = start
	return w.submit(t)
}

// rollSegment schedules closing the current open segment [start, end] and
// starting the next one.
func (w *worker) rollSegment(start, end, nextOpen int64) *Future {
	t := newTask(taskRollSegment, end)
	t.start = start
	t.rollEnd = end
	t.nextOpen = nextOpen
	return w.submit(t)
}

// truncate schedules the disk side of a cache truncation.
func (w *worker) truncate(ts *TruncationSegments, newEndIndex int64) *Future {
	t := newTask(taskTruncate, newEndIndex)
	t.trunc = ts
	return w.submit(t)
}

// sync schedules an fsync, optionally purging segments below purgeBelow.
func (w *worker) sync(upToIndex, purgeBelow int64) *Future {
	t := newTask(taskSync, upToIndex)
	t.purgeBelow = purgeBelow
	return w.submit(t)
}

// close stops the worker after draining queued tasks.
func (w *worker) close() {
	select {
	case <-w.stopc:
		return
	default:
	}
	close(w.stopc)
	<-w.donec
}

func (w *worker) run() {
	defer close(w.donec)

	w.timer = time.NewTimer(w.flushInterval)
	w.timer.Stop()

	for {
		select {
		case t := <-w.taskc:
			w.handle(t)
		case <-w.timer.C:
			if len(w.pending) > 0 {
				w.flush()
			}
		case <-w.stopc:
			w.drain()
			return
		}
	}
}

// drain processes everything already queued, then flushes and closes.
func (w *worker) drain() {
	for {
		select {
		case t := <-w.taskc:
			w.handle(t)
		default:
			if len(w.pending) > 0 {
				w.flush()
			}
			if w.f != nil {
				w.f.Close()
				w.f = nil
			}
			return
		}
	}
}

func (w *worker) handle(t *ioTask) {
	if err := w.err(); err != nil {
		t.fail(err)
		return
	}
	if err := w.execute(t); err != nil {
		logger.Errorf("task %s failed: %v", t, err)
		w.failAll(t, err)
	}
}

// failAll poisons the worker: the failing task, every pending write, and
// everything still queued complete with the error.
func (w *worker) failAll(t *ioTask, err error) {
	werr := &IOError{Op: t.kind.String(), Err: err}
	// record the failure before any future resolves, so a caller woken by
	// one of them already sees the facade refuse further writes
	w.poison(werr)
	t.fail(werr)
}

func (w *worker) poison(werr error) {
	w.failure.Store(error(werr))

	for _, p := range w.pending {
		p.fail(werr)
	}
	w.pending = nil

	for {
		select {
		case q := <-w.taskc:
			q.fail(werr)
		default:
			return
		}
	}
}

func (w *worker) execute(t *ioTask) error {
	switch t.kind {
	case taskWriteEntry:
		return w.executeWrite(t)
	case taskStartSegment:
		return w.executeStartSegment(t)
	case taskRollSegment:
		return w.executeRoll(t)
	case taskTruncate:
		return w.executeTruncate(t)
	case taskSync:
		return w.executeSync(t)
	default:
		return fmt.Errorf("unknown task %s", t)
	}
}

func (w *worker) executeWrite(t *ioTask) error {
	if w.f == nil {
		return fmt.Errorf("write of index %d with no open segment", t.endIndex)
	}
	if err := writeRecord(w.bw, w.crc, t.data); err != nil {
		return err
	}
	w.pending = append(w.pending, t)

	if len(w.pending) >= w.flushEntries {
		return w.flushErr()
	}
	if len(w.pending) == 1 {
		w.timer.Reset(w.flushInterval)
	}
	return nil
}

// flushErr fsyncs buffered entry writes and completes their futures in
// submit order, then publishes the new flushed index.
func (w *worker) flushErr() error {
	if w.bw != nil {
		if err := w.bw.Flush(); err != nil {
			return err
		}
	}
	if w.f != nil && len(w.pending) > 0 {
		if err := fileutil.Fsync(w.f); err != nil {
			return err
		}
	}

	for _, t := range w.pending {
		w.advanceFlushedIndex(t.endIndex)
		t.done(t.endIndex)
	}
	w.pending = nil
	w.timer.Stop()

	if w.onFlush != nil {
		w.onFlush()
	}
	return nil
}

// flush is flushErr with worker poisoning on error, for the timer path.
func (w *worker) flush() {
	if err := w.flushErr(); err != nil {
		logger.Errorf("flush failed: %v", err)
		w.poison(&IOError{Op: "Flush", Err: err})
	}
}

// flushedIndex only moves forward; truncation lowers the log's end but
// never the published durability watermark.
func (w *worker) advanceFlushedIndex(index int64) {
	for {
		cur := w.flushedIndex.Load()
		if index <= cur || w.flushedIndex.CompareAndSwap(cur, index) {
			return
		}
	}
}

func (w *worker) executeStartSegment(t *ioTask) error {
	if w.f != nil {
		return fmt.Errorf("starting segment %d while %d is open", t.start, w.openStart)
	}
	f, err := fileutil.OpenToAppend(w.storage.OpenSegmentPath(t.start))
	if err != nil {
		return err
	}
	if _, err := f.Write(segmentHeader); err != nil {
		f.Close()
		return err
	}
	if err := fileutil.Fsync(f); err != nil {
		f.Close()
		return err
	}
	if err := fileutil.FsyncDir(w.storage.CurrentDir()); err != nil {
		f.Close()
		return err
	}

	w.f = f
	w.bw = bufio.NewWriter(f)
	w.crc = crcutil.New(0, crcTable)
	w.openStart = t.start
	t.done(t.endIndex)
	return nil
}

func (w *worker) executeRoll(t *ioTask) error {
	if err := w.flushErr(); err != nil {
		return err
	}
	if w.f == nil || w.openStart != t.start {
		return fmt.Errorf("rolling segment %d but open segment is %d", t.start, w.openStart)
	}
	if err := w.f.Close(); err != nil {
		return err
	}
	w.f, w.bw, w.crc = nil, nil, nil

	oldPath := w.storage.OpenSegmentPath(t.start)
	newPath := w.storage.ClosedSegmentPath(t.start, t.rollEnd)
	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}
	if err := fileutil.FsyncDir(w.storage.CurrentDir()); err != nil {
		return err
	}
	logger.Infof("rolled segment %q", newPath)

	// open the next segment right away; no later task may write to the
	// renamed file
	start := ioTask{kind: taskStartSegment, start: t.nextOpen, endIndex: t.nextOpen - 1, c: make(chan taskResult, 1)}
	if err := w.executeStartSegment(&start); err != nil {
		return err
	}
	t.done(t.endIndex)
	return nil
}

func (w *worker) executeTruncate(t *ioTask) error {
	if err := w.flushErr(); err != nil {
		return err
	}
	// truncation always affects the tail; the open segment, if any, is
	// either cut or deleted, so its handle is closed first
	if w.f != nil {
		if err := w.f.Close(); err != nil {
			return err
		}
		w.f, w.bw, w.crc = nil, nil, nil
	}

	for _, d := range t.trunc.ToDelete {
		path := w.storage.SegmentFilePath(d.Start, d.End, d.IsOpen)
		if err := os.Remove(path); err != nil {
			return err
		}
		logger.Infof("deleted segment %q", path)
	}

	if tr := t.trunc.ToTruncate; tr != nil {
		path := w.storage.SegmentFilePath(tr.Start, tr.End, tr.IsOpen)
		f, err := os.OpenFile(path, os.O_RDWR, fileutil.PrivateFileMode)
		if err != nil {
			return err
		}
		if err := f.Truncate(tr.NewSize); err != nil {
			f.Close()
			return err
		}
		if err := fileutil.Fsync(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		newPath := w.storage.ClosedSegmentPath(tr.Start, tr.NewEnd)
		if err := os.Rename(path, newPath); err != nil {
			return err
		}
		logger.Infof("truncated segment %q to %q", path, newPath)
	}

	if err := fileutil.FsyncDir(w.storage.CurrentDir()); err != nil {
		return err
	}
	t.done(t.endIndex)
	return nil
}

func (w *worker) executeSync(t *ioTask) error {
	if err := w.flushErr(); err != nil {
		return err
	}
	if w.f != nil {
		if err := fileutil.Fsync(w.f); err != nil {
			return err
		}
	}
	w.advanceFlushedIndex(t.endIndex)

	if t.purgeBelow != raftpb.InvalidLogIndex {
		paths, err := w.storage.ListSegmentFiles()
		if err != nil {
			return err
		}
		removed := false
		for _, p := range paths {
			if !p.IsOpen && p.End < t.purgeBelow {
				if err := os.Remove(p.Path); err != nil {
					return err
				}
				logger.Infof("purged segment %q below snapshot index %d", p.Path, t.purgeBelow)
				removed = true
			}
		}
		if removed {
			if err := fileutil.FsyncDir(w.storage.CurrentDir()); err != nil {
				return err
			}
		}
	}
	t.done(t.endIndex)
	return nil
}
