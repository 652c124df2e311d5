package raftlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/appcoreopc/incubator-ratis/pkg/crcutil"
	"github.com/appcoreopc/incubator-ratis/pkg/fileutil"
	"github.com/appcoreopc/incubator-ratis/raftpb"
)

// segmentHeader is the 8-byte magic at the head of every segment file.
var segmentHeader = []byte("RAFTLOG1")

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// maxRecordSize bounds a single record's payload; a longer length prefix
// means the record is malformed.
const maxRecordSize = 64 * 1024 * 1024

var errMalformedRecord = errors.New("raftlog: malformed record")

// recordSize returns the framed size of a record with the given payload size:
// uvarint length prefix, payload bytes, and the CRC-32 trailer.
func recordSize(payloadN int) int64 {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(payloadN))
	return int64(n) + int64(payloadN) + crcutil.Size
}

// writeRecord frames the payload onto w and folds it into the rolling crc.
// The trailer is the crc sum over all payloads up to and including this one.
func writeRecord(w io.Writer, crc hash.Hash32, payload []byte) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	crc.Write(payload)
	var crcBuf [crcutil.Size]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc.Sum32())
	_, err := w.Write(crcBuf[:])
	return err
}

// readRecord reads one framed record from r, verifying it against the
// rolling crc. It returns the payload and the framed record size.
// io.EOF means a clean end; errMalformedRecord (or io.ErrUnexpectedEOF)
// means a torn or corrupt tail.
func readRecord(r *bufio.Reader, crc hash.Hash32) (payload []byte, recN int64, err error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, errMalformedRecord
	}
	if length > maxRecordSize {
		return nil, 0, errMalformedRecord
	}

	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return nil, 0, errMalformedRecord
	}
	var crcBuf [crcutil.Size]byte
	if _, err = io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, 0, errMalformedRecord
	}

	crc.Write(payload)
	if binary.LittleEndian.Uint32(crcBuf[:]) != crc.Sum32() {
		return nil, 0, errMalformedRecord
	}
	return payload, recordSize(int(length)), nil
}

// Record is the index metadata of one entry within a segment: where its
// framed record lives in the file. Records survive cache eviction.
type Record struct {
	raftpb.TermIndex
	Offset int64 // file offset of the record's length prefix
	Len    int64 // framed record size
}

// Segment is one contiguous run of log entries backed by a single file.
// An open segment is appendable; a closed one is immutable except for
// truncation. records are always in memory; entries only while cached.
//
// mu guards entries: the facade's slow read path loads them without holding
// the facade lock, and eviction may drop them under only the read lock.
type Segment struct {
	isOpen    bool
	start     int64
	end       int64 // start-1 when empty
	totalSize int64 // offset past the last valid record

	// crcOfValidPrefix is the rolling crc over all payloads in the file,
	// used by the worker to resume appending to an open segment.
	crcOfValidPrefix uint32

	// rewriteHeader is set when the open segment's header itself was torn;
	// the worker rewrites the file from offset 0 before appending.
	rewriteHeader bool

	records []Record

	mu      sync.Mutex
	entries []*raftpb.LogEntry // nil when evicted
}

func newOpenSegment(start int64) *Segment {
	return &Segment{
		isOpen:    true,
		start:     start,
		end:       start - 1,
		totalSize: int64(len(segmentHeader)),
		entries:   []*raftpb.LogEntry{},
	}
}

// loadSegment parses the segment file at path, stopping at the first
// malformed record; earlier records are the recovered content. consumer,
// when non-nil, is invoked for every recovered entry in order. When
// keepEntries is false only the Record metadata is retained.
func loadSegment(path string, start int64, isOpen bool, keepEntries bool, consumer func(*raftpb.LogEntry)) (*Segment, error) {
	f, err := fileutil.OpenToRead(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s := &Segment{
		isOpen: isOpen,
		start:  start,
		end:    start - 1,
	}
	if keepEntries {
		s.entries = []*raftpb.LogEntry{}
	}

	header := make([]byte, len(segmentHeader))
	if _, err := io.ReadFull(f, header); err != nil || string(header) != string(segmentHeader) {
		// A torn header can only happen on an open segment that crashed
		// before its first flush. The worker rewrites it from offset 0.
		if !isOpen {
			logger.Warningf("closed segment %q has a corrupt header, recovered no entries", path)
		}
		s.totalSize = int64(len(segmentHeader))
		s.rewriteHeader = true
		return s, nil
	}
	s.totalSize = int64(len(segmentHeader))

	br := bufio.NewReader(f)
	crc := crcutil.New(0, crcTable)
	expected := start
	for {
		payload, recN, err := readRecord(br, crc)
		if err != nil {
			if err != io.EOF {
				logger.Warningf("segment %q: stopped at malformed record, offset %d, recovered %d entries",
					path, s.totalSize, len(s.records))
			}
			break
		}

		e := &raftpb.LogEntry{}
		if err := e.Unmarshal(payload); err != nil {
			logger.Warningf("segment %q: undecodable entry at offset %d, recovered %d entries",
				path, s.totalSize, len(s.records))
			break
		}
		if e.Index != expected {
			logger.Warningf("segment %q: entry index %d does not follow %d, recovered %d entries",
				path, e.Index, expected-1, len(s.records))
			break
		}

		s.records = append(s.records, Record{
			TermIndex: e.TermIndex(),
			Offset:    s.totalSize,
			Len:       recN,
		})
		if keepEntries {
			s.entries = append(s.entries, e)
		}
		if consumer != nil {
			consumer(e)
		}

		s.end = e.Index
		s.totalSize += recN
		s.crcOfValidPrefix = crc.Sum32()
		expected++
	}
	return s, nil
}

// IsOpen reports whether the segment is still appendable.
func (s *Segment) IsOpen() bool { return s.isOpen }

// StartIndex returns the index of the segment's first entry.
func (s *Segment) StartIndex() int64 { return s.start }

// EndIndex returns the index of the segment's last entry, start-1 when empty.
func (s *Segment) EndIndex() int64 { return s.end }

// TotalSize returns the file offset past the last valid record.
func (s *Segment) TotalSize() int64 { return s.totalSize }

// NumEntries returns the number of entries in the segment.
func (s *Segment) NumEntries() int { return len(s.records) }

// LastTermIndex returns the (term, index) of the last entry.
func (s *Segment) LastTermIndex() (raftpb.TermIndex, bool) {
	if len(s.records) == 0 {
		return raftpb.TermIndex{}, false
	}
	return s.records[len(s.records)-1].TermIndex, true
}

func (s *Segment) contains(index int64) bool {
	return index >= s.start && index <= s.end
}

// Record returns the index metadata for the entry at index.
func (s *Segment) Record(index int64) (Record, bool) {
	if !s.contains(index) {
		return Record{}, false
	}
	return s.records[index-s.start], true
}

// EntryInMemory returns the entry at index if its array is materialized.
func (s *Segment) EntryInMemory(index int64) (*raftpb.LogEntry, bool) {
	if !s.contains(index) {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		return nil, false
	}
	return s.entries[index-s.start], true
}

// HasEntries reports whether the full entry array is in memory.
func (s *Segment) HasEntries() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries != nil
}

// AppendEntry adds the entry to the open segment. recN is the framed size
// of the entry's record on disk.
func (s *Segment) AppendEntry(e *raftpb.LogEntry, recN int64) {
	if !s.isOpen {
		logger.Panicf("append to closed segment [%d, %d]", s.start, s.end)
	}
	if e.Index != s.end+1 {
		logger.Panicf("appending index %d to segment ending at %d", e.Index, s.end)
	}

	s.records = append(s.records, Record{
		TermIndex: e.TermIndex(),
		Offset:    s.totalSize,
		Len:       recN,
	})
	s.mu.Lock()
	if s.entries != nil {
		s.entries = append(s.entries, e)
	}
	s.mu.Unlock()
	s.end = e.Index
	s.totalSize += recN
}

// close marks the segment immutable.
func (s *Segment) close() { s.isOpen = false }

// TruncateTo drops every entry with index' >= index and returns the new
// file size. The caller guarantees index is inside the segment.
func (s *Segment) TruncateTo(index int64) int64 {
	keep := index - s.start
	s.records = s.records[:keep]
	s.mu.Lock()
	if s.entries != nil {
		s.entries = s.entries[:keep]
	}
	s.mu.Unlock()

	s.end = index - 1
	if keep == 0 {
		s.totalSize = int64(len(segmentHeader))
	} else {
		last := s.records[keep-1]
		s.totalSize = last.Offset + last.Len
	}
	return s.totalSize
}

// LoadEntries materializes the entry array from the segment file at path.
// Safe to call concurrently; the first loader wins.
func (s *Segment) LoadEntries(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries != nil {
		return nil
	}

	f, err := fileutil.OpenToRead(path)
	if err != nil {
		return err
	}
	defer f.Close()

	entries := make([]*raftpb.LogEntry, 0, len(s.records))
	for _, rec := range s.records {
		payload, err := readPayloadAt(f, rec)
		if err != nil {
			return err
		}
		e := &raftpb.LogEntry{}
		if err := e.Unmarshal(payload); err != nil {
			return err
		}
		entries = append(entries, e)
	}
	s.entries = entries
	return nil
}

// Evict drops the in-memory entry array, keeping index metadata.
func (s *Segment) Evict() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

// readPayloadAt reads one record's payload at a known offset, without the
// rolling crc (the prefix was already validated at load time).
func readPayloadAt(f *os.File, rec Record) ([]byte, error) {
	buf := make([]byte, rec.Len)
	if _, err := f.ReadAt(buf, rec.Offset); err != nil {
		return nil, err
	}
	length, n := binary.Uvarint(buf)
	if n <= 0 || int64(n)+int64(length)+crcutil.Size != rec.Len {
		return nil, errMalformedRecord
	}
	return buf[n : n+int(length)], nil
}
