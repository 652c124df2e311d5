// Package raftlog implements the segmented durable raft log: segment files
// under a storage directory, an in-memory segment cache with eviction, a
// single-threaded write-behind I/O worker, and the read/write facade that
// ties them together.
package raftlog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/appcoreopc/incubator-ratis/pkg/fileutil"
	"github.com/appcoreopc/incubator-ratis/pkg/xlog"
	"github.com/appcoreopc/incubator-ratis/raftpb"
)

var logger = xlog.NewLogger("raftlog", xlog.INFO)

const (
	currentDirName = "current"
	metaFileName   = "raft-meta"

	closedSegmentFormat = "log_%d-%d"
	openSegmentFormat   = "log_inprogress_%d"

	segmentFilePrefix = "log_"
)

var (
	closedSegmentRegex = regexp.MustCompile(`^log_(\d+)-(\d+)$`)
	openSegmentRegex   = regexp.MustCompile(`^log_inprogress_(\d+)$`)
)

// SegmentPath describes one segment file found on disk.
type SegmentPath struct {
	Path   string
	Start  int64
	End    int64 // InvalidLogIndex for an open segment
	IsOpen bool
}

// Storage owns the layout of one raft storage directory. All log segment
// files, the metadata file, and snapshot files live under <root>/current.
type Storage struct {
	root    string
	current string
}

// OpenStorage creates (if needed) and opens the storage directory.
func OpenStorage(root string) (*Storage, error) {
	current := filepath.Join(root, currentDirName)
	if err := fileutil.MkdirAll(current); err != nil {
		return nil, err
	}
	return &Storage{root: root, current: current}, nil
}

// CurrentDir returns the directory holding segment files and metadata.
func (s *Storage) CurrentDir() string { return s.current }

// MetaFilePath returns the path of the raft metadata file.
func (s *Storage) MetaFilePath() string { return filepath.Join(s.current, metaFileName) }

// ClosedSegmentPath returns the path of the closed segment [start, end].
func (s *Storage) ClosedSegmentPath(start, end int64) string {
	return filepath.Join(s.current, fmt.Sprintf(closedSegmentFormat, start, end))
}

// OpenSegmentPath returns the path of the open segment starting at start.
func (s *Storage) OpenSegmentPath(start int64) string {
	return filepath.Join(s.current, fmt.Sprintf(openSegmentFormat, start))
}

// SegmentFilePath returns the on-disk path for the given segment bounds.
func (s *Storage) SegmentFilePath(start, end int64, isOpen bool) string {
	if isOpen {
		return s.OpenSegmentPath(start)
	}
	return s.ClosedSegmentPath(start, end)
}

// ListSegmentFiles returns all segment files sorted by start index.
// Unrelated files in the directory are ignored.
func (s *Storage) ListSegmentFiles() ([]SegmentPath, error) {
	names, err := fileutil.ReadDir(s.current)
	if err != nil {
		return nil, err
	}

	var paths []SegmentPath
	for _, name := range names {
		if m := closedSegmentRegex.FindStringSubmatch(name); m != nil {
			start, err1 := strconv.ParseInt(m[1], 10, 64)
			end, err2 := strconv.ParseInt(m[2], 10, 64)
			if err1 != nil || err2 != nil || start > end {
				logger.Warningf("ignoring malformed segment file name %q", name)
				continue
			}
			paths = append(paths, SegmentPath{
				Path:  filepath.Join(s.current, name),
				Start: start,
				End:   end,
			})
		} else if m := openSegmentRegex.FindStringSubmatch(name); m != nil {
			start, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				logger.Warningf("ignoring malformed segment file name %q", name)
				continue
			}
			paths = append(paths, SegmentPath{
				Path:   filepath.Join(s.current, name),
				Start:  start,
				End:    raftpb.InvalidLogIndex,
				IsOpen: true,
			})
		}
	}

	sort.Slice(paths, func(i, j int) bool { return paths[i].Start < paths[j].Start })
	return paths, nil
}

// RemoveAllSegmentFiles deletes every segment file in the directory.
// Used when the log is behind the snapshot and would otherwise leave a gap.
func (s *Storage) RemoveAllSegmentFiles() error {
	paths, err := s.ListSegmentFiles()
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := os.Remove(p.Path); err != nil {
			return err
		}
		logger.Infof("removed segment file %q", p.Path)
	}
	if len(paths) > 0 {
		return fileutil.FsyncDir(s.current)
	}
	return nil
}
