package raftlog

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/appcoreopc/incubator-ratis/pkg/fileutil"
)

// Metadata is the persistent raft state outside the log proper.
type Metadata struct {
	Term     int64
	VotedFor string
}

// MetaFile persists (currentTerm, votedFor) in the raft-meta file.
// Updates go through a temp file and an atomic rename.
type MetaFile struct {
	path string
}

func newMetaFile(path string) *MetaFile {
	return &MetaFile{path: path}
}

// Set durably replaces the metadata.
func (m *MetaFile) Set(term int64, votedFor string) error {
	data := fmt.Sprintf("term=%d\nvotedFor=%s\n", term, votedFor)
	return fileutil.WriteSyncRename(m.path, []byte(data), fileutil.PrivateFileMode)
}

// Load reads the metadata. A missing file yields zero values.
func (m *MetaFile) Load() (Metadata, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, nil
		}
		return Metadata{}, err
	}

	var md Metadata
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return Metadata{}, fmt.Errorf("raftlog: malformed metadata line %q", line)
		}
		switch key {
		case "term":
			md.Term, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Metadata{}, fmt.Errorf("raftlog: malformed term %q", value)
			}
		case "votedFor":
			md.VotedFor = value
		default:
			return Metadata{}, fmt.Errorf("raftlog: unknown metadata key %q", key)
		}
	}
	return md, nil
}
