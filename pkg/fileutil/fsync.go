package fileutil

import (
	"io"
	"os"
	"path/filepath"
)

// Fsync commits the current contents of the file to the disk.
// Typically it means flushing the file system's in-memory copy
// of recently written data to the disk.
func Fsync(f *os.File) error {
	return f.Sync()
}

// FsyncDir fsyncs the given directory so that a preceding rename or
// removal inside it survives a crash.
func FsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}

// WriteSync behaves just like os.WriteFile,
// but calls Sync before closing the file to guarantee that
// the data is synced if there's no error returned.
func WriteSync(fpath string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	n, err := f.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}

	if err == nil {
		err = f.Sync()
	}

	if e := f.Close(); err == nil {
		err = e
	}
	return err
}

// WriteSyncRename writes data to a temporary file next to fpath, fsyncs it,
// and atomically renames it over fpath. The parent directory is fsynced so
// that the rename is durable.
func WriteSyncRename(fpath string, data []byte, perm os.FileMode) error {
	tmpPath := fpath + ".tmp"
	if err := WriteSync(tmpPath, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, fpath); err != nil {
		return err
	}
	return FsyncDir(filepath.Dir(fpath))
}
