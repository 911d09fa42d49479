// Package ioutil provides atomic-file, directory and quarantine helpers;
// the segment table and the updater in pkg/tsdb use its directory, file
// existence and quarantine helpers.
package ioutil

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// AtomicFile writes to a temp file beside the destination and atomically
// renames it into place on Commit, fsync'ing both the file and its parent
// directory so a crash can never observe a half-written destination.
type AtomicFile struct {
	path     string
	tempPath string
	file     *os.File
	mu       sync.Mutex
}

// NewAtomicFile opens a temp file for writing next to path.
func NewAtomicFile(path string) (*AtomicFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	return &AtomicFile{
		path:     path,
		tempPath: tempPath,
		file:     file,
	}, nil
}

// Write appends to the temp file.
func (af *AtomicFile) Write(p []byte) (n int, err error) {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.file == nil {
		return 0, fmt.Errorf("file is closed")
	}

	return af.file.Write(p)
}

// Commit syncs the temp file, closes it, renames it onto the destination
// path, then syncs the containing directory.
func (af *AtomicFile) Commit() error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.file == nil {
		return fmt.Errorf("file is closed")
	}

	if err := unix.Fdatasync(int(af.file.Fd())); err != nil {
		return fmt.Errorf("sync file: %w", err)
	}

	if err := af.file.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	af.file = nil

	if err := os.Rename(af.tempPath, af.path); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}

	if err := SyncDir(filepath.Dir(af.path)); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}

	return nil
}

// Abort discards the temp file without touching the destination.
func (af *AtomicFile) Abort() error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.file != nil {
		af.file.Close()
		af.file = nil
	}

	return os.Remove(af.tempPath)
}

// Close aborts any uncommitted write, ignoring a missing temp file.
func (af *AtomicFile) Close() error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.file != nil {
		af.file.Close()
		af.file = nil
		os.Remove(af.tempPath)
	}

	return nil
}

// SyncDir fsyncs a directory entry so that prior renames/creates within it
// are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	return unix.Fsync(int(d.Fd()))
}

// WriteAll writes data to w in full, looping past short writes.
func WriteAll(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// ReadUvarint reads a variable-length encoded integer.
func ReadUvarint(r io.ByteReader) (uint64, error) {
	return binary.ReadUvarint(r)
}

// WriteUvarint writes a variable-length encoded integer.
func WriteUvarint(w io.Writer, v uint64) error {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, v)
	_, err := w.Write(buf[:n])
	return err
}

// FileExists reports whether path names an existing file or directory.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DirExists reports whether path names an existing directory.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// CreateDirIfNotExists creates path (and parents) if it does not exist.
func CreateDirIfNotExists(path string) error {
	if !DirExists(path) {
		return os.MkdirAll(path, 0755)
	}
	return nil
}

// RemoveAll removes path recursively; a no-op if it does not exist.
func RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// QuarantineFile renames a corrupted file so later scans skip it, the way a
// deserialization failure marks a chunk file as unusable without losing it
// for forensics.
func QuarantineFile(path string) error {
	corruptPath := path + ".corrupt"
	return os.Rename(path, corruptPath)
}
