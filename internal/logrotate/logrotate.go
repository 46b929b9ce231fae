// Package logrotate implements the per-process Log File Manager of
// spec.md §4.5: date-stamped filenames, size-based rotation, and
// age/count-based expiry under a daemon-global log root.
//
// Lumberjack (wired elsewhere in this repo for the daemon's own operational
// log, see internal/dlog) assumes one fixed filename with numbered
// ".1", ".2" backups; it cannot express the date+hour-stamped rotation
// scheme this spec mandates, so rotation here is hand-rolled with direct
// os.Rename calls, in the same unadorned style as the teacher's pidfile.go.
package logrotate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxSize is the default rotation threshold (spec.md §4.5: "default 10 MiB").
	DefaultMaxSize = 10 * 1024 * 1024
)

// Manager owns a daemon-global log root directory and creates/rotates
// per-(service,process) log files beneath it.
type Manager struct {
	Root          string
	MaxSize       int64         // bytes; DefaultMaxSize if zero
	RetentionAge  time.Duration // files older than this are deleted; 0 disables
	RetentionKeep int           // max files kept per process; 0 disables
}

func NewManager(root string) *Manager {
	return &Manager{Root: root, MaxSize: DefaultMaxSize}
}

func (m *Manager) serviceDir(service string) string {
	return filepath.Join(m.Root, service)
}

// Open creates (or re-opens, appending) today's log file for
// (service, process) and returns a File that rotates itself on Write.
func (m *Manager) Open(service, process string) (*File, error) {
	dir := m.serviceDir(service)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("logrotate: mkdir %s: %w", dir, err)
	}
	maxSize := m.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	f := &File{dir: dir, process: process, maxSize: maxSize}
	if err := f.openCurrent(); err != nil {
		return nil, err
	}
	return f, nil
}

// File is a single process's currently-open log file. Write and Close
// serialize on the File's own mutex; capture.Capture additionally calls it
// only under its own lock.
type File struct {
	mu      sync.Mutex
	dir     string
	process string
	maxSize int64

	f           *os.File
	size        int64
	day         string // YY-MMDD of the currently open file
	rotatedHour string // HH of the last rotation today; "" if none yet
}

func baseName(process, day string) string {
	return fmt.Sprintf("%s %s.log", process, day)
}

func (f *File) openCurrent() error {
	now := time.Now()
	day := now.Format("06-0102")
	path := filepath.Join(f.dir, baseName(f.process, day))
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("logrotate: open %s: %w", path, err)
	}
	st, err := fh.Stat()
	if err != nil {
		_ = fh.Close()
		return fmt.Errorf("logrotate: stat %s: %w", path, err)
	}
	f.f = fh
	f.size = st.Size()
	f.day = day
	f.rotatedHour = ""
	return nil
}

// Write appends p, rotating first if it would push the file past maxSize.
// Bytes already written before a rotation are fsynced before the rename, so
// a crash mid-rotation loses at most the in-flight write, never prior data.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if now := time.Now().Format("06-0102"); now != f.day {
		if err := f.rotateForNewDay(); err != nil {
			return 0, err
		}
	} else if f.size+int64(len(p)) > f.maxSize && f.size > 0 {
		if err := f.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := f.f.Write(p)
	f.size += int64(n)
	return n, err
}

// rotate renames the current (full) file aside with an hour/minute-stamped
// suffix and opens a fresh file at the base name.
func (f *File) rotate() error {
	if err := f.f.Sync(); err != nil {
		return fmt.Errorf("logrotate: sync before rotate: %w", err)
	}
	if err := f.f.Close(); err != nil {
		return fmt.Errorf("logrotate: close before rotate: %w", err)
	}

	now := time.Now()
	hour := now.Format("15")
	var suffix string
	if f.rotatedHour != hour {
		suffix = hour
		f.rotatedHour = hour
	} else {
		suffix = now.Format("15.04")
	}

	oldPath := filepath.Join(f.dir, baseName(f.process, f.day))
	newName := fmt.Sprintf("%s %s %s.log", f.process, f.day, suffix)
	newPath := filepath.Join(f.dir, newName)
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("logrotate: rename %s -> %s: %w", oldPath, newPath, err)
	}

	fh, err := os.OpenFile(oldPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("logrotate: reopen %s: %w", oldPath, err)
	}
	f.f = fh
	f.size = 0
	return nil
}

// rotateForNewDay closes the previous day's file (no renaming needed, its
// name already encodes the date) and opens today's.
func (f *File) rotateForNewDay() error {
	if f.f != nil {
		_ = f.f.Sync()
		_ = f.f.Close()
	}
	return f.openCurrent()
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

var _ io.WriteCloser = (*File)(nil)
