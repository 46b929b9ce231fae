package logrotate

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// logNamePattern matches any file this package produces for a given
// process: "{process} {YY-MMDD}.log", "{process} {YY-MMDD} {HH}.log", or
// "{process} {YY-MMDD} {HH.MM}.log".
var logNamePattern = regexp.MustCompile(`^(.+) \d{2}-\d{4}( \d{2}(\.\d{2})?)?\.log$`)

// ExpireOnce walks every service directory under the log root and deletes
// files older than RetentionAge, then caps the remaining count per process
// to RetentionKeep (oldest first). Both are no-ops when their threshold is
// zero. Errors for individual files are swallowed (best-effort cleanup);
// the caller on a timer doesn't need per-file failures surfaced.
func (m *Manager) ExpireOnce() {
	if m.RetentionAge <= 0 && m.RetentionKeep <= 0 {
		return
	}
	entries, err := os.ReadDir(m.Root)
	if err != nil {
		return
	}
	for _, svc := range entries {
		if !svc.IsDir() {
			continue
		}
		m.expireServiceDir(filepath.Join(m.Root, svc.Name()))
	}
}

type logFile struct {
	path    string
	process string
	modTime time.Time
}

func (m *Manager) expireServiceDir(dir string) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	now := time.Now()
	byProcess := make(map[string][]logFile)
	for _, de := range files {
		if de.IsDir() {
			continue
		}
		match := logNamePattern.FindStringSubmatch(de.Name())
		if match == nil {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if m.RetentionAge > 0 && now.Sub(info.ModTime()) > m.RetentionAge {
			_ = os.Remove(filepath.Join(dir, de.Name()))
			continue
		}
		byProcess[match[1]] = append(byProcess[match[1]], logFile{
			path:    filepath.Join(dir, de.Name()),
			process: match[1],
			modTime: info.ModTime(),
		})
	}

	if m.RetentionKeep <= 0 {
		return
	}
	for _, lfs := range byProcess {
		if len(lfs) <= m.RetentionKeep {
			continue
		}
		sort.Slice(lfs, func(i, j int) bool { return lfs[i].modTime.Before(lfs[j].modTime) })
		excess := len(lfs) - m.RetentionKeep
		for i := 0; i < excess; i++ {
			_ = os.Remove(lfs[i].path)
		}
	}
}

// StartExpiry launches the singleton Log-manager task (spec.md §5): a
// ticker that periodically calls ExpireOnce until stop is closed.
func (m *Manager) StartExpiry(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.ExpireOnce()
			case <-stop:
				return
			}
		}
	}()
}
