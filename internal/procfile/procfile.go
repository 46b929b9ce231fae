// Package procfile parses the line-based "name: command" declarations of
// spec.md §6, plus the directory-discovery supplement of SPEC_FULL.md
// (Procfile + optional Procfile.local override). Grounded on the teacher's
// internal/config validation style (explicit fmt.Errorf per bad entry,
// collected rather than stopping at the first), not its YAML/viper
// machinery — the Procfile grammar is deliberately smaller than anything
// viper parses.
package procfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mrgnw/ubermind/internal/procdef"
)

// nameRE is spec.md §6's process-name grammar.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Entry is one parsed Procfile line, prior to Definition defaults (restart
// policy, env, autostart) being layered on by the registering collaborator.
type Entry struct {
	Name    string
	Command string
}

// Parse reads Procfile lines from r. Blank lines and lines beginning with
// '#' are ignored. A line not matching "name: command" or whose name
// reuses an earlier one is a parse error; Parse collects every error
// before returning so a caller can report them all at once.
func Parse(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	seen := make(map[string]struct{})
	var entries []Entry
	var errs []string

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		idx := strings.Index(line, ":")
		if idx < 0 {
			errs = append(errs, fmt.Sprintf("line %d: missing ':' separator", lineNo))
			continue
		}
		name := strings.TrimSpace(line[:idx])
		command := strings.TrimSpace(line[idx+1:])

		if !nameRE.MatchString(name) {
			errs = append(errs, fmt.Sprintf("line %d: invalid process name %q", lineNo, name))
			continue
		}
		if command == "" {
			errs = append(errs, fmt.Sprintf("line %d: process %q has an empty command", lineNo, name))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Sprintf("line %d: duplicate process name %q", lineNo, name))
			continue
		}
		seen[name] = struct{}{}
		entries = append(entries, Entry{Name: name, Command: command})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading Procfile: %w", err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid Procfile:\n%s", strings.Join(errs, "\n"))
	}
	return entries, nil
}

// ParseFile opens path and parses it with Parse.
func ParseFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// LoadDir implements SPEC_FULL.md's directory-discovery supplement:
// "Procfile" plus an optional "Procfile.local" override. Entries in
// Procfile.local replace entries of the same name from Procfile and may
// add new ones; the combined order is Procfile's order followed by any
// Procfile.local-only additions.
func LoadDir(dir string) ([]Entry, error) {
	base, err := ParseFile(filepath.Join(dir, "Procfile"))
	if err != nil {
		return nil, err
	}

	localPath := filepath.Join(dir, "Procfile.local")
	local, err := ParseFile(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return nil, err
	}

	byName := make(map[string]int, len(base))
	merged := append([]Entry(nil), base...)
	for i, e := range merged {
		byName[e.Name] = i
	}
	for _, e := range local {
		if i, ok := byName[e.Name]; ok {
			merged[i] = e
			continue
		}
		byName[e.Name] = len(merged)
		merged = append(merged, e)
	}
	return merged, nil
}

// ToDefinitions converts parsed entries into Definitions with restart
// policy and autostart applied uniformly — used when the projects/commands
// configuration collaborator has no per-process overrides.
func ToDefinitions(entries []Entry, restartEnabled bool, maxRetries int) []procdef.Definition {
	defs := make([]procdef.Definition, 0, len(entries))
	for _, e := range entries {
		defs = append(defs, procdef.Definition{
			Name:           e.Name,
			Command:        e.Command,
			Type:           procdef.Service,
			RestartEnabled: restartEnabled,
			MaxRetries:     maxRetries,
			Autostart:      true,
		}.Normalize())
	}
	return defs
}
