package env

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadDotEnv reads the per-process environment file SPEC_FULL.md adds
// alongside a service's Procfile: "KEY=VALUE" per line, blank lines and
// lines starting with '#' ignored, values optionally wrapped in matching
// single or double quotes. A missing file is not an error — it is treated
// as the empty layer, since declaring a .env file is optional.
func LoadDotEnv(path string) (Vars, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("env: open %s: %w", path, err)
	}
	defer f.Close()

	vars := make(Vars)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, fmt.Errorf("env: %s:%d: missing '=' in %q", path, lineNo, line)
		}
		key := strings.TrimSpace(line[:idx])
		if key == "" {
			return nil, fmt.Errorf("env: %s:%d: empty key", path, lineNo)
		}
		vars[key] = unquote(strings.TrimSpace(line[idx+1:]))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("env: reading %s: %w", path, err)
	}
	return vars, nil
}

func unquote(v string) string {
	if len(v) < 2 {
		return v
	}
	if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
		return v[1 : len(v)-1]
	}
	return v
}
