package env

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotEnvParsesKeyValuePairs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	writeFile(t, path, "# comment\n\nPORT=8080\nNAME=\"quoted value\"\nSINGLE='also quoted'\n")

	vars, err := LoadDotEnv(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := map[string]string{"PORT": "8080", "NAME": "quoted value", "SINGLE": "also quoted"}
	for k, v := range want {
		if vars[k] != v {
			t.Fatalf("expected %s=%q, got %q", k, v, vars[k])
		}
	}
}

func TestLoadDotEnvMissingFileIsNotAnError(t *testing.T) {
	vars, err := LoadDotEnv(filepath.Join(t.TempDir(), ".env"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if vars != nil {
		t.Fatalf("expected nil vars for missing file, got %v", vars)
	}
}

func TestLoadDotEnvRejectsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	writeFile(t, path, "NOT_A_PAIR\n")

	if _, err := LoadDotEnv(path); err == nil {
		t.Fatal("expected an error for a line without '='")
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
