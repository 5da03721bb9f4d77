package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunServe_InvalidFlag(t *testing.T) {
	code := run([]string{"serve", "--invalid-flag"})
	if code != 2 {
		t.Fatalf("expected exit code 2 for serve with invalid flag, got %d", code)
	}
}

func TestRunServe_BadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parley.yaml")
	if err := os.WriteFile(path, []byte("deadlines:\n  hard: never\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runServe([]string{"--config", path})
	if code != 2 {
		t.Fatalf("expected exit code 2 for invalid config, got %d", code)
	}
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}
