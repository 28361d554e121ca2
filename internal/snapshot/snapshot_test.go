package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func listTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		data, _ := os.ReadFile(p)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	return out
}

func TestExcluded(t *testing.T) {
	s := New(Options{Excludes: []string{".git", "node_modules/", "*.pyc", ".slotpool/runs"}})
	tests := []struct {
		rel  string
		want bool
	}{
		{".git", true},
		{"vendor/lib/.git", true},
		{"node_modules", true},
		{"web/node_modules", true},
		{"pkg/mod.pyc", true},
		{".slotpool/runs", true},
		{".slotpool/config.yaml", false},
		{"sub/.slotpool/runs", false},
		{"src/main.go", false},
		{".gitignore", false},
	}
	for _, tt := range tests {
		if got := s.Excluded(tt.rel); got != tt.want {
			t.Errorf("Excluded(%q) = %v, want %v", tt.rel, got, tt.want)
		}
	}
}

func TestSnapshotCopiesAndExcludes(t *testing.T) {
	src := t.TempDir()
	ws := filepath.Join(t.TempDir(), "work")
	writeTree(t, src, map[string]string{
		"main.go":            "package main",
		"lib/util.go":        "package lib",
		".git/HEAD":          "ref: refs/heads/main",
		"result":             "nix build output",
		"web/node_modules/x": "dep",
	})

	s := New(Options{Excludes: []string{".git", "result", "node_modules"}})
	m, err := s.Snapshot(context.Background(), src, ws)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if m.Files != 2 {
		t.Errorf("Files = %d, want 2", m.Files)
	}
	if m.Digest == "" {
		t.Error("Digest is empty")
	}

	got := listTree(t, ws)
	want := map[string]string{"main.go": "package main", "lib/util.go": "package lib"}
	if len(got) != len(want) {
		t.Fatalf("workspace = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("workspace[%q] = %q, want %q", k, got[k], v)
		}
	}
}

// TestSnapshotOverwritesPreviousJob checks that a second snapshot on the same
// workspace leaves no residue from the first.
func TestSnapshotOverwritesPreviousJob(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	ws := filepath.Join(t.TempDir(), "work")
	writeTree(t, first, map[string]string{"old.txt": "old", "shared/a.txt": "first"})
	writeTree(t, second, map[string]string{"new.txt": "new", "shared/a.txt": "second"})

	s := New(Options{})
	if _, err := s.Snapshot(context.Background(), first, ws); err != nil {
		t.Fatalf("first Snapshot: %v", err)
	}
	// Commands of the first job also write into the workspace.
	writeTree(t, ws, map[string]string{"build/out.bin": "stale"})

	if _, err := s.Snapshot(context.Background(), second, ws); err != nil {
		t.Fatalf("second Snapshot: %v", err)
	}
	got := listTree(t, ws)
	want := listTree(t, second)
	if len(got) != len(want) {
		t.Fatalf("workspace = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("workspace[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestSnapshotDigestStable(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a": "1", "b/c": "2"})
	s := New(Options{})

	m1, err := s.Snapshot(context.Background(), src, filepath.Join(t.TempDir(), "w1"))
	if err != nil {
		t.Fatal(err)
	}
	m2, err := s.Snapshot(context.Background(), src, filepath.Join(t.TempDir(), "w2"))
	if err != nil {
		t.Fatal(err)
	}
	if m1.Digest != m2.Digest {
		t.Errorf("digests differ for identical trees: %s vs %s", m1.Digest, m2.Digest)
	}

	writeTree(t, src, map[string]string{"b/c": "changed"})
	m3, err := s.Snapshot(context.Background(), src, filepath.Join(t.TempDir(), "w3"))
	if err != nil {
		t.Fatal(err)
	}
	if m3.Digest == m1.Digest {
		t.Error("digest unchanged after content change")
	}
}

func TestSnapshotMissingSource(t *testing.T) {
	s := New(Options{})
	if _, err := s.Snapshot(context.Background(), filepath.Join(t.TempDir(), "nope"), t.TempDir()); err == nil {
		t.Fatal("Snapshot of a missing source should fail")
	}
}

func TestWipe(t *testing.T) {
	ws := t.TempDir()
	writeTree(t, ws, map[string]string{"x/y": "z"})
	if err := Wipe(context.Background(), ws, nil); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	if got := listTree(t, ws); len(got) != 0 {
		t.Errorf("workspace after Wipe = %v", got)
	}
}

func TestExcludedSkipPaths(t *testing.T) {
	s := New(Options{SkipPaths: []string{"runs/out/", "artifacts"}})
	tests := []struct {
		rel  string
		want bool
	}{
		{"artifacts", true},
		{"artifacts/slot1/lifecycle.log", true},
		{"runs/out", true},
		{"runs/out/x", true},
		{"runs", false},
		{"src/artifacts", false},
		{"artifacts2", false},
	}
	for _, tt := range tests {
		if got := s.Excluded(tt.rel); got != tt.want {
			t.Errorf("Excluded(%q) = %v, want %v", tt.rel, got, tt.want)
		}
	}
}

func TestSnapshotClearsReadOnlyLeftovers(t *testing.T) {
	src := t.TempDir()
	ws := filepath.Join(t.TempDir(), "work")
	writeTree(t, src, map[string]string{"main.go": "package main"})
	writeTree(t, ws, map[string]string{"cache/mod/x": "left by a previous job"})
	if err := os.Chmod(filepath.Join(ws, "cache", "mod"), 0o555); err != nil {
		t.Fatal(err)
	}

	if _, err := New(Options{}).Snapshot(context.Background(), src, ws); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	got := listTree(t, ws)
	if len(got) != 1 || got["main.go"] != "package main" {
		t.Errorf("workspace = %v, want only main.go", got)
	}
}
