// Package snapshot materialises a project tree into a slot workspace.
//
// A snapshot is always a full overwrite: the workspace is emptied before the
// copy, so nothing from a previous job on the same slot survives into the
// next one.
package snapshot

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"github.com/zpdzap/slotpool/internal/fsutil"
)

// Manifest describes what a snapshot copied.
type Manifest struct {
	Files    int
	Dirs     int
	Symlinks int
	Bytes    int64
	Skipped  []string
	// Digest is a blake3 hash over every copied path, mode and content.
	// Two snapshots of identical trees with the same excludes have the same
	// digest.
	Digest string
}

// Options configures a Snapshotter.
type Options struct {
	// Excludes are patterns for entries left out of every snapshot. A
	// pattern without a slash matches any entry with that base name at any
	// depth (".git", "*.pyc"). A pattern with a slash is matched against the
	// slash-separated path relative to the source root (".slotpool/runs").
	Excludes []string

	// SkipPaths are exact paths relative to the source root whose subtrees
	// are left out, such as a run output directory inside the project.
	SkipPaths []string

	// Remove deletes workspace entries the current user cannot.
	Remove fsutil.Remover

	Logger *slog.Logger
}

// Snapshotter copies source trees into workspaces.
type Snapshotter struct {
	opts Options
}

// New returns a Snapshotter.
func New(opts Options) *Snapshotter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	for i, p := range opts.SkipPaths {
		opts.SkipPaths[i] = strings.Trim(filepath.ToSlash(filepath.Clean(p)), "/")
	}
	return &Snapshotter{opts: opts}
}

// Excluded reports whether rel (slash-separated, relative to the source
// root) is left out of snapshots.
func (s *Snapshotter) Excluded(rel string) bool {
	for _, p := range s.opts.SkipPaths {
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	base := path.Base(rel)
	for _, pattern := range s.opts.Excludes {
		pattern = strings.TrimSuffix(pattern, "/")
		if strings.Contains(pattern, "/") {
			if ok, _ := path.Match(pattern, rel); ok {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// Snapshot replaces the contents of workspace with a copy of source. On
// error the workspace is in an undefined state and must not be used.
func (s *Snapshotter) Snapshot(ctx context.Context, source, workspace string) (Manifest, error) {
	info, err := os.Stat(source)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading source: %w", err)
	}
	if !info.IsDir() {
		return Manifest{}, fmt.Errorf("source %s is not a directory", source)
	}

	if err := fsutil.ClearDir(ctx, workspace, s.opts.Remove); err != nil {
		return Manifest{}, fmt.Errorf("clearing workspace: %w", err)
	}

	hasher := blake3.New()
	stats, err := fsutil.CopyTree(ctx, source, workspace, fsutil.CopyOptions{
		Skip: func(rel string, d fs.DirEntry) bool { return s.Excluded(rel) },
		Hash: hasher,
	})
	if err != nil {
		return Manifest{}, err
	}

	m := Manifest{
		Files:    stats.Files,
		Dirs:     stats.Dirs,
		Symlinks: stats.Symlinks,
		Bytes:    stats.Bytes,
		Skipped:  stats.Skipped,
		Digest:   hex.EncodeToString(hasher.Sum(nil)),
	}
	s.opts.Logger.Debug("snapshot complete",
		"source", source,
		"workspace", workspace,
		"files", m.Files,
		"bytes", m.Bytes,
		"skipped", len(m.Skipped),
	)
	return m, nil
}

// Wipe empties workspace after a job, keeping the directory itself.
// remove, if non-nil, handles entries the current user cannot delete.
func Wipe(ctx context.Context, workspace string, remove fsutil.Remover) error {
	if err := fsutil.ClearDir(ctx, workspace, remove); err != nil {
		return fmt.Errorf("wiping workspace: %w", err)
	}
	return nil
}
