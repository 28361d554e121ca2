// Package fsutil copies and clears directory trees for the snapshot and
// artifact steps.
package fsutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// CopyOptions tunes CopyTree.
type CopyOptions struct {
	// Skip, if set, is consulted for every entry below the root. Returning
	// true for a directory skips its whole subtree.
	Skip func(rel string, d fs.DirEntry) bool

	// Hash, if set, receives a canonical stream of every copied entry
	// (relative path, mode, content or link target) in walk order.
	Hash io.Writer
}

// CopyStats summarises a CopyTree call.
type CopyStats struct {
	Files    int
	Dirs     int
	Symlinks int
	Bytes    int64
	Skipped  []string // relative paths left out, including unsafe symlinks
}

// CopyTree copies the contents of src into dst, creating dst if needed.
// Regular files, directories and symlinks are copied with their permission
// bits. Symlinks that are absolute or point outside src are skipped, so a
// copy never references host paths outside the tree. Other file types
// (sockets, devices, fifos) are skipped.
func CopyTree(ctx context.Context, src, dst string, opts CopyOptions) (CopyStats, error) {
	var stats CopyStats

	src, err := filepath.Abs(src)
	if err != nil {
		return stats, err
	}
	dst, err = filepath.Abs(dst)
	if err != nil {
		return stats, err
	}
	if Within(dst, src) {
		return stats, fmt.Errorf("destination %s is inside source %s", dst, src)
	}

	info, err := os.Stat(src)
	if err != nil {
		return stats, fmt.Errorf("reading source: %w", err)
	}
	if !info.IsDir() {
		return stats, fmt.Errorf("source %s is not a directory", src)
	}
	if err := os.MkdirAll(dst, info.Mode().Perm()|0o700); err != nil {
		return stats, fmt.Errorf("creating destination: %w", err)
	}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		slashRel := filepath.ToSlash(rel)

		if opts.Skip != nil && opts.Skip(slashRel, d) {
			stats.Skipped = append(stats.Skipped, slashRel)
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			hashEntry(opts.Hash, "d", slashRel, info.Mode())
			if err := os.MkdirAll(target, info.Mode().Perm()|0o700); err != nil {
				return err
			}
			stats.Dirs++

		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if !safeLink(slashRel, link) {
				stats.Skipped = append(stats.Skipped, slashRel)
				return nil
			}
			hashEntry(opts.Hash, "l", slashRel+" -> "+link, info.Mode())
			if err := os.Symlink(link, target); err != nil {
				return err
			}
			stats.Symlinks++

		case info.Mode().IsRegular():
			hashEntry(opts.Hash, "f", slashRel, info.Mode())
			n, err := copyFile(path, target, info.Mode().Perm(), opts.Hash)
			if err != nil {
				return err
			}
			stats.Files++
			stats.Bytes += n

		default:
			stats.Skipped = append(stats.Skipped, slashRel)
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return stats, nil
}

func copyFile(src, dst string, perm fs.FileMode, hash io.Writer) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}

	var w io.Writer = out
	if hash != nil {
		w = io.MultiWriter(out, hash)
	}
	n, err := io.Copy(w, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

func hashEntry(h io.Writer, kind, rel string, mode fs.FileMode) {
	if h == nil {
		return
	}
	fmt.Fprintf(h, "%s\x00%s\x00%o\x00", kind, rel, mode.Perm())
}

// safeLink reports whether a symlink at rel pointing to link stays inside
// the tree being copied.
func safeLink(rel, link string) bool {
	if filepath.IsAbs(link) {
		return false
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(filepath.FromSlash(rel)), link))
	return resolved != ".." && !strings.HasPrefix(resolved, ".."+string(filepath.Separator))
}

// Within reports whether path is dir or lies below it.
func Within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Remover deletes paths the current user cannot, such as root-owned files
// a container wrote into a bind-mounted workspace.
type Remover func(ctx context.Context, paths []string) error

// ClearDir removes everything inside dir, creating dir if it does not exist.
// dir itself is kept so bind mounts referring to it stay valid. Commands
// often leave read-only directories behind (module caches, chmod'd
// fixtures), so on a failed removal every directory in the tree is made
// owner-writable and the removal retried. Entries that still resist are
// handed to fallback when it is non-nil.
func ClearDir(ctx context.Context, dir string, fallback Remover) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(dir, 0o755)
	}
	if errors.Is(err, fs.ErrPermission) {
		ownerWritable(dir)
		entries, err = os.ReadDir(dir)
	}
	if err != nil {
		return err
	}

	var (
		stuck   []string
		lastErr error
		relaxed bool
	)
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		err := os.RemoveAll(p)
		if err != nil && !relaxed {
			ownerWritable(dir)
			relaxed = true
			err = os.RemoveAll(p)
		}
		if err != nil {
			stuck = append(stuck, p)
			lastErr = err
		}
	}
	if len(stuck) == 0 {
		return nil
	}
	if fallback == nil {
		return lastErr
	}
	if err := fallback(ctx, stuck); err != nil {
		return fmt.Errorf("%w; privileged removal: %w", lastErr, err)
	}
	return nil
}

// ownerWritable adds owner rwx to every directory under root, root
// included. Errors are ignored: the removal that follows reports whatever
// is still stuck.
func ownerWritable(root string) {
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err == nil && info.Mode().Perm()&0o700 != 0o700 {
			_ = os.Chmod(p, info.Mode().Perm()|0o700)
		}
		return nil
	})
}
