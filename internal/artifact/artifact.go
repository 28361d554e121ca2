// Package artifact copies a designated output directory out of a slot's
// workspace after the commands have run, and optionally archives or uploads
// it.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zpdzap/slotpool/internal/fsutil"
)

// ErrInvalidSubpath is returned for artifact subpaths that are absolute or
// escape the workspace.
var ErrInvalidSubpath = errors.New("artifact subpath must be relative and stay inside the workspace")

// Collected describes one Collect call.
type Collected struct {
	Source string
	Dest   string
	// Present is false when the artifact directory did not exist, which is
	// not an error.
	Present bool
	Stats   fsutil.CopyStats
}

// Collect copies workspace/subpath into dest, creating dest if needed.
// Files already in dest are overwritten; other files in dest are left
// alone.
func Collect(ctx context.Context, workspace, subpath, dest string) (Collected, error) {
	src, err := resolve(workspace, subpath)
	if err != nil {
		return Collected{}, err
	}
	c := Collected{Source: src, Dest: dest}

	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("reading artifacts: %w", err)
	}
	if !info.IsDir() {
		return c, fmt.Errorf("artifacts path %s is not a directory", src)
	}

	c.Present = true
	c.Stats, err = fsutil.CopyTree(ctx, src, dest, fsutil.CopyOptions{})
	if err != nil {
		return c, err
	}
	return c, nil
}

func resolve(workspace, subpath string) (string, error) {
	if subpath == "" || filepath.IsAbs(subpath) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSubpath, subpath)
	}
	clean := filepath.Clean(subpath)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSubpath, subpath)
	}
	return filepath.Join(workspace, clean), nil
}
