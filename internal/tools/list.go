package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/thebeakr/desktop-agent/internal/pathsafety"
)

// FileEntry is a single entry in a list_files response.
type FileEntry struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Type       EntryType `json:"type"`
	ModifiedAt *string   `json:"modified_at"`
}

// ListFilesParams is the params object for list_files.
type ListFilesParams struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
}

// ListFilesData is the data object of a successful list_files response.
type ListFilesData struct {
	Files []FileEntry `json:"files"`
}

// ListFiles walks the requested directory (bounded to depth 1 unless
// Recursive is set), never following symlinks, silently skipping denied
// entries, and optionally filtering by a filename-only glob pattern.
func ListFiles(ctx context.Context, raw json.RawMessage, scope []string) (Result, error) {
	var params ListFilesParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return Result{}, fmt.Errorf("invalid params: %w", err)
	}

	root, err := validateForFilter(params.Path, scope)
	if err != nil {
		return Result{}, err
	}

	entries := make([]FileEntry, 0, 64)
	maxDepth := 1
	if params.Recursive {
		maxDepth = -1 // unbounded
	}

	err = walkBounded(root, maxDepth, func(path string, info os.FileInfo, depth int) error {
		if path == root {
			return nil // skip the root entry itself
		}
		if denyWalk(path) {
			return nil // silently skip
		}
		if params.Pattern != "" {
			matched, err := doublestar.Match(params.Pattern, filepath.Base(path))
			if err != nil || !matched {
				return nil
			}
		}
		entries = append(entries, FileEntry{
			Name:       filepath.Base(path),
			Path:       path,
			Size:       info.Size(),
			Type:       entryType(info),
			ModifiedAt: modifiedAt(info),
		})
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	return Result{Data: ListFilesData{Files: entries}}, nil
}

// denyWalk reports whether path should be silently skipped by the
// listing and search walkers — the same predicate read_file/file_info
// use to reject with an error instead.
func denyWalk(path string) bool {
	return pathsafety.IsDenied(path)
}

// walkBounded walks root to maxDepth (maxDepth<0 means unbounded),
// never following symlinks, invoking fn for every entry including
// directories (fn decides whether to keep it). depth is 1 for direct
// children of root.
func walkBounded(root string, maxDepth int, fn func(path string, info os.FileInfo, depth int) error) error {
	rootInfo, err := os.Lstat(root)
	if err != nil {
		return fmt.Errorf("stat %q: %w", root, err)
	}
	if !rootInfo.IsDir() {
		return fmt.Errorf("%q is not a directory", root)
	}
	return walkDir(root, 1, maxDepth, fn)
}

func walkDir(dir string, depth, maxDepth int, fn func(path string, info os.FileInfo, depth int) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		// A directory that disappeared or became unreadable mid-walk is
		// skipped rather than aborting the whole listing.
		return nil
	}

	for _, de := range entries {
		path := filepath.Join(dir, de.Name())
		info, err := de.Info()
		if err != nil {
			continue
		}

		if err := fn(path, info, depth); err != nil {
			return err
		}

		isSymlink := info.Mode()&os.ModeSymlink != 0
		if info.IsDir() && !isSymlink && (maxDepth < 0 || depth < maxDepth) {
			if err := walkDir(path, depth+1, maxDepth, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
