// Package tools implements the four read-only filesystem operations the
// server may invoke: list_files, file_info, read_file, search_files.
// Every handler validates its path argument through pathsafety before
// touching disk, and returns data shaped for direct JSON encoding into a
// protocol.ResponseFrame.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/thebeakr/desktop-agent/internal/pathsafety"
)

// EntryType is the "type" field of a directory listing entry.
type EntryType string

const (
	EntryFile      EntryType = "file"
	EntryDirectory EntryType = "directory"
	EntrySymlink   EntryType = "symlink"
)

// Result is what a Handler returns: data to embed in the response frame,
// and an optional byte count to surface as bytes_transferred.
type Result struct {
	Data             any
	BytesTransferred *int64
}

// Handler is the shape every tool implements.
type Handler func(ctx context.Context, params json.RawMessage, scope []string) (Result, error)

// Registry maps tool names to handlers, used by the supervisor's dispatch
// loop. Dispatch reports a name missing from the registry as
// `"Unknown tool: <name>"`.
type Registry map[string]Handler

// Default returns the registry of the four built-in tools.
func Default() Registry {
	return Registry{
		"list_files":   ListFiles,
		"file_info":    FileInfo,
		"read_file":    ReadFile,
		"search_files": SearchFiles,
	}
}

// Dispatch looks up tool in reg and invokes it. For an unknown tool it
// returns the error "Unknown tool: <name>", which the caller sends back as
// an error response like any other handler error; it is not a connection
// failure.
func Dispatch(ctx context.Context, reg Registry, tool string, params json.RawMessage, scope []string) (Result, error) {
	handler, ok := reg[tool]
	if !ok {
		return Result{}, fmt.Errorf("Unknown tool: %s", tool)
	}
	return handler(ctx, params, scope)
}

func entryType(info os.FileInfo) EntryType {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return EntrySymlink
	case info.IsDir():
		return EntryDirectory
	default:
		return EntryFile
	}
}

func modifiedAt(info os.FileInfo) *string {
	t := info.ModTime().UTC().Format(time.RFC3339)
	return &t
}

// statNoFollow stats path without following a trailing symlink, so a
// symlink entry is reported as EntrySymlink rather than resolved.
func statNoFollow(path string) (os.FileInfo, error) {
	return os.Lstat(path)
}

// denyWrap builds the standard "access denied" handler error for path,
// preserving pathsafety.KindDenied so callers further up the stack (the
// supervisor's metrics wiring) can distinguish a denial from any other
// handler error via pathsafety.IsDeniedErr.
func denyWrap(path string) error {
	return pathsafety.Denied(path)
}

// validateForFilter validates path for list/search: on an OutOfScope or
// resolution error it is propagated (the root itself must be valid); the
// caller is expected to silently skip individual denied descendants
// rather than call this per-entry.
func validateForFilter(path string, scope []string) (string, error) {
	return pathsafety.ValidatePath(path, scope)
}
