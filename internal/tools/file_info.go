package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/thebeakr/desktop-agent/internal/pathsafety"
)

// FileInfoParams is the params object for file_info.
type FileInfoParams struct {
	Path string `json:"path"`
}

// FileInfoData is the data object of a successful file_info response.
type FileInfoData struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	Type        EntryType `json:"type"`
	ModifiedAt  *string   `json:"modified_at"`
	Permissions string    `json:"permissions"`
	IsReadable  bool      `json:"is_readable"`
}

// FileInfo stats the requested path and reports metadata, rejecting
// (rather than silently filtering) deny-listed paths.
func FileInfo(ctx context.Context, raw json.RawMessage, scope []string) (Result, error) {
	var params FileInfoParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return Result{}, fmt.Errorf("invalid params: %w", err)
	}

	canonical, err := pathsafety.ValidatePath(params.Path, scope)
	if err != nil {
		return Result{}, err
	}
	if pathsafety.IsDenied(canonical) {
		return Result{}, denyWrap(canonical)
	}

	info, err := statNoFollow(canonical)
	if err != nil {
		return Result{}, fmt.Errorf("stat %q: %w", canonical, err)
	}

	return Result{Data: FileInfoData{
		Name:        filepath.Base(canonical),
		Path:        canonical,
		Size:        info.Size(),
		Type:        entryType(info),
		ModifiedAt:  modifiedAt(info),
		Permissions: permissionsString(info),
		IsReadable:  isReadable(canonical),
	}}, nil
}

// permissionsString renders the POSIX octal mode on Unix, or a coarse
// readonly/read-write label on Windows, where the POSIX mode bits
// os.FileInfo reports are synthesized and not meaningful to a user.
func permissionsString(info os.FileInfo) string {
	if runtime.GOOS == "windows" {
		if info.Mode().Perm()&0o200 == 0 {
			return "readonly"
		}
		return "read-write"
	}
	return fmt.Sprintf("%03o", info.Mode().Perm())
}

// isReadable reports whether path can be opened for reading.
func isReadable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
