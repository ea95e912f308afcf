package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/thebeakr/desktop-agent/internal/pathsafety"
)

const (
	maxReadBytes   = 50 * 1024 * 1024 // 50 MiB
	sniffBytes     = 8192
	mib            = 1024 * 1024
)

// ReadFileParams is the params object for read_file.
type ReadFileParams struct {
	Path     string `json:"path"`
	Encoding string `json:"encoding,omitempty"`
	MaxLines *int   `json:"max_lines,omitempty"`
}

// ReadFileData is the data object of a successful read_file response.
type ReadFileData struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

// ReadFile reads the requested file, detecting binary content by
// scanning the first 8KiB for a NUL byte. Binary files are returned
// whole, base64-encoded; text files are read as UTF-8 and optionally
// truncated to the first N lines.
func ReadFile(ctx context.Context, raw json.RawMessage, scope []string) (Result, error) {
	var params ReadFileParams
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

	info, err := os.Stat(canonical)
	if err != nil {
		return Result{}, fmt.Errorf("stat %q: %w", canonical, err)
	}
	if info.IsDir() {
		return Result{}, fmt.Errorf("%q is a directory, use list_files", canonical)
	}
	if info.Size() > maxReadBytes {
		return Result{}, fmt.Errorf(
			"file too large: %s exceeds the 50 MB limit",
			formatMB(info.Size()),
		)
	}

	f, err := os.Open(canonical)
	if err != nil {
		return Result{}, fmt.Errorf("open %q: %w", canonical, err)
	}
	defer f.Close()

	sniff := make([]byte, sniffBytes)
	n, err := io.ReadFull(f, sniff)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Result{}, fmt.Errorf("read %q: %w", canonical, err)
	}
	isBinary := bytes.IndexByte(sniff[:n], 0) >= 0

	if isBinary {
		rest, err := io.ReadAll(f)
		if err != nil {
			return Result{}, fmt.Errorf("read %q: %w", canonical, err)
		}
		whole := append(append([]byte(nil), sniff[:n]...), rest...)
		encoded := base64.StdEncoding.EncodeToString(whole)
		bt := int64(len(whole))
		return Result{
			Data:             ReadFileData{Content: encoded, Encoding: "base64"},
			BytesTransferred: &bt,
		}, nil
	}

	rest, err := io.ReadAll(f)
	if err != nil {
		return Result{}, fmt.Errorf("read %q: %w", canonical, err)
	}
	whole := append(append([]byte(nil), sniff[:n]...), rest...)
	bt := int64(len(whole))

	content := string(whole)
	if params.MaxLines != nil {
		content = firstNLines(content, *params.MaxLines)
	}

	return Result{
		Data:             ReadFileData{Content: content},
		BytesTransferred: &bt,
	}, nil
}

// formatMB renders a byte count as "<n.n> MB" using a 1024-based
// megabyte, matching the size cap error text the server expects
// ("60.0 MB exceeds the 50 MB limit").
func formatMB(n int64) string {
	return fmt.Sprintf("%.1f MB", float64(n)/float64(mib))
}

// firstNLines keeps the first n line-terminated segments of s, joined by
// "\n". A trailing partial line (no terminator) counts only if n lines
// have not already been collected.
func firstNLines(s string, n int) string {
	if n <= 0 {
		return ""
	}
	scanner := bufio.NewScanner(strings.NewReader(s))
	scanner.Buffer(make([]byte, 0, 64*1024), mib*16)
	lines := make([]string, 0, n)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) == n {
			break
		}
	}
	return strings.Join(lines, "\n")
}
