package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mustParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestListFiles_FiltersDeniedSilently(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "report.md"), "hello")
	write(t, filepath.Join(root, ".env"), "SECRET=1")
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	write(t, filepath.Join(root, ".git", "config"), "x")
	write(t, filepath.Join(root, "id_rsa"), "key")

	res, err := ListFiles(context.Background(), mustParams(t, ListFilesParams{Path: root, Recursive: true}), []string{root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data := res.Data.(ListFilesData)
	names := map[string]bool{}
	for _, f := range data.Files {
		names[f.Name] = true
	}
	if !names["report.md"] {
		t.Error("expected report.md present")
	}
	for _, denied := range []string{".env", "config", "id_rsa"} {
		if names[denied] {
			t.Errorf("expected %q to be silently filtered, file list: %+v", denied, data.Files)
		}
	}
}

func TestListFiles_NonRecursiveStopsAtDepthOne(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	write(t, filepath.Join(sub, "nested.txt"), "x")
	write(t, filepath.Join(root, "top.txt"), "x")

	res, err := ListFiles(context.Background(), mustParams(t, ListFilesParams{Path: root}), []string{root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := res.Data.(ListFilesData)
	names := map[string]bool{}
	for _, f := range data.Files {
		names[f.Name] = true
	}
	if !names["top.txt"] || !names["sub"] {
		t.Errorf("expected top.txt and sub directory entries, got %+v", data.Files)
	}
	if names["nested.txt"] {
		t.Error("expected nested.txt to be excluded at depth 1")
	}
}

func TestListFiles_PatternMatchesFilenameOnly(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "a.go"), "x")
	write(t, filepath.Join(root, "b.md"), "x")

	res, err := ListFiles(context.Background(), mustParams(t, ListFilesParams{Path: root, Pattern: "*.go"}), []string{root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := res.Data.(ListFilesData)
	if len(data.Files) != 1 || data.Files[0].Name != "a.go" {
		t.Errorf("expected only a.go, got %+v", data.Files)
	}
}

func TestFileInfo_DeniedReturnsError(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, ".env"), "SECRET=1")

	_, err := FileInfo(context.Background(), mustParams(t, FileInfoParams{Path: filepath.Join(root, ".env")}), []string{root})
	if err == nil {
		t.Fatal("expected denied error for .env")
	}
}

func TestReadFile_TextContent(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	write(t, path, "line1\nline2\nline3\n")

	res, err := ReadFile(context.Background(), mustParams(t, ReadFileParams{Path: path}), []string{root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := res.Data.(ReadFileData)
	if data.Encoding != "" {
		t.Errorf("expected empty encoding for text, got %q", data.Encoding)
	}
	if data.Content != "line1\nline2\nline3\n" {
		t.Errorf("content = %q", data.Content)
	}
	if res.BytesTransferred == nil || *res.BytesTransferred != int64(len("line1\nline2\nline3\n")) {
		t.Errorf("bytes transferred = %v", res.BytesTransferred)
	}
}

func TestReadFile_MaxLines(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	write(t, path, "l1\nl2\nl3\nl4\n")

	n := 2
	res, err := ReadFile(context.Background(), mustParams(t, ReadFileParams{Path: path, MaxLines: &n}), []string{root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := res.Data.(ReadFileData)
	if data.Content != "l1\nl2" {
		t.Errorf("content = %q", data.Content)
	}
}

func TestReadFile_BinaryDetection(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "logo.png")
	payload := append([]byte{0x89, 'P', 'N', 'G', 0x00}, []byte("restofbinary")...)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := ReadFile(context.Background(), mustParams(t, ReadFileParams{Path: path}), []string{root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := res.Data.(ReadFileData)
	if data.Encoding != "base64" {
		t.Fatalf("expected base64 encoding, got %q", data.Encoding)
	}
	decoded, err := base64.StdEncoding.DecodeString(data.Content)
	if err != nil {
		t.Fatalf("invalid base64: %v", err)
	}
	if string(decoded) != string(payload) {
		t.Errorf("round-trip mismatch")
	}
	if res.BytesTransferred == nil || *res.BytesTransferred != int64(len(payload)) {
		t.Errorf("bytes transferred = %v, want %d", res.BytesTransferred, len(payload))
	}
}

func TestReadFile_DirectoryRejected(t *testing.T) {
	root := t.TempDir()
	_, err := ReadFile(context.Background(), mustParams(t, ReadFileParams{Path: root}), []string{root})
	if err == nil || !strings.Contains(err.Error(), "list_files") {
		t.Fatalf("expected directory rejection mentioning list_files, got %v", err)
	}
}

func TestReadFile_SizeCap(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "huge.txt")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	// 60 MiB sparse file.
	if err := f.Truncate(60 * 1024 * 1024); err != nil {
		t.Fatal(err)
	}
	f.Close()

	_, err = ReadFile(context.Background(), mustParams(t, ReadFileParams{Path: path}), []string{root})
	if err == nil {
		t.Fatal("expected size-limit error")
	}
	if !strings.Contains(err.Error(), "60.0 MB") || !strings.Contains(err.Error(), "50 MB") {
		t.Errorf("error = %q, want mentions of 60.0 MB and 50 MB", err.Error())
	}
}

func TestSearchFiles_FilenameMatch(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "invoice_march.pdf"), "x")
	write(t, filepath.Join(root, "notes.txt"), "x")

	res, err := SearchFiles(context.Background(), mustParams(t, SearchFilesParams{Query: "invoice"}), []string{root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := res.Data.(SearchFilesData)
	if len(data.Results) != 1 || data.Results[0].Name != "invoice_march.pdf" {
		t.Errorf("results = %+v", data.Results)
	}
}

func TestSearchFiles_ContentMatch(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "notes.txt"), "first line\nTODO: fix the thing\nlast line\n")

	res, err := SearchFiles(context.Background(), mustParams(t, SearchFilesParams{
		Query: "todo", SearchContent: true,
	}), []string{root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := res.Data.(SearchFilesData)
	if len(data.Results) != 1 {
		t.Fatalf("results = %+v", data.Results)
	}
	if data.Results[0].MatchContext != "L2: TODO: fix the thing" {
		t.Errorf("match_context = %q", data.Results[0].MatchContext)
	}
}

func TestSearchFiles_SkipsDenied(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "id_rsa"), "secret key material")

	res, err := SearchFiles(context.Background(), mustParams(t, SearchFilesParams{
		Query: "secret", SearchContent: true,
	}), []string{root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := res.Data.(SearchFilesData)
	if len(data.Results) != 0 {
		t.Errorf("expected denied file to be skipped, got %+v", data.Results)
	}
}

func TestSearchFiles_RespectsLimit(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		write(t, filepath.Join(root, fmt.Sprintf("match_%d.txt", i)), "x")
	}
	limit := 2
	res, err := SearchFiles(context.Background(), mustParams(t, SearchFilesParams{
		Query: "match", Limit: &limit,
	}), []string{root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := res.Data.(SearchFilesData)
	if len(data.Results) != 2 {
		t.Errorf("expected 2 results, got %d", len(data.Results))
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	_, err := Dispatch(context.Background(), Default(), "delete_everything", nil, nil)
	if err == nil || err.Error() != "Unknown tool: delete_everything" {
		t.Fatalf("got %v", err)
	}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
