package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/thebeakr/desktop-agent/internal/pathsafety"
)

const (
	maxSearchContentBytes = 10 * 1024 * 1024 // 10 MiB
	defaultSearchLimit    = 20
	matchContextMaxLen    = 200
)

// SearchFilesParams is the params object for search_files.
type SearchFilesParams struct {
	Query         string   `json:"query"`
	Path          string   `json:"path,omitempty"`
	SearchContent bool     `json:"search_content,omitempty"`
	FileTypes     []string `json:"file_types,omitempty"`
	Limit         *int     `json:"limit,omitempty"`
}

// SearchResult is a single match in a search_files response.
type SearchResult struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	MatchContext string `json:"match_context,omitempty"`
}

// SearchFilesData is the data object of a successful search_files response.
type SearchFilesData struct {
	Results []SearchResult `json:"results"`
}

// SearchFiles walks one or more roots looking for a filename or
// in-content substring match, never following symlinks, skipping denied
// entries, stopping once limit results have accumulated across all roots.
func SearchFiles(ctx context.Context, raw json.RawMessage, scope []string) (Result, error) {
	var params SearchFilesParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return Result{}, fmt.Errorf("invalid params: %w", err)
	}

	limit := defaultSearchLimit
	if params.Limit != nil {
		limit = *params.Limit
	}

	var roots []string
	if params.Path != "" {
		root, err := pathsafety.ValidatePath(params.Path, scope)
		if err != nil {
			return Result{}, err
		}
		roots = []string{root}
	} else {
		for _, s := range scope {
			canonical, err := pathsafety.ValidatePath(s, scope)
			if err != nil {
				continue
			}
			roots = append(roots, canonical)
		}
	}

	typeSet := make(map[string]bool, len(params.FileTypes))
	for _, ext := range params.FileTypes {
		typeSet[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}

	query := strings.ToLower(params.Query)
	results := make([]SearchResult, 0, limit)

	for _, root := range roots {
		if len(results) >= limit {
			break
		}
		_ = walkBounded(root, -1, func(path string, info os.FileInfo, depth int) error {
			if len(results) >= limit {
				return errStop
			}
			if path == root || info.IsDir() {
				return nil
			}
			if denyWalk(path) {
				return nil
			}
			if len(typeSet) > 0 && !typeSet[strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))] {
				return nil
			}

			if !params.SearchContent {
				if strings.Contains(strings.ToLower(filepath.Base(path)), query) {
					results = append(results, SearchResult{Path: path, Name: filepath.Base(path)})
				}
				return nil
			}

			if info.Size() > maxSearchContentBytes {
				return nil // treated as "no match"
			}
			if context, ok := searchContentMatch(path, query); ok {
				results = append(results, SearchResult{
					Path:         path,
					Name:         filepath.Base(path),
					MatchContext: context,
				})
			}
			return nil
		})
	}

	if len(results) > limit {
		results = results[:limit]
	}
	return Result{Data: SearchFilesData{Results: results}}, nil
}

// errStop is a sentinel used internally to unwind walkDir once the
// result limit has been reached; it is never surfaced to the caller.
var errStop = fmt.Errorf("search: limit reached")

// searchContentMatch scans path line by line for a case-insensitive
// substring match, returning the first hit. Any read error is treated as
// "no match" rather than propagated, per spec.
func searchContentMatch(path, query string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.Contains(strings.ToLower(line), query) {
			return fmt.Sprintf("L%d: %s", lineNum, truncate(line, matchContextMaxLen)), true
		}
	}
	return "", false
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
