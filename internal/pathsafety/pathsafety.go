// Package pathsafety implements the two predicates every filesystem tool
// handler must pass a request through before touching disk: a scope check
// that resolves symlinks on both sides of the comparison, and a deny-list
// check for filenames and directory components that are never exposed
// regardless of scope.
//
// Neither predicate performs I/O beyond what is required to canonicalize
// a path (stat + readlink, via filepath.EvalSymlinks). Both are pure with
// respect to everything except the filesystem's current symlink layout.
package pathsafety

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// Kind identifies the taxonomy of a path-safety error. Callers branch on
// it through IsOutOfScope, IsDeniedErr and IsResolutionFailed (the
// supervisor uses this to count path-safety rejections); tool handlers
// return these errors to the server unchanged.
type Kind int

const (
	// KindOutOfScope means the canonical path does not fall under any
	// canonical scope root.
	KindOutOfScope Kind = iota
	// KindResolutionFailed means the requested path (or a scope root)
	// could not be canonicalized — it does not exist, or a component
	// along the way is not a directory.
	KindResolutionFailed
	// KindDenied means the path matched the deny-list.
	KindDenied
)

// Error is the structured error returned by ValidatePath and wrapped by
// handlers that call IsDenied.
type Error struct {
	Kind Kind
	Path string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func outOfScope(canonical string) *Error {
	return &Error{
		Kind: KindOutOfScope,
		Path: canonical,
		Msg:  fmt.Sprintf("Path is outside scoped folders: %s", canonical),
	}
}

func resolutionFailed(requested string, cause error) *Error {
	return &Error{
		Kind: KindResolutionFailed,
		Path: requested,
		Msg:  fmt.Sprintf("could not resolve path %q: %v", requested, cause),
	}
}

// Denied returns a KindDenied error for the given path. Exported so tool
// handlers that call IsDenied directly can build a consistent error.
func Denied(path string) *Error {
	return &Error{
		Kind: KindDenied,
		Path: path,
		Msg:  fmt.Sprintf("access to %q is denied", path),
	}
}

// ValidatePath canonicalizes requested and checks it falls under one of
// the canonicalized scope roots, as a path-component prefix rather than a
// string prefix. It returns the canonical path on success.
//
// scope entries that fail to canonicalize (stale/unmounted directories)
// are skipped rather than treated as a hard failure — a single broken
// scope root must not make every other scope root unreachable.
func ValidatePath(requested string, scope []string) (string, error) {
	if len(scope) == 0 {
		return "", &Error{Kind: KindOutOfScope, Msg: "no scoped folders configured"}
	}

	canonical, err := canonicalize(requested)
	if err != nil {
		return "", resolutionFailed(requested, err)
	}

	for _, root := range scope {
		canonicalRoot, err := canonicalize(root)
		if err != nil {
			continue
		}
		if withinRoot(canonical, canonicalRoot) {
			return canonical, nil
		}
	}

	return "", outOfScope(canonical)
}

// canonicalize resolves symlinks and `.`/`..` segments, returning an
// absolute, clean path.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return filepath.Clean(resolved), nil
}

// withinRoot reports whether path is root itself or a descendant of root,
// compared component-wise so that "/a/bc" is never considered within "/a/b".
func withinRoot(path, root string) bool {
	if path == root {
		return true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(path, root)
}

// deniedDirs are path components that are never exposed, regardless of
// scope, when they appear anywhere along a path.
var deniedDirs = map[string]bool{
	".git":         true,
	".ssh":         true,
	".aws":         true,
	".gnupg":       true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	".terraform":   true,
}

// deniedNames are exact (lowercased) file names that are always denied.
var deniedNames = map[string]bool{
	".gitconfig":          true,
	".npmrc":               true,
	".pypirc":              true,
	"credentials.json":     true,
	"service-account.json": true,
}

// deniedPrefixes are (lowercased) file-name prefixes that are denied both
// exactly and with any suffix beginning with ".".
var deniedPrefixes = []string{".env", "id_rsa", "id_ed25519", "id_ecdsa", "id_dsa"}

// deniedSuffixes are (lowercased) file-name suffixes that are always denied.
var deniedSuffixes = []string{".key", ".pem", ".p12", ".pfx", ".jks"}

// caseInsensitiveDirGOOS reports the platforms where the default
// filesystem is case-preserving but case-insensitive, so that a directory
// named ".GIT" is caught by the same rule that catches ".git". Linux is
// deliberately excluded — ext4/xfs/btrfs are case-sensitive, and a
// case-insensitive directory-name comparison there would be wrong.
func caseInsensitiveDirGOOS() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// IsDenied reports whether path matches the sensitive-data deny list:
// any path component equal to a denied directory name, or a file name
// matching a denied exact name, prefix, or suffix.
func IsDenied(path string) bool {
	insensitiveDirs := caseInsensitiveDirGOOS()

	components := strings.Split(filepath.ToSlash(path), "/")
	for _, comp := range components {
		if comp == "" {
			continue
		}
		if deniedDirs[comp] {
			return true
		}
		if insensitiveDirs && deniedDirs[strings.ToLower(comp)] {
			return true
		}
	}

	name := strings.ToLower(filepath.Base(path))
	if deniedNames[name] {
		return true
	}
	for _, prefix := range deniedPrefixes {
		if name == prefix || strings.HasPrefix(name, prefix+".") {
			return true
		}
	}
	for _, suffix := range deniedSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// confusableSpaces maps Unicode characters that render as whitespace but
// are not U+0020 to an ASCII space, so that a lookup for a path copy-pasted
// from a browser or chat client (which often substitutes U+00A0 or a thin
// space for a literal space) can still find the real file on disk.
var confusableSpaces = []rune{
	' ', ' ', ' ', ' ', ' ',
	' ', ' ', ' ', '　',
}

func normalizeConfusables(name string) string {
	return strings.Map(func(r rune) rune {
		for _, c := range confusableSpaces {
			if r == c {
				return ' '
			}
		}
		return r
	}, name)
}

// ResolveConfusableName re-scans the parent directory of requested for an
// entry whose name matches after mapping Unicode confusable-space
// characters to ASCII space. It returns the corrected absolute path when
// exactly one entry matches; it returns ok=false (the caller should report
// the original error) on zero or multiple matches.
func ResolveConfusableName(requested string, readDir func(dir string) ([]string, error)) (corrected string, ok bool) {
	dir := filepath.Dir(requested)
	want := normalizeConfusables(filepath.Base(requested))

	entries, err := readDir(dir)
	if err != nil {
		return "", false
	}

	var match string
	count := 0
	for _, name := range entries {
		if normalizeConfusables(name) == want {
			match = name
			count++
		}
	}
	if count != 1 {
		return "", false
	}
	return filepath.Join(dir, match), true
}

// IsOutOfScope reports whether err is a path-safety error of KindOutOfScope.
func IsOutOfScope(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindOutOfScope
}

// IsDeniedErr reports whether err is a path-safety error of KindDenied.
func IsDeniedErr(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindDenied
}

// IsResolutionFailed reports whether err is a path-safety error of
// KindResolutionFailed.
func IsResolutionFailed(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindResolutionFailed
}
