package pathsafety

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestValidatePath_NoScope(t *testing.T) {
	_, err := ValidatePath("/tmp/whatever", nil)
	if err == nil {
		t.Fatal("expected error for empty scope")
	}
	if !IsOutOfScope(err) {
		t.Errorf("expected KindOutOfScope, got %v", err)
	}
}

func TestValidatePath_WithinScope(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "docs")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(sub, "report.md")
	if err := os.WriteFile(file, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	canonical, err := ValidatePath(file, []string{root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantCanonical, _ := filepath.EvalSymlinks(file)
	if canonical != wantCanonical {
		t.Errorf("canonical = %q, want %q", canonical, wantCanonical)
	}
}

func TestValidatePath_ComponentPrefixNotStringPrefix(t *testing.T) {
	root := t.TempDir()
	scopeDir := filepath.Join(root, "a", "b")
	siblingDir := filepath.Join(root, "a", "bc")
	if err := os.MkdirAll(scopeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(siblingDir, 0o755); err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(siblingDir, "secret.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := ValidatePath(target, []string{scopeDir})
	if err == nil {
		t.Fatal("expected out-of-scope error for sibling directory with shared string prefix")
	}
	if !IsOutOfScope(err) {
		t.Errorf("expected KindOutOfScope, got %v", err)
	}
}

func TestValidatePath_SymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires elevated privileges on windows")
	}

	scope := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "passwd")
	if err := os.WriteFile(secret, []byte("root:x:0:0"), 0o644); err != nil {
		t.Fatal(err)
	}

	link := filepath.Join(scope, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}

	_, err := ValidatePath(filepath.Join(link, "passwd"), []string{scope})
	if err == nil {
		t.Fatal("expected out-of-scope error for symlink escape")
	}
	if !IsOutOfScope(err) {
		t.Errorf("expected KindOutOfScope, got %v", err)
	}
}

func TestValidatePath_ScopeItselfIsSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires elevated privileges on windows")
	}

	realDir := t.TempDir()
	file := filepath.Join(realDir, "a.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	parent := t.TempDir()
	scopeLink := filepath.Join(parent, "scope")
	if err := os.Symlink(realDir, scopeLink); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}

	// Requesting through the symlinked scope root must still resolve and
	// match, because ValidatePath canonicalizes the scope entry too.
	canonical, err := ValidatePath(filepath.Join(scopeLink, "a.txt"), []string{scopeLink})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := filepath.EvalSymlinks(file)
	if canonical != want {
		t.Errorf("canonical = %q, want %q", canonical, want)
	}
}

func TestValidatePath_ResolutionFailed(t *testing.T) {
	root := t.TempDir()
	_, err := ValidatePath(filepath.Join(root, "does-not-exist"), []string{root})
	if err == nil {
		t.Fatal("expected resolution error for nonexistent path")
	}
	if !IsResolutionFailed(err) {
		t.Errorf("expected KindResolutionFailed, got %v", err)
	}
}

func TestValidatePath_SkipsBrokenScopeRoot(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "ok.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	broken := filepath.Join(root, "does-not-exist-root")
	_, err := ValidatePath(file, []string{broken, root})
	if err != nil {
		t.Fatalf("unexpected error when one scope root is broken: %v", err)
	}
}

func TestIsDenied(t *testing.T) {
	tests := []struct {
		name string
		path string
		want bool
	}{
		{"plain file", "/home/u/report.md", false},
		{"dotenv", "/home/u/.env", true},
		{"dotenv variant", "/home/u/.env.production", true},
		{"git dir component", "/home/u/project/.git/config", true},
		{"ssh key", "/home/u/.ssh/id_rsa", true},
		{"ed25519 pub key", "/home/u/id_ed25519.pub", true},
		{"pem suffix", "/home/u/certs/server.pem", true},
		{"pfx suffix", "/home/u/certs/client.pfx", true},
		{"npmrc", "/home/u/.npmrc", true},
		{"credentials json", "/home/u/credentials.json", true},
		{"node_modules component", "/home/u/app/node_modules/pkg/index.js", true},
		{"pycache component", "/home/u/app/__pycache__/mod.pyc", true},
		{"terraform component", "/home/u/infra/.terraform/state", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDenied(tt.path); got != tt.want {
				t.Errorf("IsDenied(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestIsDenied_IDRSAExactName(t *testing.T) {
	if !IsDenied("/home/u/.ssh/id_rsa") {
		t.Error("expected id_rsa to be denied")
	}
	if !IsDenied("/home/u/.ssh/id_rsa.pub") {
		t.Error("expected id_rsa.pub to be denied (prefix match)")
	}
}

func TestResolveConfusableName(t *testing.T) {
	entries := []string{"My Report.txt", "other.txt"}
	readDir := func(string) ([]string, error) { return entries, nil }

	corrected, ok := ResolveConfusableName("/scope/My Report.txt", readDir)
	if !ok {
		t.Fatal("expected a unique confusable match")
	}
	if filepath.Base(corrected) != "My Report.txt" {
		t.Errorf("corrected = %q", corrected)
	}
}

func TestResolveConfusableName_Ambiguous(t *testing.T) {
	entries := []string{"a b.txt", "a b.txt"}
	readDir := func(string) ([]string, error) { return entries, nil }

	_, ok := ResolveConfusableName("/scope/a b.txt", readDir)
	if ok {
		t.Error("expected ambiguous match to fail")
	}
}
