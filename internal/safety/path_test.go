package safety

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSafeJoinUnder(t *testing.T) {
	root := t.TempDir()

	okPath, err := SafeJoinUnder(root, "__to_ziploy/chunks")
	if err != nil {
		t.Fatalf("SafeJoinUnder returned error: %v", err)
	}
	if !strings.HasPrefix(okPath, root) {
		t.Fatalf("path %q is not under root %q", okPath, root)
	}

	for _, bad := range []string{"", ".", "..", "../escape", "a/../../escape", "/abs/path"} {
		if _, err := SafeJoinUnder(root, bad); err == nil {
			t.Errorf("SafeJoinUnder(%q) expected error", bad)
		}
	}
}

func TestEnsureUnderRoot(t *testing.T) {
	root := t.TempDir()
	if _, err := EnsureUnderRoot(root, filepath.Join(root, "child", "file.txt")); err != nil {
		t.Fatalf("EnsureUnderRoot failed for child path: %v", err)
	}
	if _, err := EnsureUnderRoot(root, root+"/../escape"); err == nil {
		t.Fatal("expected escape path to fail")
	}
}

func TestRelativeTo(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		path   string
		want   string
		wantOK bool
	}{
		{filepath.Join(root, "_ziploy.zip"), "_ziploy.zip", true},
		{filepath.Join(root, "a", "b.txt"), "a/b.txt", true},
		{root, "", false},
		{filepath.Dir(root), "", false},
	}
	for _, tt := range tests {
		got, ok := RelativeTo(root, tt.path)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("RelativeTo(%q) = %q, %v; want %q, %v", tt.path, got, ok, tt.want, tt.wantOK)
		}
	}
}
