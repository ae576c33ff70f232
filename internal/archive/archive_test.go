package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/BadgerOps/ziploy/internal/ignore"
	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zip"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeTree creates files (relative path -> content) under root.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func zipNames(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("opening zip: %v", err)
	}
	defer r.Close()

	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestBuildExcludesIgnoredPaths(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"index.php":               "<?php",
		"wp-content/style.css":    "body{}",
		"build/output.bin":        "binary",
		"build/nested/more.bin":   "binary",
		".git/config":             "[core]",
		"notes.swp":               "swap",
		"node_modules/x/index.js": "js",
	})

	m, err := ignore.New(ignore.DefaultPatterns()...)
	if err != nil {
		t.Fatal(err)
	}
	m, err = m.With("build/")
	if err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "out.zip")
	manifest, err := NewBuilder(testLogger()).Build(context.Background(), root, dest, m)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	want := []string{
		"index.php",
		"wp-content/",
		"wp-content/style.css",
	}
	if diff := cmp.Diff(want, zipNames(t, dest)); diff != "" {
		t.Errorf("archive members mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, manifest.Names()); diff != "" {
		t.Errorf("manifest names mismatch (-want +got):\n%s", diff)
	}
	if manifest.Files != 2 || manifest.Dirs != 1 {
		t.Errorf("expected 2 files and 1 dir, got %d files %d dirs", manifest.Files, manifest.Dirs)
	}
	if manifest.Size == 0 {
		t.Error("expected non-zero archive size")
	}
}

func TestBuildPreservesContentAndMode(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"bin/run.sh": "#!/bin/sh\necho hi\n"})
	if err := os.Chmod(filepath.Join(root, "bin/run.sh"), 0o755); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "out.zip")
	if _, err := NewBuilder(testLogger()).Build(context.Background(), root, dest, nil); err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	r, err := zip.OpenReader(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var found bool
	for _, f := range r.File {
		if f.Name != "bin/run.sh" {
			continue
		}
		found = true
		if f.Mode().Perm() != 0o755 {
			t.Errorf("expected mode 0755, got %v", f.Mode().Perm())
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		if string(data) != "#!/bin/sh\necho hi\n" {
			t.Errorf("unexpected content %q", data)
		}
	}
	if !found {
		t.Fatal("bin/run.sh missing from archive")
	}
}

func TestBuildIsReproducible(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.txt":     "a",
		"b/c.txt":   "c",
		"b/d/e.txt": "e",
	})
	m, err := ignore.New(ignore.DefaultPatterns()...)
	if err != nil {
		t.Fatal(err)
	}

	b := NewBuilder(testLogger())
	first := filepath.Join(t.TempDir(), "1.zip")
	second := filepath.Join(t.TempDir(), "2.zip")
	if _, err := b.Build(context.Background(), root, first, m); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Build(context.Background(), root, second, m); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(zipNames(t, first), zipNames(t, second)); diff != "" {
		t.Errorf("member sets differ between runs:\n%s", diff)
	}
}

func TestBuildSkipsArchiveInsideRoot(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "a"})

	dest := filepath.Join(root, "self.zip")
	if _, err := NewBuilder(testLogger()).Build(context.Background(), root, dest, nil); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a.txt"}, zipNames(t, dest)); diff != "" {
		t.Errorf("archive should not contain itself:\n%s", diff)
	}
}

func TestBuildErrors(t *testing.T) {
	t.Run("missing root", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "out.zip")
		_, err := NewBuilder(testLogger()).Build(context.Background(), filepath.Join(t.TempDir(), "nope"), dest, nil)
		var ae *Error
		if !errors.As(err, &ae) {
			t.Fatalf("expected *Error, got %v", err)
		}
	})

	t.Run("uncreatable destination", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{"a.txt": "a"})
		dest := filepath.Join(t.TempDir(), "missing-dir", "out.zip")
		_, err := NewBuilder(testLogger()).Build(context.Background(), root, dest, nil)
		var ae *Error
		if !errors.As(err, &ae) || ae.Op != "create" {
			t.Fatalf("expected create *Error, got %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{"a.txt": "a"})
		dest := filepath.Join(t.TempDir(), "out.zip")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewBuilder(testLogger()).Build(ctx, root, dest, nil)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
			t.Error("partial archive should be removed")
		}
	})
}

// lockDir makes dir unreadable until the test ends.
func lockDir(t *testing.T, dir string) {
	t.Helper()
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	if err := os.Chmod(dir, 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })
}

func TestBuildUnreadableDirectory(t *testing.T) {
	t.Run("included", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{"a.txt": "a", "secret/key.pem": "k"})
		lockDir(t, filepath.Join(root, "secret"))

		dest := filepath.Join(t.TempDir(), "out.zip")
		_, err := NewBuilder(testLogger()).Build(context.Background(), root, dest, nil)
		var ae *Error
		if !errors.As(err, &ae) || ae.Op != "walk" {
			t.Fatalf("expected walk *Error, got %v", err)
		}
		if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
			t.Error("archive should not be left behind")
		}
	})

	t.Run("excluded", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{"a.txt": "a", "secret/key.pem": "k"})
		lockDir(t, filepath.Join(root, "secret"))

		m, err := ignore.New("secret/")
		if err != nil {
			t.Fatal(err)
		}
		dest := filepath.Join(t.TempDir(), "out.zip")
		manifest, err := NewBuilder(testLogger()).Build(context.Background(), root, dest, m)
		if err != nil {
			t.Fatalf("Build() error: %v", err)
		}
		if manifest.Excluded != 1 {
			t.Errorf("Excluded = %d, want 1", manifest.Excluded)
		}
		if diff := cmp.Diff([]string{"a.txt"}, zipNames(t, dest)); diff != "" {
			t.Errorf("archive entries mismatch:\n%s", diff)
		}
	})
}

func TestBuildUnreadableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "a", "locked.txt": "x"})
	if err := os.Chmod(filepath.Join(root, "locked.txt"), 0o000); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "out.zip")
	_, err := NewBuilder(testLogger()).Build(context.Background(), root, dest, nil)
	var ae *Error
	if !errors.As(err, &ae) || ae.Op != "add" {
		t.Fatalf("expected add *Error, got %v", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("archive should not be left behind")
	}
}
