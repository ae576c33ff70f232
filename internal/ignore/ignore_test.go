package ignore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewRule(t *testing.T) {
	tests := []struct {
		raw  string
		want Rule
	}{
		{"*.swp", Rule{Raw: "*.swp", Pattern: "*.swp"}},
		{"  *.log  ", Rule{Raw: "  *.log  ", Pattern: "*.log"}},
		{"build/", Rule{Raw: "build/", Pattern: "build/*", Dir: "build", DirOnly: true}},
		{"node_modules/*", Rule{Raw: "node_modules/*", Pattern: "node_modules/*", Anchored: true}},
		{"/config.php", Rule{Raw: "/config.php", Pattern: "config.php", Anchored: true}},
		{"wp-content/cache/", Rule{Raw: "wp-content/cache/", Pattern: "wp-content/cache/*", Dir: "wp-content/cache", Anchored: true, DirOnly: true}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NewRule(tt.raw)
			if err != nil {
				t.Fatalf("NewRule(%q) error: %v", tt.raw, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("NewRule(%q) mismatch (-want +got):\n%s", tt.raw, diff)
			}
		})
	}
}

func TestNewRuleRejects(t *testing.T) {
	for _, raw := range []string{"", "   ", "/", "[unclosed"} {
		if _, err := NewRule(raw); err == nil {
			t.Errorf("NewRule(%q) expected error", raw)
		}
	}
}

func TestMatcherMatch(t *testing.T) {
	m, err := New(DefaultPatterns()...)
	if err != nil {
		t.Fatal(err)
	}
	m, err = m.With("build/", "/secret.txt", "docs/*.md")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{".git", true, true},
		{"src/.gitignore", false, true},
		{"notes.swp", false, true},
		{"a/b/c.swp", false, true},
		{"ziploy.log", false, true},
		{"_ziploy.zip", false, true},
		{"__to_ziploy", true, true},
		{"node_modules/react", true, true},
		{"node_modules", true, true},
		{"node_modules", false, false},
		{"node_modules/react/lib/index.js", false, true},
		{"lib/node_modules/x", false, false},
		{"venv", true, true},
		{"build", true, true},
		{"build", false, false},
		{"build/output.bin", false, true},
		{"app/build/output.bin", false, true},
		{"build/a/b.txt", false, true},
		{"app/build/x/y.js", false, true},
		{"builds/a/b.txt", false, false},
		{"secret.txt", false, true},
		{"nested/secret.txt", false, false},
		{"docs/readme.md", false, true},
		{"docs/api/readme.md", false, false},
		{"index.php", false, false},
		{"wp-content/themes/site/style.css", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := m.Match(tt.path, tt.isDir); got != tt.want {
				t.Errorf("Match(%q, dir=%v) = %v, want %v", tt.path, tt.isDir, got, tt.want)
			}
		})
	}
}

func TestStarStaysWithinSegment(t *testing.T) {
	m, err := New("/assets/*.css", "/logs/**")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Match("assets/site.css", false) {
		t.Error("expected assets/site.css to match")
	}
	if m.Match("assets/vendor/site.css", false) {
		t.Error("single star must not cross a path separator")
	}
	if !m.Match("logs/2024/01/app.txt", false) {
		t.Error("double star should cross segments")
	}
}

func TestLoadDefaultFile(t *testing.T) {
	root := t.TempDir()
	content := "# comment\n\n  build/  \ncache/*\n"
	if err := os.WriteFile(filepath.Join(root, DefaultFileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(root, "")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	rules := m.Rules()
	if len(rules) != len(DefaultPatterns())+2 {
		t.Fatalf("expected %d rules, got %d", len(DefaultPatterns())+2, len(rules))
	}
	if rules[len(rules)-2].Pattern != "build/*" {
		t.Errorf("expected trimmed directory rule, got %q", rules[len(rules)-2].Pattern)
	}
	if !m.Match("build/output.bin", false) {
		t.Error("expected build/output.bin to be ignored")
	}
}

func TestLoadMissingDefaultFile(t *testing.T) {
	m, err := Load(t.TempDir(), "")
	if err != nil {
		t.Fatalf("missing default ignore file should not fail: %v", err)
	}
	if len(m.Rules()) != len(DefaultPatterns()) {
		t.Errorf("expected only default rules, got %d", len(m.Rules()))
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(t.TempDir(), filepath.Join(t.TempDir(), "nope"))
	var re *ReadError
	if !errors.As(err, &re) {
		t.Fatalf("expected *ReadError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected wrapped ErrNotExist, got %v", err)
	}
}

func TestLoadInvalidPattern(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "rules")
	if err := os.WriteFile(file, []byte("ok.txt\n[broken\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(root, file)
	var re *ReadError
	if !errors.As(err, &re) {
		t.Fatalf("expected *ReadError, got %v", err)
	}
}
