package ignore

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultFileName is the ignore file looked up in the project root.
const DefaultFileName = ".ziployignore"

// DefaultPatterns returns the built-in exclusions applied to every run.
func DefaultPatterns() []string {
	return []string{
		"*.swp",
		DefaultFileName,
		"*.git*",
		"ziploy*",
		"/node_modules/",
		"__to_ziploy",
		"__to_ziploy/",
		"_ziploy.zip",
		"venv",
		"venv/",
	}
}

// Rule is a single compiled glob.
type Rule struct {
	Raw      string
	Pattern  string
	Dir      string // directory name matched when DirOnly is set
	Anchored bool
	DirOnly  bool
}

// NewRule normalizes a raw pattern. A leading "/" roots the pattern at the
// project root, as does any "/" inside it. A trailing "/" scopes the pattern
// to a directory: "build/" becomes "build/*" and also matches the build
// directory itself and everything below it.
func NewRule(raw string) (Rule, error) {
	p := strings.TrimSpace(raw)
	if p == "" {
		return Rule{}, fmt.Errorf("empty pattern")
	}

	r := Rule{Raw: raw}
	if strings.HasPrefix(p, "/") {
		r.Anchored = true
		p = strings.TrimLeft(p, "/")
	}
	if strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
		r.DirOnly = true
		r.Dir = p
	}
	if p == "" {
		return Rule{}, fmt.Errorf("pattern %q matches nothing", raw)
	}
	if strings.Contains(p, "/") {
		r.Anchored = true
	}
	if r.DirOnly {
		p += "/*"
	}
	if !doublestar.ValidatePattern(p) {
		return Rule{}, fmt.Errorf("invalid glob %q", raw)
	}

	r.Pattern = p
	return r, nil
}

// Match reports whether rel (slash-separated, relative to the root) is
// covered by the rule.
func (r Rule) Match(rel string, isDir bool) bool {
	if r.DirOnly {
		if isDir && r.matchAt(r.Dir, rel) {
			return true
		}
		// Everything below a matched directory is covered too.
		for i := strings.IndexByte(rel, '/'); i >= 0; {
			if r.matchAt(r.Dir, rel[:i]) {
				return true
			}
			j := strings.IndexByte(rel[i+1:], '/')
			if j < 0 {
				break
			}
			i += j + 1
		}
	}
	return r.matchAt(r.Pattern, rel)
}

func (r Rule) matchAt(pattern, rel string) bool {
	if r.Anchored {
		ok, _ := doublestar.Match(pattern, rel)
		return ok
	}
	// Unanchored patterns may start at any segment boundary.
	for candidate := rel; ; {
		if ok, _ := doublestar.Match(pattern, candidate); ok {
			return true
		}
		i := strings.IndexByte(candidate, '/')
		if i < 0 {
			return false
		}
		candidate = candidate[i+1:]
	}
}

// Matcher is the ordered union of all rules for a run. It is not modified
// after Load returns.
type Matcher struct {
	rules []Rule
}

// New compiles patterns into a Matcher.
func New(patterns ...string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		r, err := NewRule(p)
		if err != nil {
			return nil, err
		}
		m.rules = append(m.rules, r)
	}
	return m, nil
}

// Rules returns a copy of the compiled rules in load order.
func (m *Matcher) Rules() []Rule {
	out := make([]Rule, len(m.rules))
	copy(out, m.rules)
	return out
}

// Match reports whether any rule covers rel.
func (m *Matcher) Match(rel string, isDir bool) bool {
	rel = path.Clean(filepath.ToSlash(rel))
	for _, r := range m.rules {
		if r.Match(rel, isDir) {
			return true
		}
	}
	return false
}

// With returns a new Matcher holding m's rules followed by extra patterns.
func (m *Matcher) With(patterns ...string) (*Matcher, error) {
	extra, err := New(patterns...)
	if err != nil {
		return nil, err
	}
	out := &Matcher{rules: make([]Rule, 0, len(m.rules)+len(extra.rules))}
	out.rules = append(out.rules, m.rules...)
	out.rules = append(out.rules, extra.rules...)
	return out, nil
}

// ReadError reports a failure to read an explicitly requested ignore file.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading ignore file %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Load builds the Matcher for root from the defaults plus the ignore file.
// When file is empty the default file in root is used and may be absent.
// An explicit file must exist.
func Load(root, file string) (*Matcher, error) {
	explicit := file != ""
	if !explicit {
		file = filepath.Join(root, DefaultFileName)
	}

	patterns := DefaultPatterns()
	lines, err := readPatterns(file)
	switch {
	case err == nil:
		patterns = append(patterns, lines...)
	case !explicit && errors.Is(err, fs.ErrNotExist):
	default:
		var re *ReadError
		if errors.As(err, &re) {
			return nil, err
		}
		return nil, &ReadError{Path: file, Err: err}
	}

	return New(patterns...)
}

func readPatterns(file string) ([]string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	var patterns []string
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := NewRule(line); err != nil {
			return nil, &ReadError{Path: file, Err: fmt.Errorf("line %d: %w", lineNo, err)}
		}
		patterns = append(patterns, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}
