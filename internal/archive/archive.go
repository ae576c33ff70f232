package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BadgerOps/ziploy/internal/ignore"
	"github.com/klauspost/compress/zip"
)

// Entry is one member of the archive.
type Entry struct {
	Name  string      `json:"name"` // slash-separated, directories end in "/"
	Size  int64       `json:"size"`
	Mode  fs.FileMode `json:"mode"`
	IsDir bool        `json:"is_dir"`
}

// Manifest describes the member set written to an archive.
type Manifest struct {
	Root     string        `json:"root"`
	Path     string        `json:"path"`
	Entries  []Entry       `json:"entries"`
	Files    int           `json:"files"`
	Dirs     int           `json:"dirs"`
	Excluded int           `json:"excluded"`
	Size     int64         `json:"size"` // bytes of the archive on disk
	Duration time.Duration `json:"duration"`
}

// Names returns the sorted member names.
func (m *Manifest) Names() []string {
	names := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		names[i] = e.Name
	}
	sort.Strings(names)
	return names
}

// Error is returned when the archive cannot be produced.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("archive %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("archive %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Builder writes a project tree into a single zip file.
type Builder struct {
	logger *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(logger *slog.Logger) *Builder {
	return &Builder{logger: logger}
}

// Build walks root and writes every entry not matched by m into dest.
// dest is removed again if anything fails.
func (b *Builder) Build(ctx context.Context, root, dest string, m *ignore.Matcher) (manifest *Manifest, err error) {
	startTime := time.Now()

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, &Error{Op: "resolve", Path: root, Err: err}
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, &Error{Op: "stat", Path: absRoot, Err: err}
	}
	if !info.IsDir() {
		return nil, &Error{Op: "stat", Path: absRoot, Err: fmt.Errorf("not a directory")}
	}

	out, err := os.Create(dest)
	if err != nil {
		return nil, &Error{Op: "create", Path: dest, Err: err}
	}
	zw := zip.NewWriter(out)

	defer func() {
		if err != nil {
			_ = zw.Close()
			_ = out.Close()
			_ = os.Remove(dest)
		}
	}()

	absDest, _ := filepath.Abs(dest)
	manifest = &Manifest{Root: absRoot, Path: dest}

	err = filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return &Error{Op: "walk", Path: p, Err: walkErr}
		}
		if p == absRoot {
			return nil
		}
		if p == absDest {
			return nil
		}

		select {
		case <-ctx.Done():
			return &Error{Op: "walk", Path: p, Err: ctx.Err()}
		default:
		}

		rel, err := filepath.Rel(absRoot, p)
		if err != nil {
			return &Error{Op: "walk", Path: p, Err: err}
		}
		rel = filepath.ToSlash(rel)

		if m != nil && m.Match(rel, d.IsDir()) {
			manifest.Excluded++
			b.logger.Debug("excluded", "path", rel)
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.IsDir() && !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			b.logger.Warn("skipping special file", "path", rel, "type", d.Type().String())
			return nil
		}

		entry, err := addEntry(zw, p, rel, d)
		if err != nil {
			return &Error{Op: "add", Path: p, Err: err}
		}
		manifest.Entries = append(manifest.Entries, entry)
		if entry.IsDir {
			manifest.Dirs++
		} else {
			manifest.Files++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, &Error{Op: "finalize", Path: dest, Err: err}
	}
	if err := out.Close(); err != nil {
		return nil, &Error{Op: "close", Path: dest, Err: err}
	}

	st, err := os.Stat(dest)
	if err != nil {
		return nil, &Error{Op: "stat", Path: dest, Err: err}
	}
	manifest.Size = st.Size()
	manifest.Duration = time.Since(startTime)

	b.logger.Info("archive created",
		"path", dest,
		"files", manifest.Files,
		"dirs", manifest.Dirs,
		"excluded", manifest.Excluded,
		"size", manifest.Size,
		"duration", manifest.Duration,
	)
	return manifest, nil
}

// addEntry writes a single filesystem entry, keeping its permissions.
func addEntry(zw *zip.Writer, srcPath, name string, d fs.DirEntry) (Entry, error) {
	info, err := d.Info()
	if err != nil {
		return Entry{}, err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return Entry{}, err
	}
	header.Name = name

	switch {
	case info.IsDir():
		header.Name += "/"
		header.Method = zip.Store
		if _, err := zw.CreateHeader(header); err != nil {
			return Entry{}, err
		}
		return Entry{Name: header.Name, Mode: info.Mode(), IsDir: true}, nil

	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(srcPath)
		if err != nil {
			return Entry{}, err
		}
		header.Method = zip.Store
		w, err := zw.CreateHeader(header)
		if err != nil {
			return Entry{}, err
		}
		if _, err := io.WriteString(w, target); err != nil {
			return Entry{}, err
		}
		return Entry{Name: name, Size: int64(len(target)), Mode: info.Mode()}, nil

	case info.Mode().IsRegular():
		f, err := os.Open(srcPath)
		if err != nil {
			return Entry{}, err
		}
		defer func() {
			_ = f.Close()
		}()

		header.Method = zip.Deflate
		w, err := zw.CreateHeader(header)
		if err != nil {
			return Entry{}, err
		}
		n, err := io.Copy(w, f)
		if err != nil {
			return Entry{}, err
		}
		return Entry{Name: name, Size: n, Mode: info.Mode()}, nil

	default:
		return Entry{}, fmt.Errorf("unsupported file type %s", info.Mode().Type())
	}
}
