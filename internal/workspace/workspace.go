package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BadgerOps/ziploy/internal/safety"
)

// Default names, relative to the project directory.
const (
	DefaultDir     = "__to_ziploy"
	DefaultArchive = "_ziploy.zip"
)

// Workspace owns the chunk directory and the standalone archive of a run.
// Only one run may use a given workspace at a time.
type Workspace struct {
	Dir     string
	Archive string
	logger  *slog.Logger
}

// New resolves dir and archive under projectDir. Both must be relative paths
// strictly inside the project, since Cleanup deletes them recursively.
func New(projectDir, dir, archive string, logger *slog.Logger) (*Workspace, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if archive == "" {
		archive = DefaultArchive
	}
	absDir, err := safety.SafeJoinUnder(projectDir, dir)
	if err != nil {
		return nil, fmt.Errorf("work directory: %w", err)
	}
	absArchive, err := safety.SafeJoinUnder(projectDir, archive)
	if err != nil {
		return nil, fmt.Errorf("archive path: %w", err)
	}
	return &Workspace{Dir: absDir, Archive: absArchive, logger: logger}, nil
}

// Prepare removes artifacts left by an earlier run and creates Dir.
func (w *Workspace) Prepare() error {
	if err := w.Cleanup(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("creating work directory: %w", err)
	}
	return nil
}

// Cleanup removes Dir and Archive. Missing paths are not an error.
func (w *Workspace) Cleanup() error {
	var errs []error
	if err := os.RemoveAll(w.Dir); err != nil {
		errs = append(errs, fmt.Errorf("removing work directory: %w", err))
	}
	if err := os.Remove(w.Archive); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("removing archive: %w", err))
	}
	if len(errs) == 0 {
		w.logger.Debug("workspace cleaned", "dir", w.Dir, "archive", w.Archive)
	}
	return errors.Join(errs...)
}

// Run prepares the workspace, calls fn and always cleans up afterwards,
// including when fn fails or panics.
func (w *Workspace) Run(fn func() error) (err error) {
	defer func() {
		if cerr := w.Cleanup(); cerr != nil {
			w.logger.Error("workspace cleanup failed", "error", cerr)
			err = errors.Join(err, cerr)
		} else {
			w.logger.Info("cleanup completed", "dir", w.Dir)
		}
	}()

	if err := w.Prepare(); err != nil {
		return err
	}
	return fn()
}
