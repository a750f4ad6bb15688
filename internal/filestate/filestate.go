// Package filestate owns the on-disk layout of a pipeline: one directory per
// data state, and the moves that carry a file from one state to the next.
package filestate

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// DataState is one of the four directories a pipeline file can live in.
type DataState string

const (
	Ingest     DataState = "ingest"
	Process    DataState = "process"
	Store      DataState = "store"
	Quarantine DataState = "quarantine"
)

// AllStates lists the states in pipeline order.
var AllStates = []DataState{Ingest, Process, Store, Quarantine}

// ParseDataState maps a directory name back to its state.
func ParseDataState(s string) (DataState, error) {
	for _, st := range AllStates {
		if string(st) == strings.ToLower(strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown data state %q", s)
}

// tempPrefix marks partially copied files. List never reports them.
const tempPrefix = ".stagehand-partial-"

// ErrDestinationExists reports a move whose target state already holds a
// file of the same name. Neither file is touched.
var ErrDestinationExists = errors.New("destination already holds a file with this name")

// MoveError is fatal to the phase that produced it: the state machine can no
// longer guarantee a file lives in exactly one directory.
type MoveError struct {
	Name string
	From DataState
	To   DataState
	Err  error
}

func (e *MoveError) Error() string {
	return fmt.Sprintf("move %s from %s to %s: %v", e.Name, e.From, e.To, e.Err)
}

func (e *MoveError) Unwrap() error { return e.Err }

// Directories resolves the state directories of a single pipeline:
// {dataDir}/{pipeline}/{ingest|process|store|quarantine}.
type Directories struct {
	Root string
}

// NewDirectories returns the layout for pipeline under dataDir.
func NewDirectories(dataDir, pipeline string) Directories {
	return Directories{Root: filepath.Join(dataDir, pipeline)}
}

// Path returns the directory backing a state.
func (d Directories) Path(state DataState) string {
	return filepath.Join(d.Root, string(state))
}

// FilePath returns the location of name inside state.
func (d Directories) FilePath(state DataState, name string) string {
	return filepath.Join(d.Path(state), name)
}

// Ensure creates every state directory that does not exist yet.
func (d Directories) Ensure(logger *slog.Logger) error {
	for _, st := range AllStates {
		dir := d.Path(st)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s directory %s: %w", st, dir, err)
		}
		logger.Debug("Ensured state directory exists.", slog.String("state", string(st)), slog.String("dir", dir))
	}
	return nil
}

// Check verifies that the given state directories exist.
func (d Directories) Check(states ...DataState) error {
	var errs error
	for _, st := range states {
		info, err := os.Stat(d.Path(st))
		switch {
		case err != nil:
			errs = errors.Join(errs, fmt.Errorf("the '%s' directory is not accessible: %w", st, err))
		case !info.IsDir():
			errs = errors.Join(errs, fmt.Errorf("the '%s' path %s is not a directory", st, d.Path(st)))
		}
	}
	return errs
}

// List takes a snapshot of the regular files in a state directory, sorted by
// name. Hidden files and partial copies are skipped.
func (d Directories) List(state DataState) ([]string, error) {
	entries, err := os.ReadDir(d.Path(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list '%s' directory: %w", state, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether name is currently present in state.
func (d Directories) Exists(state DataState, name string) (bool, error) {
	_, err := os.Stat(d.FilePath(state, name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Move transfers name from one state to another. A same-filesystem move is a
// single rename. Across filesystems the file is copied under a hidden name
// into the target directory, synced, renamed into place and only then removed
// from the source, so a reader never sees a half written file. A file that
// already exists in the target state is never replaced: the move fails with
// ErrDestinationExists.
func (d Directories) Move(name string, from, to DataState) error {
	if name == "" || name != filepath.Base(name) {
		return &MoveError{Name: name, From: from, To: to, Err: fmt.Errorf("invalid file name")}
	}
	src := d.FilePath(from, name)
	dst := d.FilePath(to, name)

	err := renameNoReplace(src, dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrExist):
		return &MoveError{Name: name, From: from, To: to, Err: ErrDestinationExists}
	case !errors.Is(err, syscall.EXDEV):
		return &MoveError{Name: name, From: from, To: to, Err: err}
	}

	if err := copyThenRename(src, d.Path(to), name); err != nil {
		if errors.Is(err, os.ErrExist) {
			err = ErrDestinationExists
		}
		return &MoveError{Name: name, From: from, To: to, Err: err}
	}
	if err := os.Remove(src); err != nil {
		return &MoveError{Name: name, From: from, To: to, Err: fmt.Errorf("remove source after copy: %w", err)}
	}
	return nil
}

// checkThenRename is used where the kernel cannot refuse to replace. Only one
// engine moves files within a pipeline.
func checkThenRename(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return &os.LinkError{Op: "rename", Old: src, New: dst, Err: os.ErrExist}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.Rename(src, dst)
}

func copyThenRename(src, dstDir, name string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(dstDir, tempPrefix+name+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if info, statErr := in.Stat(); statErr == nil {
		_ = os.Chmod(tmpName, info.Mode().Perm())
	}
	return renameNoReplace(tmpName, filepath.Join(dstDir, name))
}
