// Package atomicfile writes documents so that no reader ever observes a partial write.
//
// A write goes to a temp file in the target's directory, is flushed and synced,
// and is then renamed onto the target. Rename within one directory is atomic on
// POSIX filesystems, so concurrent readers see either the old or the new bytes.
package atomicfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const (
	// TempSuffix marks in-flight writes. Any file with this suffix found at
	// startup is the residue of an interrupted write.
	TempSuffix = ".tmp.json"

	// PublicPerm is applied to written files; they are served publicly.
	PublicPerm fs.FileMode = 0o644
)

// Writer performs crash-safe writes over an afero filesystem.
type Writer struct {
	fs   afero.Fs
	perm fs.FileMode
}

// Option configures a Writer.
type Option func(*Writer)

// WithPerm overrides the permission bits set on the final file.
func WithPerm(perm fs.FileMode) Option {
	return func(w *Writer) {
		if perm != 0 {
			w.perm = perm
		}
	}
}

// New constructs a Writer. A nil fs means the OS filesystem.
func New(fsys afero.Fs, opts ...Option) *Writer {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	w := &Writer{fs: fsys, perm: PublicPerm}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Fs exposes the underlying filesystem.
func (w *Writer) Fs() afero.Fs { return w.fs }

// Write atomically replaces path with data.
//
// On any failure before the rename the temp file is removed and the target is
// left untouched.
func (w *Writer) Write(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	tmp, err := afero.TempFile(w.fs, dir, base+"-*"+TempSuffix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	renamed := false
	defer func() {
		if renamed {
			return
		}
		_ = tmp.Close()
		if rmErr := w.fs.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("remove temp file: %w", rmErr))
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := w.fs.Chmod(tmpPath, w.perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := w.fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	renamed = true

	// The rename is durable once the directory entry is synced. A failure here
	// does not invalidate the write.
	_ = w.syncDir(dir)
	return nil
}

// Snapshot copies the current bytes of path to backupPath using the same
// atomic procedure. A missing source is not an error.
func (w *Writer) Snapshot(path, backupPath string) error {
	data, err := afero.ReadFile(w.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read for snapshot: %w", err)
	}
	if err := w.Write(backupPath, data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// CleanupOrphans removes every temp file below root and returns the removed paths.
func (w *Writer) CleanupOrphans(root string) ([]string, error) {
	var removed []string
	err := afero.Walk(w.fs, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), TempSuffix) {
			return nil
		}
		if err := w.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove orphan %s: %w", path, err)
		}
		removed = append(removed, path)
		return nil
	})
	return removed, err
}

func (w *Writer) syncDir(dir string) error {
	d, err := w.fs.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
