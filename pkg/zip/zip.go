// Package zip builds flat archives of job directories for export.
package zip

import (
	stdzip "archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Archive writes a zip archive of the named entries under root to w.
// Each entry may be a file or a directory; directories are added
// recursively. Entries that do not exist are skipped so a partially
// populated job still exports cleanly.
func Archive(w io.Writer, root string, entries []string) error {
	zw := stdzip.NewWriter(w)
	for _, entry := range entries {
		abs := filepath.Join(root, entry)
		info, err := os.Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("zip: stat %s: %w", entry, err)
		}
		if info.IsDir() {
			if err := addDir(zw, abs, entry); err != nil {
				return err
			}
			continue
		}
		if err := addFile(zw, abs, entry); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("zip: close: %w", err)
	}
	return nil
}

func addDir(zw *stdzip.Writer, abs, rel string) error {
	return filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("zip: walk %s: %w", rel, err)
		}
		if d.IsDir() {
			return nil
		}
		sub, err := filepath.Rel(abs, path)
		if err != nil {
			return fmt.Errorf("zip: rel %s: %w", path, err)
		}
		return addFile(zw, path, filepath.ToSlash(filepath.Join(rel, sub)))
	})
}

func addFile(zw *stdzip.Writer, abs, name string) error {
	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("zip: open %s: %w", name, err)
	}
	defer f.Close()

	dst, err := zw.Create(filepath.ToSlash(name))
	if err != nil {
		return fmt.Errorf("zip: create %s: %w", name, err)
	}
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("zip: write %s: %w", name, err)
	}
	return nil
}
