package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileDurable writes data to path so that a reader either sees the previous
// content or the complete new content. The data is written to a temp file in the same
// directory, flushed to disk, renamed over path and the directory entry is synced.
func WriteFileDurable(path string, data []byte, perm os.FileMode) (retErr error) {
	dir := filepath.Dir(path)
	tmpF, err := os.CreateTemp(dir, TempFilePattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpPath := tmpF.Name()

	defer func() {
		if retErr != nil {
			tmpF.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpF.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file %s: %w", tmpPath, err)
	}
	if err := tmpF.Chmod(perm); err != nil {
		return fmt.Errorf("failed to chmod temp file %s: %w", tmpPath, err)
	}
	if err := tmpF.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file %s: %w", tmpPath, err)
	}
	if err := tmpF.Close(); err != nil {
		return fmt.Errorf("failed to close temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", tmpPath, path, err)
	}
	return SyncDir(dir)
}

// RemoveDurable removes path and syncs its parent directory.
// A path that is already gone is not an error.
func RemoveDurable(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return SyncDir(filepath.Dir(path))
}

// RenameDurable renames oldPath to newPath and syncs the parent directory of newPath,
// and of oldPath if it differs.
func RenameDurable(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}
	if err := SyncDir(filepath.Dir(newPath)); err != nil {
		return err
	}
	if filepath.Dir(oldPath) != filepath.Dir(newPath) {
		return SyncDir(filepath.Dir(oldPath))
	}
	return nil
}
