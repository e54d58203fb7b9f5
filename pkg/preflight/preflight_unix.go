//go:build !windows

package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// checkVolumeExists is a no-op on Unix; there are no drive letters.
func checkVolumeExists(string) error { return nil }

// platformValidateMountPoint checks if the path resides on the root filesystem.
// If it does, it assumes the drive is NOT mounted (ghost detection).
func platformValidateMountPoint(path string) error {
	// Backups into the user's home are intentional.
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		if path == homeDir || strings.HasPrefix(path, homeDir+string(filepath.Separator)) {
			return nil
		}
	}

	var rootStat, pathStat unix.Stat_t
	if err := unix.Stat("/", &rootStat); err != nil {
		return fmt.Errorf("failed to stat root: %w", err)
	}
	if err := unix.Stat(path, &pathStat); err != nil {
		return fmt.Errorf("failed to stat destination path: %w", err)
	}

	if pathStat.Dev == rootStat.Dev && path != "/" {
		return fmt.Errorf("path '%s' is on the root filesystem (system disk). "+
			"Ensure your external drive is mounted", path)
	}
	return nil
}

func freeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
