//go:build !windows

package util

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// SyncDir flushes the directory entry table of dir to stable storage, making
// preceding creates, renames and removes inside it durable.
func SyncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed to open directory %s for sync: %w", dir, err)
	}
	defer unix.Close(fd)

	if err := unix.Fsync(fd); err != nil {
		// Some filesystems (e.g. certain network mounts) do not support fsync on directories.
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOTSUP) {
			return nil
		}
		return fmt.Errorf("failed to sync directory %s: %w", dir, err)
	}
	return nil
}

// IsNoSpace reports whether err was caused by an exhausted filesystem.
func IsNoSpace(err error) bool {
	return errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT)
}

// IsCrossDevice reports whether err is a rename across filesystems.
func IsCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
