//go:build windows

package util

import (
	"errors"

	"golang.org/x/sys/windows"
)

// SyncDir is a no-op on Windows; NTFS metadata updates from MoveFileEx are journaled.
func SyncDir(dir string) error {
	return nil
}

// IsNoSpace reports whether err was caused by an exhausted filesystem.
func IsNoSpace(err error) bool {
	return errors.Is(err, windows.ERROR_DISK_FULL) || errors.Is(err, windows.ERROR_HANDLE_DISK_FULL)
}

// IsCrossDevice reports whether err is a rename across volumes.
func IsCrossDevice(err error) bool {
	return errors.Is(err, windows.ERROR_NOT_SAME_DEVICE)
}
