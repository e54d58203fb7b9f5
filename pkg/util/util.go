package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Permission constants for file and directory modes.
const (
	// PermUserRead is the user-read permission bit (0400).
	PermUserRead os.FileMode = 0400
	// PermUserWrite is the user-write permission bit (0200).
	PermUserWrite os.FileMode = 0200

	// UserWritableDirPerms represents the standard permissions for newly created directories (rwxr-xr-x).
	UserWritableDirPerms os.FileMode = 0755
	// UserOnlyDirPerms is used for engine state directories that may hold plaintext staging data (rwx------).
	UserOnlyDirPerms os.FileMode = 0700
	// UserWritableFilePerms represents the standard permissions for newly created files (rw-r--r--).
	UserWritableFilePerms os.FileMode = 0644
	// UserOnlyFilePerms is used for files that can contain secrets, like generated config files (rw-------).
	UserOnlyFilePerms os.FileMode = 0600
)

// TempFilePattern is the os.CreateTemp pattern for every in-flight file the engine writes.
// Anything matching it is incomplete by definition and may be swept.
const TempFilePattern = "pgl-vault-*.tmp"

// WithUserWritePermission ensures that any directory/file permission has the owner-write
// bit (0200) set. This prevents the backup user from being locked out on subsequent runs.
func WithUserWritePermission(basePerm os.FileMode) os.FileMode {
	return basePerm | PermUserWrite
}

// ExpandPath expands the tilde (~) prefix in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil // No tilde, return as-is.
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}

	// Replace the tilde with the home directory.
	return filepath.Join(home, path[1:]), nil
}

// CleanAbsPath expands, cleans and absolutizes a user supplied path.
func CleanAbsPath(path string) (string, error) {
	expanded, err := ExpandPath(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(filepath.Clean(expanded))
}

// IsTempFile reports whether name was produced from TempFilePattern.
func IsTempFile(name string) bool {
	return strings.HasPrefix(name, "pgl-vault-") && strings.HasSuffix(name, ".tmp")
}

// InvertMap takes a map[K]V and returns a map[V]K.
// It's a generic helper for creating reverse lookup maps for enums.
func InvertMap[K comparable, V comparable](m map[K]V) map[V]K {
	inv := make(map[V]K, len(m))
	for k, v := range m {
		inv[v] = k
	}
	return inv
}
