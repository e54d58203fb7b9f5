// Package preflight provides validation that runs before a backup run begins.
// The checks are stateless and idempotent, the one exception being the
// destination writability probe, which creates the destination directory.
package preflight

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-vault/pkg/artifact"
	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/util"
)

// SourceReport is the result of checking one configured source.
type SourceReport struct {
	Source artifact.SourceSpec
	Err    error
}

// OK reports whether the source was found and readable.
func (r SourceReport) OK() bool { return r.Err == nil }

// Run executes the checks selected by p. Destination problems are fatal and
// returned as ConfigInvalid. Source problems are only reported: a missing source
// fails its own pipeline later without affecting the others.
func Run(p *Plan, absDestRoot string, sources []artifact.SourceSpec) ([]SourceReport, error) {
	if p.DestinationAccessible {
		if err := CheckDestinationAccessible(absDestRoot, p.RequireMount); err != nil {
			return nil, fault.Wrap(fault.ConfigInvalid, err)
		}
	}
	// A dry run must not create the destination.
	if p.DestinationWritable && !p.DryRun {
		if err := CheckDestinationWritable(absDestRoot); err != nil {
			return nil, fault.Wrap(fault.ConfigInvalid, err)
		}
	}
	if p.MinFreeBytes > 0 && !p.DryRun {
		if err := CheckFreeSpace(absDestRoot, p.MinFreeBytes); err != nil {
			return nil, fault.Wrap(fault.ConfigInvalid, err)
		}
	}

	var reports []SourceReport
	if p.SourceAccessible {
		reports = make([]SourceReport, 0, len(sources))
		for _, src := range sources {
			err := CheckSourceAccessible(src.Path)
			if err != nil {
				plog.Warn("Source is not accessible", "source", src.Name, "path", src.Path, "error", err)
			}
			reports = append(reports, SourceReport{Source: src, Err: err})
		}
	}
	return reports, nil
}

// CheckDestinationAccessible ensures the destination root is usable, with
// friendlier errors than letting os.MkdirAll fail.
//
// The checks include:
//  1. On Windows, the drive or network share (e.g. "Z:", "\\Server\Share") exists.
//  2. If the path exists, it is a directory.
//  3. If the path does not exist, its parent directory is accessible.
//  4. With requireMount, the deepest existing directory is not on the root
//     filesystem, so an unmounted drive is never filled through its empty mount point.
func CheckDestinationAccessible(destPath string, requireMount bool) error {
	if err := checkVolumeExists(destPath); err != nil {
		return err
	}

	info, err := os.Stat(destPath)
	if errors.Is(err, os.ErrNotExist) {
		ancestor := deepestExistingAncestor(destPath)
		if err := checkAncestor(ancestor); err != nil {
			return err
		}
		if requireMount {
			if err := platformValidateMountPoint(ancestor); err != nil {
				return err
			}
		}

		parentDir := filepath.Dir(destPath)
		if _, err := os.Stat(parentDir); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("destination path and its parent directory do not exist: %s", parentDir)
		} else if err != nil {
			return fmt.Errorf("cannot access parent directory %s: %w", parentDir, err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("cannot access destination path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("destination path exists but is not a directory: %s", destPath)
	}
	if requireMount {
		return platformValidateMountPoint(destPath)
	}
	return nil
}

func deepestExistingAncestor(path string) string {
	ancestor := path
	for {
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			return ancestor
		}
		if _, err := os.Lstat(parent); err == nil {
			return parent
		}
		ancestor = parent
	}
}

// checkAncestor makes sure the ancestor can be traversed.
func checkAncestor(ancestor string) error {
	f, err := os.Open(ancestor)
	if err != nil {
		return fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, err)
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, err)
	}
	return nil
}

// CheckSourceAccessible validates that the source path exists, is a directory
// and can be listed.
func CheckSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("source directory %s does not exist", srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("source directory %s is not readable: %w", srcPath, err)
	}
	f.Close()
	return nil
}

// CheckDestinationWritable ensures the destination directory can be created and
// written by creating and deleting a probe file.
func CheckDestinationWritable(destPath string) error {
	if err := os.MkdirAll(destPath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create destination directory %s: %w", destPath, err)
	}

	// The probe matches the temp file pattern so a crash here leaves nothing
	// the sweeper would not remove.
	f, err := os.CreateTemp(destPath, util.TempFilePattern)
	if err != nil {
		return fmt.Errorf("destination directory %s is not writable: %w", destPath, err)
	}
	name := f.Name()
	f.Close()
	_ = os.Remove(name)
	return nil
}

// CheckFreeSpace fails when the volume holding path has less than minBytes
// available. A path that does not exist yet is checked through its deepest
// existing ancestor.
func CheckFreeSpace(path string, minBytes uint64) error {
	probe := path
	if _, err := os.Stat(probe); err != nil {
		probe = deepestExistingAncestor(path)
	}
	free, err := freeBytes(probe)
	if err != nil {
		return fmt.Errorf("cannot determine free space of %s: %w", probe, err)
	}
	if free < minBytes {
		return fmt.Errorf("insufficient free space on %s: %d MB available, %d MB required",
			probe, free/(1024*1024), minBytes/(1024*1024))
	}
	return nil
}
