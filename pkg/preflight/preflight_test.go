package preflight

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-vault/pkg/artifact"
	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/util"
)

func TestCheckDestinationAccessible(t *testing.T) {
	t.Run("Happy Path - Destination Exists", func(t *testing.T) {
		if err := CheckDestinationAccessible(t.TempDir(), false); err != nil {
			t.Errorf("expected no error for existing directory, but got: %v", err)
		}
	})

	t.Run("Happy Path - Destination Does Not Exist, Parent Exists", func(t *testing.T) {
		destDir := filepath.Join(t.TempDir(), "new_dir")
		if err := CheckDestinationAccessible(destDir, false); err != nil {
			t.Errorf("expected no error when parent exists, but got: %v", err)
		}
	})

	t.Run("Error - Parent Does Not Exist", func(t *testing.T) {
		destDir := filepath.Join(t.TempDir(), "a", "b")
		err := CheckDestinationAccessible(destDir, false)
		if err == nil || !strings.Contains(err.Error(), "parent directory do not exist") {
			t.Errorf("expected missing parent error, but got: %v", err)
		}
	})

	t.Run("Error - Destination Is a File", func(t *testing.T) {
		destFile := filepath.Join(t.TempDir(), "dest.txt")
		if err := os.WriteFile(destFile, []byte("i am a file"), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}
		err := CheckDestinationAccessible(destFile, false)
		if err == nil {
			t.Fatal("expected an error when destination is a file, but got nil")
		}
		if !strings.Contains(err.Error(), "is not a directory") {
			t.Errorf("expected error to be about 'not a directory', but got: %v", err)
		}
	})
}

func TestCheckSourceAccessible(t *testing.T) {
	t.Run("Happy Path - Source is a directory", func(t *testing.T) {
		if err := CheckSourceAccessible(t.TempDir()); err != nil {
			t.Errorf("expected no error for existing directory, but got: %v", err)
		}
	})

	t.Run("Error - Source does not exist", func(t *testing.T) {
		err := CheckSourceAccessible(filepath.Join(t.TempDir(), "nonexistent"))
		if err == nil || !strings.Contains(err.Error(), "does not exist") {
			t.Errorf("expected error about non-existent source, but got: %v", err)
		}
	})

	t.Run("Error - Source is a file", func(t *testing.T) {
		srcFile := filepath.Join(t.TempDir(), "source.txt")
		if err := os.WriteFile(srcFile, []byte("i am a file"), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}
		err := CheckSourceAccessible(srcFile)
		if err == nil || !strings.Contains(err.Error(), "is not a directory") {
			t.Errorf("expected error about source not being a directory, but got: %v", err)
		}
	})
}

func TestCheckDestinationWritable(t *testing.T) {
	t.Run("Happy Path - Directory is writable and left clean", func(t *testing.T) {
		destDir := t.TempDir()
		if err := CheckDestinationWritable(destDir); err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		entries, err := os.ReadDir(destDir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Errorf("expected probe file to be removed, found %d entries", len(entries))
		}
	})

	t.Run("Happy Path - Directory is created", func(t *testing.T) {
		destDir := filepath.Join(t.TempDir(), "a", "b")
		if err := CheckDestinationWritable(destDir); err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if info, err := os.Stat(destDir); err != nil || !info.IsDir() {
			t.Errorf("expected destination to be created, stat err: %v", err)
		}
	})

	t.Run("Error - Destination is a file", func(t *testing.T) {
		destFile := filepath.Join(t.TempDir(), "dest.txt")
		os.WriteFile(destFile, []byte("i am a file"), 0644)
		if err := CheckDestinationWritable(destFile); err == nil {
			t.Error("expected an error when destination is a file")
		}
	})
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()
	if err := CheckFreeSpace(dir, 1); err != nil {
		t.Errorf("expected at least one free byte, got: %v", err)
	}
	err := CheckFreeSpace(dir, math.MaxUint64)
	if err == nil || !strings.Contains(err.Error(), "insufficient free space") {
		t.Errorf("expected insufficient space error, got: %v", err)
	}
	// A destination that does not exist yet is measured through its ancestor.
	if err := CheckFreeSpace(filepath.Join(dir, "later", "dest"), 1); err != nil {
		t.Errorf("expected ancestor probe to succeed, got: %v", err)
	}
}

func TestRun(t *testing.T) {
	sources := func(dir string) []artifact.SourceSpec {
		return []artifact.SourceSpec{
			{Name: "present", Path: dir},
			{Name: "missing", Path: filepath.Join(dir, "nope")},
		}
	}

	t.Run("Source problems are reported, not fatal", func(t *testing.T) {
		srcDir := t.TempDir()
		dest := filepath.Join(t.TempDir(), "dest")
		p := &Plan{SourceAccessible: true, DestinationAccessible: true, DestinationWritable: true}

		reports, err := Run(p, dest, sources(srcDir))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(reports) != 2 {
			t.Fatalf("expected 2 reports, got %d", len(reports))
		}
		if !reports[0].OK() || reports[1].OK() {
			t.Errorf("unexpected report states: %+v", reports)
		}
		if _, err := os.Stat(dest); err != nil {
			t.Errorf("expected destination to be created: %v", err)
		}
	})

	t.Run("Dry run never creates the destination", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "dest")
		p := &Plan{DestinationAccessible: true, DestinationWritable: true, MinFreeBytes: math.MaxUint64, DryRun: true}
		if _, err := Run(p, dest, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := os.Stat(dest); !os.IsNotExist(err) {
			t.Errorf("expected destination to not exist, stat err: %v", err)
		}
	})

	t.Run("Destination problems are ConfigInvalid", func(t *testing.T) {
		destFile := filepath.Join(t.TempDir(), "dest.txt")
		if err := os.WriteFile(destFile, nil, util.UserWritableFilePerms); err != nil {
			t.Fatal(err)
		}
		p := &Plan{DestinationAccessible: true}
		_, err := Run(p, destFile, nil)
		if !fault.Is(err, fault.ConfigInvalid) {
			t.Errorf("expected ConfigInvalid, got: %v", err)
		}
		if !fault.IsFatal(err) {
			t.Error("expected destination failure to be fatal")
		}
	})
}
