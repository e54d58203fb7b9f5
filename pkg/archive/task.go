package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/paulschiretz/pgl-vault/pkg/artifact"
	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/util"
	"golang.org/x/time/rate"
)

// task holds the mutable state for a single archive execution.
// This makes the ArchiveWriter itself stateless and safe for concurrent use.
type task struct {
	*ArchiveWriter

	ctx           context.Context
	src           artifact.SourceSpec
	absStagingDir string
	format        Format
	level         Level
	timestampUTC  time.Time
	limiter       *rate.Limiter
	metrics       Metrics

	// root is the source path with symlinks resolved; entries still use the
	// configured base name.
	root string

	tw *tar.Writer
}

// execute validates the source root, writes the archive and returns the staged artifact.
func (t *task) execute() (artifact.Artifact, error) {
	if err := t.checkSourceRoot(); err != nil {
		return artifact.Artifact{}, err
	}

	if err := os.MkdirAll(t.absStagingDir, util.UserOnlyDirPerms); err != nil {
		return artifact.Artifact{}, fmt.Errorf("failed to create staging directory %s: %w", t.absStagingDir, err)
	}

	fileName := artifact.FileName(t.src.Name, t.timestampUTC, t.format.String())
	absArchivePath := filepath.Join(t.absStagingDir, fileName)

	plog.Info("Archiving source", "source", t.src.Name, "path", t.src.Path, "format", t.format)

	t.metrics.StartProgress("Archive progress", 10*time.Second, "source", t.src.Name)
	defer func() {
		t.metrics.StopProgress()
		t.metrics.LogSummary("Archive finished", "source", t.src.Name)
	}()

	size, checksum, err := t.writeArchive(absArchivePath)
	if err != nil {
		if util.IsNoSpace(err) {
			return artifact.Artifact{}, fmt.Errorf("disk space exhausted while writing %s: %w", fileName, err)
		}
		return artifact.Artifact{}, err
	}

	plog.Notice("ARCHIVED", "source", t.src.Name, "file", fileName, "size", size)
	return artifact.Artifact{
		Source:     t.src.Name,
		CreatedUTC: t.timestampUTC,
		Size:       size,
		Checksum:   checksum,
		Format:     t.format.String(),
		Path:       absArchivePath,
	}, nil
}

// checkSourceRoot resolves the root and fails if it is missing, not a directory
// or unlistable. Everything below the root is best effort.
func (t *task) checkSourceRoot() error {
	root, err := filepath.EvalSymlinks(t.src.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist", t.src.Path)
		}
		return fmt.Errorf("cannot resolve source directory %s: %w", t.src.Path, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("cannot stat source directory %s: %w", t.src.Path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source path %s is not a directory", t.src.Path)
	}
	t.root = root
	f, err := os.Open(root)
	if err != nil {
		return fmt.Errorf("source directory %s is unreadable: %w", t.src.Path, err)
	}
	defer f.Close()
	if _, err := f.ReadDir(1); err != nil && err != io.EOF {
		return fmt.Errorf("source directory %s is unreadable: %w", t.src.Path, err)
	}
	return nil
}

// writeArchive streams the tar into a temp file, checksumming the compressed bytes
// on the way, and renames the finished file to absArchivePath.
func (t *task) writeArchive(absArchivePath string) (size int64, checksum string, retErr error) {
	trgF, err := os.CreateTemp(t.absStagingDir, util.TempFilePattern)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create temp archive: %w", err)
	}
	tempTrgPath := trgF.Name()

	// Ensure cleanup on error
	defer func() {
		if retErr != nil {
			trgF.Close()
			os.Remove(tempTrgPath)
		}
	}()

	hasher := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(trgF, hasher), metrics: t.metrics}
	if err := t.handleTar(cw); err != nil {
		return 0, "", err
	}

	if err := trgF.Sync(); err != nil {
		return 0, "", fmt.Errorf("failed to sync temp archive: %w", err)
	}
	if err := trgF.Close(); err != nil {
		return 0, "", fmt.Errorf("failed to close temp archive: %w", err)
	}
	if err := os.Rename(tempTrgPath, absArchivePath); err != nil {
		return 0, "", fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}
	return cw.n, formatChecksum(hasher), nil
}

func formatChecksum(h hash.Hash) string {
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// handleTar builds the tar -> compressor -> buffer chain on top of w and walks the source.
func (t *task) handleTar(w io.Writer) (retErr error) {
	bufWriter := bufio.NewWriterSize(w, t.ioBufferSize)

	var compressedWriter io.WriteCloser
	if t.format == TarZst {
		zstdWriter, err := zstd.NewWriter(bufWriter, zstd.WithEncoderLevel(t.level.zstdLevel()))
		if err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		compressedWriter = zstdWriter
	} else {
		pgzipWriter, err := pgzip.NewWriterLevel(bufWriter, t.level.gzipLevel())
		if err != nil {
			return fmt.Errorf("failed to create gzip writer: %w", err)
		}
		compressedWriter = pgzipWriter
	}

	t.tw = tar.NewWriter(compressedWriter)

	// Close in order. The first error wins.
	defer func() {
		if err := t.tw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := compressedWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	return t.walk()
}

// walk adds every readable entry below the source root. Entries are rooted at the
// base name of the configured source path, so extracting recreates that directory
// even when the path is a symlink.
func (t *task) walk() error {
	root := t.root
	base := filepath.Base(filepath.Clean(t.src.Path))

	return filepath.WalkDir(root, func(absPath string, d fs.DirEntry, walkErr error) error {
		if err := t.ctx.Err(); err != nil {
			return fault.Wrap(fault.Cancelled, err)
		}

		if walkErr != nil {
			if absPath == root {
				return fmt.Errorf("cannot read source root %s: %w", root, walkErr)
			}
			t.skip(absPath, walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, absPath)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", absPath, err)
		}
		name := base
		if rel != "." {
			name = path.Join(base, filepath.ToSlash(rel))
		}

		info, err := d.Info()
		if err != nil {
			t.skip(absPath, err)
			return nil
		}
		return t.addEntry(absPath, name, info)
	})
}

func (t *task) skip(absPath string, cause error) {
	t.metrics.AddEntriesSkipped(1)
	plog.Warn("Skipping unreadable entry", "source", t.src.Name, "path", absPath, "error", cause)
}

// addEntry writes one entry. Only errors on the archive side are returned;
// problems reading the source entry are logged and skipped.
func (t *task) addEntry(absPath, name string, info os.FileInfo) error {
	mode := info.Mode()
	switch {
	case mode.IsDir():
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			t.skip(absPath, err)
			return nil
		}
		header.Name = name + "/"
		return t.writeHeader(header)

	case mode&os.ModeSymlink != 0:
		linkTarget, err := os.Readlink(absPath)
		if err != nil {
			t.skip(absPath, err)
			return nil
		}
		header, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			t.skip(absPath, err)
			return nil
		}
		header.Name = name
		return t.writeHeader(header)

	case mode.IsRegular():
		return t.writeFile(absPath, name, info)

	default:
		// Sockets, devices and named pipes have no archivable content.
		plog.Debug("Skipping special file", "source", t.src.Name, "path", absPath, "mode", mode.String())
		return nil
	}
}

func (t *task) writeHeader(header *tar.Header) error {
	if err := t.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", header.Name, err)
	}
	t.metrics.AddEntriesAdded(1)
	plog.Notice("ADD", "source", t.src.Name, "entry", header.Name)
	return nil
}

func (t *task) writeFile(absPath, name string, info os.FileInfo) error {
	f, err := secureFileOpen(absPath, info)
	if err != nil {
		t.skip(absPath, err)
		return nil
	}
	defer f.Close()

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		t.skip(absPath, err)
		return nil
	}
	header.Name = name
	if err := t.writeHeader(header); err != nil {
		return err
	}

	var r io.Reader = f
	if t.limiter != nil {
		r = &throttledReader{ctx: t.ctx, r: r, limiter: t.limiter}
	}
	rr := &readSideReader{r: r, metrics: t.metrics}

	n, err := t.ioBufferPool.CopyN(t.tw, rr, header.Size)
	if err == nil {
		return nil
	}
	if ctxErr := t.ctx.Err(); ctxErr != nil {
		return fault.Wrap(fault.Cancelled, ctxErr)
	}
	if rr.err == nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to write %s into archive: %w", name, err)
	}

	// The header already promised header.Size bytes. Pad so the archive stays
	// valid and report the file as damaged.
	if _, padErr := t.ioBufferPool.CopyN(t.tw, zeroReader{}, header.Size-n); padErr != nil {
		return fmt.Errorf("failed to pad %s in archive: %w", name, padErr)
	}
	t.metrics.AddEntriesSkipped(1)
	plog.Warn("File changed or became unreadable while archiving; stored zero padded", "source", t.src.Name, "path", absPath, "error", err)
	return nil
}

// secureFileOpen opens the file and verifies it is still the one that was
// stat'ed during the walk, since the tar header is derived from that stat.
func secureFileOpen(absFilePath string, expected os.FileInfo) (*os.File, error) {
	f, err := os.Open(absFilePath)
	if err != nil {
		return nil, err
	}

	openedInfo, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat opened file: %w", err)
	}
	if !os.SameFile(expected, openedInfo) {
		f.Close()
		return nil, fmt.Errorf("file replaced during backup: %s", absFilePath)
	}
	if openedInfo.Size() != expected.Size() {
		f.Close()
		return nil, fmt.Errorf("file size changed during backup: %s", absFilePath)
	}
	return f, nil
}
