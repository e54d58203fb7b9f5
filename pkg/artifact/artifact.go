// Package artifact describes one produced backup archive and its on-disk sidecar
// metadata file. The sidecar is the source of truth for an artifact's creation time;
// the timestamp embedded in the file name is only a fallback.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/paulschiretz/pgl-vault/pkg/util"
)

// TimestampFormat is the UTC timestamp layout embedded in artifact names.
const TimestampFormat = "20060102_150405"

// MetaSuffix is appended to an artifact's file name to form its sidecar name.
const MetaSuffix = ".meta.json"

// EncryptedSuffix is appended to an artifact's file name once it is encrypted.
const EncryptedSuffix = ".gpg"

// SourceSpec is one directory to back up. Name is unique within a plan and becomes
// the artifact subdirectory under the destination root.
type SourceSpec struct {
	Name string
	Path string
}

// Artifact is one produced (optionally encrypted) backup archive for one source and one run.
type Artifact struct {
	Source     string    `json:"source"`
	CreatedUTC time.Time `json:"createdUTC"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`
	Encrypted  bool      `json:"encrypted"`
	Format     string    `json:"format"`
	// Path is the absolute location of the artifact. It changes on publish and is not persisted.
	Path string `json:"-"`
}

// Meta is the content of an artifact sidecar file.
type Meta struct {
	Version string   `json:"version"`
	RunID   string   `json:"runID"`
	Name    string   `json:"name"`
	Info    Artifact `json:"artifact"`
}

// Name returns the base file name of the artifact.
func (a Artifact) Name() string {
	return filepath.Base(a.Path)
}

// MetaPath returns the sidecar path belonging to the artifact at path.
func MetaPath(path string) string {
	return path + MetaSuffix
}

// FileName builds the canonical archive file name for a source and creation time,
// e.g. "documents_20240517_150405.tar.gz".
func FileName(source string, createdUTC time.Time, format string) string {
	return fmt.Sprintf("%s_%s.%s", source, createdUTC.UTC().Format(TimestampFormat), format)
}

var nameRE = regexp.MustCompile(`^(.+)_(\d{8}_\d{6})\.(tar\.gz|tar\.zst)(\.gpg)?$`)

// ParseFileName recovers source, creation time, format and the encrypted flag from an
// artifact file name. ok is false for anything that is not an artifact.
func ParseFileName(name string) (a Artifact, ok bool) {
	m := nameRE.FindStringSubmatch(name)
	if m == nil {
		return Artifact{}, false
	}
	ts, err := time.ParseInLocation(TimestampFormat, m[2], time.UTC)
	if err != nil {
		return Artifact{}, false
	}
	return Artifact{
		Source:     m[1],
		CreatedUTC: ts,
		Format:     m[3],
		Encrypted:  m[4] != "",
	}, true
}

// IsArtifactName reports whether name looks like a published artifact (not a sidecar, not a temp file).
func IsArtifactName(name string) bool {
	if strings.HasSuffix(name, MetaSuffix) || util.IsTempFile(name) {
		return false
	}
	_, ok := ParseFileName(name)
	return ok
}

// WriteMeta durably writes the sidecar next to the artifact at a.Path.
func WriteMeta(a Artifact, runID, version string) error {
	meta := Meta{
		Version: version,
		RunID:   runID,
		Name:    a.Name(),
		Info:    a,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal artifact metadata: %w", err)
	}
	metaPath := MetaPath(a.Path)
	if err := util.WriteFileDurable(metaPath, data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("could not write artifact metadata %s: %w", metaPath, err)
	}
	return nil
}

// ReadMeta parses the sidecar of the artifact stored at path.
func ReadMeta(path string) (Meta, error) {
	metaPath := MetaPath(path)
	data, err := os.ReadFile(metaPath)
	if err != nil {
		// Note: os.IsNotExist errors are handled by the caller.
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("could not parse artifact metadata %s: %w. It may be corrupt", metaPath, err)
	}
	return meta, nil
}

// Load returns the artifact stored at path, preferring its sidecar and falling back
// to the file name and file size when the sidecar is missing or unreadable.
func Load(path string) (Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}

	meta, metaErr := ReadMeta(path)
	if metaErr == nil {
		a := meta.Info
		a.Path = path
		return a, nil
	}

	a, ok := ParseFileName(filepath.Base(path))
	if !ok {
		return Artifact{}, fmt.Errorf("not an artifact and no readable metadata: %s: %w", path, metaErr)
	}
	a.Path = path
	a.Size = info.Size()
	return a, nil
}
