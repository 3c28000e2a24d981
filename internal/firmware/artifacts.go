package firmware

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const (
	dirPermissions  = 0o755
	filePermissions = 0o644
)

// ArtifactDir holds firmware binaries on the local filesystem.
type ArtifactDir struct {
	root string
}

// NewArtifactDir creates the directory if needed.
func NewArtifactDir(root string) (*ArtifactDir, error) {
	if err := os.MkdirAll(root, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating firmware directory: %w", err)
	}
	return &ArtifactDir{root: root}, nil
}

// Root returns the directory path.
func (a *ArtifactDir) Root() string {
	return a.root
}

// FileName builds the stored name for an artifact.
func FileName(deviceID, version string) string {
	return fmt.Sprintf("%s_v%s_%s%s", deviceID, version, uuid.NewString(), ArtifactExtension)
}

// Write streams r into name and returns the byte count and BLAKE3 digest.
// The file appears under its final name only once it is complete.
func (a *ArtifactDir) Write(name string, r io.Reader) (size int64, checksum string, err error) {
	tmp, err := os.CreateTemp(a.root, ".upload-*")
	if err != nil {
		return 0, "", fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	hasher := blake3.New()
	size, err = io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		return 0, "", fmt.Errorf("writing artifact: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return 0, "", fmt.Errorf("syncing artifact: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return 0, "", fmt.Errorf("closing artifact: %w", err)
	}
	if err = os.Chmod(tmp.Name(), filePermissions); err != nil {
		return 0, "", fmt.Errorf("setting artifact permissions: %w", err)
	}
	if err = os.Rename(tmp.Name(), a.path(name)); err != nil {
		return 0, "", fmt.Errorf("publishing artifact: %w", err)
	}

	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// Remove deletes name. A file that is already gone is not an error.
func (a *ArtifactDir) Remove(name string) error {
	err := os.Remove(a.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing artifact: %w", err)
	}
	return nil
}

func (a *ArtifactDir) path(name string) string {
	return filepath.Join(a.root, filepath.Base(name))
}
