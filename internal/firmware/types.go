package firmware

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ArtifactExtension is the only accepted upload extension.
const ArtifactExtension = ".bin"

// Firmware is an uploaded binary targeted at one device.
type Firmware struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"deviceId"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Filename    string    `json:"filename"`
	Locator     string    `json:"url"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum,omitempty"`
	UploadedAt  time.Time `json:"uploadDate"`
}

// Metadata accompanies an uploaded binary.
type Metadata struct {
	DeviceID     string
	Version      string
	Description  string
	OriginalName string // client-side filename, checked for the .bin extension
}

// Validate checks the metadata before anything is written.
func (m Metadata) Validate() error {
	if strings.TrimSpace(m.DeviceID) == "" {
		return ErrMissingDevice
	}
	if err := ValidateArtifactName(m.OriginalName); err != nil {
		return err
	}
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidArtifact)
	}
	if !safeComponent(m.DeviceID) || !safeComponent(m.Version) {
		return fmt.Errorf("%w: device id and version must not contain path separators", ErrInvalidArtifact)
	}
	return nil
}

// ValidateArtifactName accepts only names ending in .bin, in any case.
func ValidateArtifactName(name string) error {
	if !strings.EqualFold(filepath.Ext(name), ArtifactExtension) {
		return fmt.Errorf("%w: only %s files are accepted", ErrInvalidArtifact, ArtifactExtension)
	}
	return nil
}

// safeComponent reports whether s can be embedded in a filename.
func safeComponent(s string) bool {
	return !strings.ContainsAny(s, `/\`) && !strings.Contains(s, "..")
}
