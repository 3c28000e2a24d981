package firmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeviceMarker is the slice of the device registry the store needs.
type DeviceMarker interface {
	MarkPending(ctx context.Context, deviceID string) error
	MarkUpToDate(ctx context.Context, deviceID string) error
}

// Logger defines the logging interface used by the Store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// StoreConfig configures a Store.
type StoreConfig struct {
	// PublicPath is the URL path prefix the artifact directory is served under.
	PublicPath string
}

// Store owns firmware records and their binaries.
//
// Saves and deletes are serialised so the "is this the device's last
// artifact" decision always sees a settled view of the table.
type Store struct {
	repo       Repository
	artifacts  *ArtifactDir
	devices    DeviceMarker
	publicPath string
	logger     Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates a firmware store.
func NewStore(repo Repository, artifacts *ArtifactDir, devices DeviceMarker, cfg StoreConfig) *Store {
	public := strings.TrimRight(cfg.PublicPath, "/")
	if public == "" {
		public = "/uploads/firmware"
	}
	return &Store{
		repo:       repo,
		artifacts:  artifacts,
		devices:    devices,
		publicPath: public,
		logger:     noopLogger{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// Save writes the binary and its record, then marks the device pending.
// On any failure nothing is left behind.
func (s *Store) Save(ctx context.Context, body io.Reader, meta Metadata) (*Firmware, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	deviceID := strings.TrimSpace(meta.DeviceID)
	version := strings.TrimSpace(meta.Version)

	s.mu.Lock()
	defer s.mu.Unlock()

	filename := FileName(deviceID, version)
	size, checksum, err := s.artifacts.Write(filename, body)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		s.removeArtifact(filename)
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidArtifact)
	}

	fw := &Firmware{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		Version:     version,
		Description: meta.Description,
		Filename:    filename,
		Locator:     s.publicPath + "/" + filename,
		Size:        size,
		Checksum:    checksum,
		UploadedAt:  s.now(),
	}
	if err := s.repo.Insert(ctx, fw); err != nil {
		s.removeArtifact(filename)
		return nil, err
	}

	if err := s.devices.MarkPending(ctx, deviceID); err != nil {
		s.logger.Warn("marking device pending failed", "device_id", deviceID, "error", err)
	}

	s.logger.Info("firmware saved",
		"id", fw.ID, "device_id", deviceID, "version", version, "size", size)
	return fw, nil
}

// Get returns one firmware record.
func (s *Store) Get(ctx context.Context, id string) (*Firmware, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns every firmware record, newest first.
func (s *Store) List(ctx context.Context) ([]Firmware, error) {
	return s.repo.List(ctx)
}

// PendingFor returns the newest firmware targeting deviceID. ok is false
// when nothing targets it.
func (s *Store) PendingFor(ctx context.Context, deviceID string) (fw *Firmware, ok bool, err error) {
	fw, err = s.repo.LatestForDevice(ctx, deviceID)
	if errors.Is(err, ErrFirmwareNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return fw, true, nil
}

// Delete removes a record and its binary. When it was the device's last
// artifact the device is marked up to date.
func (s *Store) Delete(ctx context.Context, id string) (*Firmware, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fw, remaining, err := s.repo.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	s.removeArtifact(fw.Filename)

	if remaining == 0 {
		if err := s.devices.MarkUpToDate(ctx, fw.DeviceID); err != nil {
			s.logger.Warn("marking device up to date failed", "device_id", fw.DeviceID, "error", err)
		}
	}

	s.logger.Info("firmware deleted", "id", fw.ID, "filename", fw.Filename, "remaining", remaining)
	return fw, nil
}

// DeleteByDeviceAndVersion purges the artifacts a device has confirmed
// installing. It is a no-op when none match. The device's status is left
// alone; the caller has just recorded the successful install.
func (s *Store) DeleteByDeviceAndVersion(ctx context.Context, deviceID, version string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := s.repo.FindByDeviceAndVersion(ctx, deviceID, version)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, fw := range matches {
		if _, _, err := s.repo.Delete(ctx, fw.ID); err != nil {
			if errors.Is(err, ErrFirmwareNotFound) {
				continue
			}
			return removed, err
		}
		s.removeArtifact(fw.Filename)
		removed++
	}

	if removed > 0 {
		s.logger.Info("installed firmware purged", "device_id", deviceID, "version", version, "count", removed)
	}
	return removed, nil
}

func (s *Store) removeArtifact(filename string) {
	if err := s.artifacts.Remove(filename); err != nil {
		s.logger.Warn("removing firmware file failed", "filename", filename, "error", err)
	}
}
