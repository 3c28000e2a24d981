package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry owns device records and each device's update dispatch state.
//
// Mutations are serialised by writeMu: each one reads the current row,
// applies its change and writes the row back before the next starts, so
// heartbeats, status reports and panel commands never lose each other's
// writes. Reads are served from an in-memory cache populated by
// RefreshCache and replaced after every successful write.
//
// All public methods are thread-safe.
type Registry struct {
	repo Repository

	writeMu sync.Mutex

	cacheMu  sync.RWMutex
	cache    map[string]*Device // by ID
	bySecret map[string]string  // secret -> ID
	loaded   bool

	dispatch *dispatchTable
	logger   Logger
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:     repo,
		cache:    make(map[string]*Device),
		bySecret: make(map[string]string),
		dispatch: newDispatchTable(),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Device, len(devices))
	r.bySecret = make(map[string]string, len(devices))
	for i := range devices {
		d := devices[i].Clone()
		r.cache[d.ID] = d
		r.bySecret[d.Secret] = d.ID
	}
	r.loaded = true

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// Register returns the device called name, creating it if needed.
// isNew is false when the name (ignoring case) was already registered.
func (r *Registry) Register(ctx context.Context, name string) (device *Device, isNew bool, err error) {
	if err := ValidateName(name); err != nil {
		return nil, false, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	existing, err := r.repo.GetByName(ctx, name)
	switch {
	case err == nil:
		r.store(existing)
		return existing.Clone(), false, nil
	case !errors.Is(err, ErrDeviceNotFound):
		return nil, false, fmt.Errorf("looking up device name: %w", err)
	}

	d := &Device{
		ID:               GenerateID(),
		Name:             strings.TrimSpace(name),
		Secret:           DeriveSecret(name),
		CurrentVersion:   InitialVersion,
		RegisteredAt:     time.Now().UTC(),
		LastUpdateStatus: UpdateStatusNone,
	}
	if err := r.repo.Create(ctx, d); err != nil {
		return nil, false, err
	}
	r.store(d)

	r.logger.Info("device registered", "id", d.ID, "name", d.Name)
	return d.Clone(), true, nil
}

// Authenticate returns the device owning secret, or ErrUnauthorized.
func (r *Registry) Authenticate(ctx context.Context, secret string) (*Device, error) {
	if !LooksLikeSecret(secret) {
		return nil, ErrUnauthorized
	}

	r.cacheMu.RLock()
	id, ok := r.bySecret[secret]
	var cached *Device
	if ok {
		cached = r.cache[id].Clone()
	}
	loaded := r.loaded
	r.cacheMu.RUnlock()

	if cached != nil {
		return cached, nil
	}
	if loaded {
		return nil, ErrUnauthorized
	}

	d, err := r.repo.GetBySecret(ctx, secret)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return d, nil
}

// GetDevice retrieves a device by ID.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	loaded := r.loaded
	if ok {
		cached = cached.Clone()
	}
	r.cacheMu.RUnlock()

	if ok {
		return cached, nil
	}
	if loaded {
		return nil, ErrDeviceNotFound
	}
	return r.repo.GetByID(ctx, id)
}

// ListDevices returns all devices in registration order.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	r.cacheMu.RLock()
	if !r.loaded {
		r.cacheMu.RUnlock()
		return r.repo.List(ctx)
	}
	devices := make([]Device, 0, len(r.cache))
	for _, d := range r.cache {
		devices = append(devices, *d.Clone())
	}
	r.cacheMu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].RegisteredAt.Equal(devices[j].RegisteredAt) {
			return devices[i].ID < devices[j].ID
		}
		return devices[i].RegisteredAt.Before(devices[j].RegisteredAt)
	})
	return devices, nil
}

// ReportStatus records a liveness report. Unknown secrets are ignored
// without error, so this path cannot be used to test for valid secrets.
func (r *Registry) ReportStatus(ctx context.Context, secret, version, ip string) error {
	_, err := r.mutate(ctx, secretLookup(r.repo, secret), func(d *Device) {
		now := time.Now().UTC()
		if version != "" {
			d.CurrentVersion = version
		}
		d.LastCheck = &now
		if ip != "" {
			d.IPAddress = ip
		}
	})
	return ignoreMissing(err)
}

// MarkPending flags that firmware is waiting for the device.
func (r *Registry) MarkPending(ctx context.Context, id string) error {
	_, err := r.mutate(ctx, idLookup(r.repo, id), func(d *Device) {
		d.LastUpdateStatus = UpdateStatusPending
	})
	return ignoreMissing(err)
}

// MarkUpToDate clears the pending flag once no firmware targets the device.
func (r *Registry) MarkUpToDate(ctx context.Context, id string) error {
	_, err := r.mutate(ctx, idLookup(r.repo, id), func(d *Device) {
		d.LastUpdateStatus = UpdateStatusNone
	})
	return ignoreMissing(err)
}

// ConfirmSuccess records that the device installed version.
func (r *Registry) ConfirmSuccess(ctx context.Context, secret, version string) error {
	_, err := r.mutate(ctx, secretLookup(r.repo, secret), func(d *Device) {
		now := time.Now().UTC()
		d.LastUpdateStatus = UpdateStatusSuccess
		d.LastUpdateDate = &now
		d.LastUpdateError = ""
		if version != "" {
			d.CurrentVersion = version
		}
	})
	return ignoreMissing(err)
}

// MarkFailed records a failed update attempt.
func (r *Registry) MarkFailed(ctx context.Context, secret, reason string) error {
	_, err := r.mutate(ctx, secretLookup(r.repo, secret), func(d *Device) {
		now := time.Now().UTC()
		d.LastUpdateStatus = UpdateStatusFailed
		d.LastUpdateDate = &now
		d.LastUpdateError = reason
	})
	return ignoreMissing(err)
}

// DeleteDevice removes a device. Its secret stops authenticating at once.
// An armed update timeout is left running and still records its outcome.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if d, ok := r.cache[id]; ok {
		delete(r.bySecret, d.Secret)
		delete(r.cache, id)
	}
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "id", id)
	return nil
}

// GetDeviceCount returns the number of cached devices.
func (r *Registry) GetDeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// BeginUpdate moves the device from idle to awaiting and arms a single-shot
// timer. If neither EndUpdate nor Close runs before window elapses, the
// device returns to idle and onTimeout is called once, on its own goroutine.
//
// Returns ErrUpdateInFlight, without arming anything, if the device is
// already awaiting.
func (r *Registry) BeginUpdate(attempt Attempt, window time.Duration, onTimeout func(Attempt)) error {
	if attempt.SentAt.IsZero() {
		attempt.SentAt = time.Now().UTC()
	}
	if err := r.dispatch.begin(attempt, window, onTimeout); err != nil {
		return err
	}
	r.logger.Debug("update awaiting response",
		"device_id", attempt.DeviceID, "version", attempt.Version, "window", window)
	return nil
}

// EndUpdate returns the device to idle and disarms its timer. ok is false
// when the device was already idle; calling it then is a no-op.
func (r *Registry) EndUpdate(secret string) (attempt Attempt, ok bool) {
	return r.dispatch.end(secret)
}

// UpdatePhase reports whether the device has an outstanding update command.
func (r *Registry) UpdatePhase(secret string) Phase {
	return r.dispatch.phase(secret)
}

// InFlight lists the outstanding update commands, oldest first.
func (r *Registry) InFlight() []Attempt {
	return r.dispatch.snapshot()
}

// Close disarms all update timers. Their callbacks will not run.
func (r *Registry) Close() {
	r.dispatch.stopAll()
}

// mutate applies change to one device under the write lock and persists it.
func (r *Registry) mutate(ctx context.Context, lookup func(context.Context) (*Device, error), change func(*Device)) (*Device, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	d, err := lookup(ctx)
	if err != nil {
		return nil, err
	}

	change(d)

	if err := r.repo.Update(ctx, d); err != nil {
		return nil, err
	}
	r.store(d)
	return d.Clone(), nil
}

func (r *Registry) store(d *Device) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.cache[d.ID] = d.Clone()
	r.bySecret[d.Secret] = d.ID
}

func idLookup(repo Repository, id string) func(context.Context) (*Device, error) {
	return func(ctx context.Context) (*Device, error) {
		return repo.GetByID(ctx, id)
	}
}

func secretLookup(repo Repository, secret string) func(context.Context) (*Device, error) {
	return func(ctx context.Context) (*Device, error) {
		if secret == "" {
			return nil, ErrDeviceNotFound
		}
		return repo.GetBySecret(ctx, secret)
	}
}

func ignoreMissing(err error) error {
	if errors.Is(err, ErrDeviceNotFound) {
		return nil
	}
	return err
}
