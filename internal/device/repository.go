package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/angeruPpb/esp-manager/internal/infrastructure/database"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// GetBySecret retrieves the device owning a secret.
	// Returns ErrDeviceNotFound if no device has it.
	GetBySecret(ctx context.Context, secret string) (*Device, error)

	// GetByName retrieves a device by name, ignoring case and surrounding space.
	// Returns ErrDeviceNotFound if the name is not registered.
	GetByName(ctx context.Context, name string) (*Device, error)

	// List retrieves all devices ordered by registration time.
	List(ctx context.Context) ([]Device, error)

	// Create inserts a new device.
	// Returns ErrDeviceExists if the ID, name or secret is taken.
	Create(ctx context.Context, device *Device) error

	// Update rewrites every mutable field of an existing device.
	// Returns ErrDeviceNotFound if the device does not exist.
	Update(ctx context.Context, device *Device) error

	// Delete removes a device by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectDeviceColumns = `
	SELECT id, name, secret, current_version, last_check, ip_address,
		registered_at, last_update_status, last_update_date, last_update_error
	FROM devices`

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	return r.getOne(ctx, selectDeviceColumns+" WHERE id = ?", id)
}

// GetBySecret retrieves the device owning a secret.
func (r *SQLiteRepository) GetBySecret(ctx context.Context, secret string) (*Device, error) {
	return r.getOne(ctx, selectDeviceColumns+" WHERE secret = ?", secret)
}

// GetByName retrieves a device by normalised name.
func (r *SQLiteRepository) GetByName(ctx context.Context, name string) (*Device, error) {
	return r.getOne(ctx, selectDeviceColumns+" WHERE name_key = ?", NormalizeName(name))
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, selectDeviceColumns+" ORDER BY registered_at, id")
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	devices := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, d *Device) error {
	if err := ValidateUpdateStatus(d.LastUpdateStatus); err != nil {
		return err
	}
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (
			id, name, name_key, secret, current_version, last_check, ip_address,
			registered_at, last_update_status, last_update_date, last_update_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.Name,
		NormalizeName(d.Name),
		d.Secret,
		d.CurrentVersion,
		nullableTime(d.LastCheck),
		nullableString(d.IPAddress),
		database.FormatTime(d.RegisteredAt),
		string(d.LastUpdateStatus),
		nullableTime(d.LastUpdateDate),
		nullableString(d.LastUpdateError),
	)
	if err != nil {
		if database.IsUniqueConstraint(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing device.
func (r *SQLiteRepository) Update(ctx context.Context, d *Device) error {
	if err := ValidateUpdateStatus(d.LastUpdateStatus); err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			current_version = ?, last_check = ?, ip_address = ?,
			last_update_status = ?, last_update_date = ?, last_update_error = ?
		WHERE id = ?`,
		d.CurrentVersion,
		nullableTime(d.LastCheck),
		nullableString(d.IPAddress),
		string(d.LastUpdateStatus),
		nullableTime(d.LastUpdateDate),
		nullableString(d.LastUpdateError),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	return requireRow(result)
}

// Delete removes a device by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return requireRow(result)
}

func (r *SQLiteRepository) getOne(ctx context.Context, query string, arg any) (*Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return d, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		d              Device
		lastCheck      sql.NullString
		ipAddress      sql.NullString
		registeredAt   string
		status         string
		lastUpdateDate sql.NullString
		lastUpdateErr  sql.NullString
	)

	if err := row.Scan(
		&d.ID, &d.Name, &d.Secret, &d.CurrentVersion, &lastCheck, &ipAddress,
		&registeredAt, &status, &lastUpdateDate, &lastUpdateErr,
	); err != nil {
		return nil, err
	}

	var err error
	if d.RegisteredAt, err = database.ParseTime(registeredAt); err != nil {
		return nil, err
	}
	if d.LastCheck, err = parseNullableTime(lastCheck); err != nil {
		return nil, err
	}
	if d.LastUpdateDate, err = parseNullableTime(lastUpdateDate); err != nil {
		return nil, err
	}
	d.IPAddress = ipAddress.String
	d.LastUpdateStatus = UpdateStatus(status)
	d.LastUpdateError = lastUpdateErr.String

	return &d, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return database.FormatTime(*t)
}

func parseNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := database.ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
