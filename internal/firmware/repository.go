package firmware

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/angeruPpb/esp-manager/internal/infrastructure/database"
)

// Repository defines the persistence operations for firmware records.
type Repository interface {
	// Insert writes a new record.
	Insert(ctx context.Context, fw *Firmware) error

	// GetByID returns ErrFirmwareNotFound if the record does not exist.
	GetByID(ctx context.Context, id string) (*Firmware, error)

	// List returns every record, newest upload first.
	List(ctx context.Context) ([]Firmware, error)

	// LatestForDevice returns the newest record targeting deviceID,
	// or ErrFirmwareNotFound.
	LatestForDevice(ctx context.Context, deviceID string) (*Firmware, error)

	// FindByDeviceAndVersion returns the records for deviceID carrying version.
	FindByDeviceAndVersion(ctx context.Context, deviceID, version string) ([]Firmware, error)

	// Delete removes the record and reports how many records still target
	// the same device. Returns ErrFirmwareNotFound if it does not exist.
	Delete(ctx context.Context, id string) (deleted *Firmware, remaining int, err error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed firmware repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectFirmwareColumns = `
	SELECT id, device_id, version, description, filename, locator, size, checksum, uploaded_at
	FROM firmware`

// Insert writes a new record.
func (r *SQLiteRepository) Insert(ctx context.Context, fw *Firmware) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO firmware (id, device_id, version, description, filename, locator, size, checksum, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fw.ID, fw.DeviceID, fw.Version, fw.Description, fw.Filename,
		fw.Locator, fw.Size, fw.Checksum, database.FormatTime(fw.UploadedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting firmware: %w", err)
	}
	return nil
}

// GetByID returns one record.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Firmware, error) {
	return getOne(ctx, r.db, selectFirmwareColumns+" WHERE id = ?", id)
}

// List returns every record, newest upload first.
func (r *SQLiteRepository) List(ctx context.Context) ([]Firmware, error) {
	return query(ctx, r.db, selectFirmwareColumns+" ORDER BY uploaded_at DESC, rowid DESC")
}

// LatestForDevice returns the newest record targeting deviceID.
func (r *SQLiteRepository) LatestForDevice(ctx context.Context, deviceID string) (*Firmware, error) {
	return getOne(ctx, r.db,
		selectFirmwareColumns+" WHERE device_id = ? ORDER BY uploaded_at DESC, rowid DESC LIMIT 1", deviceID)
}

// FindByDeviceAndVersion returns the matching records.
func (r *SQLiteRepository) FindByDeviceAndVersion(ctx context.Context, deviceID, version string) ([]Firmware, error) {
	return query(ctx, r.db,
		selectFirmwareColumns+" WHERE device_id = ? AND version = ? ORDER BY uploaded_at DESC, rowid DESC", deviceID, version)
}

// Delete removes the record and counts the device's remaining records in
// the same transaction.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) (*Firmware, int, error) {
	var (
		deleted   *Firmware
		remaining int
	)

	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		fw, err := getOne(ctx, tx, selectFirmwareColumns+" WHERE id = ?", id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM firmware WHERE id = ?", id); err != nil {
			return fmt.Errorf("deleting firmware: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM firmware WHERE device_id = ?", fw.DeviceID).Scan(&remaining); err != nil {
			return fmt.Errorf("counting device firmware: %w", err)
		}
		deleted = fw
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return deleted, remaining, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getOne(ctx context.Context, q queryer, stmt string, args ...any) (*Firmware, error) {
	fw, err := scanFirmware(q.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFirmwareNotFound
		}
		return nil, fmt.Errorf("querying firmware: %w", err)
	}
	return fw, nil
}

func query(ctx context.Context, q queryer, stmt string, args ...any) ([]Firmware, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying firmware: %w", err)
	}
	defer rows.Close()

	out := []Firmware{}
	for rows.Next() {
		fw, err := scanFirmware(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning firmware: %w", err)
		}
		out = append(out, *fw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating firmware: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFirmware(row rowScanner) (*Firmware, error) {
	var (
		fw         Firmware
		uploadedAt string
	)
	if err := row.Scan(&fw.ID, &fw.DeviceID, &fw.Version, &fw.Description, &fw.Filename,
		&fw.Locator, &fw.Size, &fw.Checksum, &uploadedAt); err != nil {
		return nil, err
	}
	t, err := database.ParseTime(uploadedAt)
	if err != nil {
		return nil, err
	}
	fw.UploadedAt = t
	return &fw, nil
}
