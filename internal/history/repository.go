package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/angeruPpb/esp-manager/internal/infrastructure/database"
)

// Repository defines the persistence operations for history entries.
type Repository interface {
	Insert(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
}

// SQLiteRepository stores history entries in the update_history table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new history repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert writes a fully populated entry.
func (r *SQLiteRepository) Insert(ctx context.Context, e *Entry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO update_history (id, device_id, device_name, version, status, error, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeviceID, e.DeviceName, e.Version, string(e.Status),
		nullableString(e.Error),
		database.FormatTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting history entry: %w", err)
	}
	return nil
}

// List returns entries matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) ([]Entry, error) {
	var conditions []string
	var args []any

	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}

	query := "SELECT id, device_id, device_name, version, status, error, timestamp FROM update_history"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e         Entry
			status    string
			errText   sql.NullString
			timestamp string
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.DeviceName, &e.Version,
			&status, &errText, &timestamp); err != nil {
			return nil, fmt.Errorf("scanning history entry: %w", err)
		}
		e.Status = Status(status)
		e.Error = errText.String

		t, err := database.ParseTime(timestamp)
		if err != nil {
			return nil, fmt.Errorf("parsing history timestamp %q: %w", timestamp, err)
		}
		e.Timestamp = t

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}

	return entries, nil
}

// nullableString returns nil for empty strings so optional TEXT columns stay NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
