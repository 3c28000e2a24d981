package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpen(t *testing.T) {
	t.Run("creates database file", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(context.Background(), Config{Path: dbPath, WALMode: true, BusyTimeout: 5})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer db.Close() //nolint:errcheck // Test cleanup

		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			t.Error("database file was not created")
		}
		if db.Path() != dbPath {
			t.Errorf("Path() = %v, want %v", db.Path(), dbPath)
		}
	})

	t.Run("creates directory if not exists", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

		db, err := Open(context.Background(), Config{Path: dbPath, BusyTimeout: 5})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer db.Close() //nolint:errcheck // Test cleanup

		if _, err := os.Stat(filepath.Dir(dbPath)); os.IsNotExist(err) {
			t.Error("database directory was not created")
		}
	})

	t.Run("in memory", func(t *testing.T) {
		db, err := Open(context.Background(), Config{Path: ":memory:"})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer db.Close() //nolint:errcheck // Test cleanup

		if err := db.HealthCheck(context.Background()); err != nil {
			t.Errorf("HealthCheck() error = %v", err)
		}
	})
}

func TestSingleConnection(t *testing.T) {
	db := openTestDB(t)

	if got := db.Stats().MaxOpenConnections; got != 1 {
		t.Errorf("MaxOpenConnections = %v, want 1", got)
	}
}

func TestClose(t *testing.T) {
	db := openTestDB(t)

	if err := db.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	db.DB = nil
	if err := db.Close(); err != nil {
		t.Errorf("Close() on nil DB error = %v", err)
	}
}

func TestWithTx(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, "CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)"); err != nil {
		t.Fatalf("CREATE TABLE error = %v", err)
	}

	t.Run("commit", func(t *testing.T) {
		err := WithTx(ctx, db.DB, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES ('a', '1')")
			return err
		})
		if err != nil {
			t.Fatalf("WithTx() error = %v", err)
		}
		if n := countRows(t, db, "a"); n != 1 {
			t.Errorf("rows = %d, want 1", n)
		}
	})

	t.Run("rollback on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := WithTx(ctx, db.DB, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES ('b', '2')"); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("WithTx() error = %v, want boom", err)
		}
		if n := countRows(t, db, "b"); n != 0 {
			t.Errorf("rows = %d, want 0 after rollback", n)
		}
	})
}

func TestIsUniqueConstraint(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, "CREATE TABLE u (name TEXT UNIQUE)"); err != nil {
		t.Fatalf("CREATE TABLE error = %v", err)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO u (name) VALUES ('x')"); err != nil {
		t.Fatalf("first INSERT error = %v", err)
	}

	_, err := db.ExecContext(ctx, "INSERT INTO u (name) VALUES ('x')")
	if !IsUniqueConstraint(err) {
		t.Errorf("IsUniqueConstraint(%v) = false, want true", err)
	}
	if IsUniqueConstraint(errors.New("other")) {
		t.Error("IsUniqueConstraint(plain error) = true")
	}
	if IsUniqueConstraint(nil) {
		t.Error("IsUniqueConstraint(nil) = true")
	}
}

func TestFormatParseTime(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	in := time.Date(2026, 3, 4, 12, 30, 0, 1500, loc)

	s := FormatTime(in)
	if s != "2026-03-04T10:30:00.000001500Z" {
		t.Errorf("FormatTime() = %q", s)
	}

	out, err := ParseTime(s)
	if err != nil {
		t.Fatalf("ParseTime() error = %v", err)
	}
	if !out.Equal(in) {
		t.Errorf("ParseTime() = %v, want %v", out, in)
	}

	if _, err := ParseTime("2026-03-04T10:30:00+02:00"); err != nil {
		t.Errorf("ParseTime(RFC3339) error = %v", err)
	}
	if _, err := ParseTime("yesterday"); err == nil {
		t.Error("ParseTime(garbage) expected error")
	}

	// Fixed width keeps lexical and chronological order aligned.
	early := FormatTime(time.Date(2026, 1, 1, 0, 0, 0, 900_000_000, time.UTC))
	late := FormatTime(time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC))
	if early >= late {
		t.Errorf("%q should sort before %q", early, late)
	}
}

func countRows(t *testing.T, db *DB, key string) int {
	t.Helper()
	var n int
	if err := db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM kv WHERE k = ?", key).Scan(&n); err != nil {
		t.Fatalf("SELECT error = %v", err)
	}
	return n
}

// openTestDB creates a temporary file-backed database for testing.
func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(context.Background(), Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	return db
}
