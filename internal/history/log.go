package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Log is the append-only update history.
type Log struct {
	repo Repository
	now  func() time.Time
}

// NewLog creates a history log backed by repo.
func NewLog(repo Repository) *Log {
	return &Log{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Append assigns an ID and timestamp when absent, persists the entry and
// returns the stored copy.
func (l *Log) Append(ctx context.Context, entry Entry) (Entry, error) {
	if err := entry.Validate(); err != nil {
		return Entry{}, err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	if entry.DeviceName == "" {
		entry.DeviceName = "Unknown"
	}

	if err := l.repo.Insert(ctx, &entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// List returns every entry, newest first.
func (l *Log) List(ctx context.Context) ([]Entry, error) {
	return l.repo.List(ctx, Filter{})
}

// ListFiltered returns the entries matching filter, newest first.
func (l *Log) ListFiltered(ctx context.Context, filter Filter) ([]Entry, error) {
	return l.repo.List(ctx, filter)
}
