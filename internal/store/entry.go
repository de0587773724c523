package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/reportmail/internal/models"
	"gorm.io/gorm"
)

var ErrEmptyEntry = errors.New("entry text is empty")

// EntryStore manages report content entries.
type EntryStore struct {
	db *gorm.DB
}

// NewEntryStore returns an EntryStore backed by db.
func NewEntryStore(db *gorm.DB) *EntryStore {
	return &EntryStore{db: db}
}

// Add inserts entry with trimmed text. At defaults to now and is stored in UTC.
func (s *EntryStore) Add(ctx context.Context, entry *models.Entry) error {
	entry.Text = strings.TrimSpace(entry.Text)
	if entry.Text == "" {
		return ErrEmptyEntry
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	entry.At = entry.At.UTC()
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to create entry: %w", err)
	}
	return nil
}

// Between returns the entries of a report with start <= at < end, oldest first.
func (s *EntryStore) Between(ctx context.Context, reportID string, start, end time.Time) ([]models.Entry, error) {
	var entries []models.Entry
	err := s.db.WithContext(ctx).
		Where("report_id = ? AND at >= ? AND at < ?", reportID, start.UTC(), end.UTC()).
		Order("at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	return entries, nil
}

// Delete removes the entry with id.
func (s *EntryStore) Delete(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&models.Entry{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete entry: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("entry not found: %d", id)
	}
	return nil
}
