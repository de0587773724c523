package store

import (
	"context"
	"fmt"

	"github.com/reportmail/internal/models"
	"gorm.io/gorm"
)

const defaultHistoryLimit = 50

// HistoryStore keeps the per-report run log written at the end of every tick.
type HistoryStore struct {
	db *gorm.DB
}

// NewHistoryStore returns a HistoryStore backed by db.
func NewHistoryStore(db *gorm.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// Append stores the run logs of one tick in a single insert.
func (s *HistoryStore) Append(ctx context.Context, logs []models.RunLog) error {
	if len(logs) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&logs).Error; err != nil {
		return fmt.Errorf("failed to append run log: %w", err)
	}
	return nil
}

// List returns the newest runs first. An empty specID lists all reports.
func (s *HistoryStore) List(ctx context.Context, specID string, limit int) ([]models.RunLog, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	query := s.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if specID != "" {
		query = query.Where("spec_id = ?", specID)
	}

	var logs []models.RunLog
	if err := query.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to list run log: %w", err)
	}
	return logs, nil
}
