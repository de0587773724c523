package store

import (
	"context"
	"fmt"

	"github.com/reportmail/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WatermarkStore persists watermarks in the watermarks table.
type WatermarkStore struct {
	db *gorm.DB
}

// NewWatermarkStore returns a WatermarkStore backed by db.
func NewWatermarkStore(db *gorm.DB) *WatermarkStore {
	return &WatermarkStore{db: db}
}

// Load returns every stored watermark keyed by report id.
func (s *WatermarkStore) Load(ctx context.Context) (map[string]models.Watermark, error) {
	var rows []models.Watermark
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load watermarks: %w", err)
	}

	marks := make(map[string]models.Watermark, len(rows))
	for _, wm := range rows {
		marks[wm.SpecID] = wm
	}
	return marks, nil
}

// Save upserts a single watermark inside its own transaction.
func (s *WatermarkStore) Save(ctx context.Context, wm models.Watermark) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "spec_id"}},
			UpdateAll: true,
		}).Create(&wm).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save watermark %s: %w", wm.SpecID, err)
	}
	return nil
}
