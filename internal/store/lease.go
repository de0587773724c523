package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reportmail/internal/models"
	"gorm.io/gorm"
)

// LeaseStore hands out named, expiring leases so that only one process ticks
// against a database at a time.
type LeaseStore struct {
	db *gorm.DB
}

// NewLeaseStore returns a LeaseStore backed by db.
func NewLeaseStore(db *gorm.DB) *LeaseStore {
	return &LeaseStore{db: db}
}

// Acquire takes the lease for owner until now+ttl. It returns false when another
// owner holds an unexpired lease. The holder may re-acquire to extend it.
func (s *LeaseStore) Acquire(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var l models.Lease
		err := tx.Where("name = ?", name).Take(&l).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			l = models.Lease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl).UTC()}
			err = tx.Create(&l).Error
		case err != nil:
			return err
		case l.Owner != owner && now.Before(l.ExpiresAt):
			return nil
		default:
			err = tx.Model(&l).Updates(map[string]any{
				"owner":      owner,
				"expires_at": now.Add(ttl).UTC(),
			}).Error
		}
		if err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	return acquired, nil
}

// Release drops the lease if owner still holds it.
func (s *LeaseStore) Release(ctx context.Context, name, owner string) error {
	err := s.db.WithContext(ctx).
		Where("name = ? AND owner = ?", name, owner).
		Delete(&models.Lease{}).Error
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}
