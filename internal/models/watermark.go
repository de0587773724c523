package models

import "time"

// Watermark is the persisted scheduling state of one report type, keyed by the
// report id. LastSuccessfulRun only ever moves forward.
type Watermark struct {
	SpecID              string     `json:"spec_id" gorm:"primaryKey"`
	LastSuccessfulRun   time.Time  `json:"last_successful_run"`
	LastAttempt         time.Time  `json:"last_attempt"`
	ConsecutiveFailures int        `json:"consecutive_failures" gorm:"not null;default:0"`
	Suspended           bool       `json:"suspended" gorm:"not null;default:false"`
	SuspendedAt         *time.Time `json:"suspended_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// NeverRun reports whether the report has no successful delivery on record.
func (w Watermark) NeverRun() bool {
	return w.LastSuccessfulRun.IsZero()
}

// Lease marks a tick as running in some process. It expires so a crashed
// process cannot block ticks forever.
type Lease struct {
	Name      string    `json:"name" gorm:"primaryKey"`
	Owner     string    `json:"owner" gorm:"not null"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null"`
}
