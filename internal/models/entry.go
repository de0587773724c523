package models

import (
	"time"

	"gorm.io/gorm"
)

// Entry is one piece of report content written by a person, e.g. a daily
// conclusion or next week's plan.
type Entry struct {
	gorm.Model
	ReportID string    `json:"report_id" gorm:"index:idx_entries_report_at;not null"`
	Section  string    `json:"section" gorm:"not null"`
	Text     string    `json:"text" gorm:"not null"`
	At       time.Time `json:"at" gorm:"index:idx_entries_report_at;not null"`
}

// Record is the source-agnostic view of an entry handed to the renderer.
type Record struct {
	At      time.Time `json:"at" yaml:"at"`
	Section string    `json:"section" yaml:"section"`
	Text    string    `json:"text" yaml:"text"`
}

// RecordSet is the raw data for one window. It is discarded after rendering.
type RecordSet struct {
	Window  Window
	Records []Record
}

func (rs RecordSet) Empty() bool {
	return len(rs.Records) == 0
}
