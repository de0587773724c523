package models

import (
	"fmt"
	"time"
)

type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "INFO"
	AlertLevelWarning  AlertLevel = "WARNING"
	AlertLevelCritical AlertLevel = "CRITICAL"
)

type AlertKind string

const (
	// AlertFatalFailure is raised for a run that failed in a way retrying will not fix.
	AlertFatalFailure AlertKind = "FATAL_FAILURE"
	// AlertSuspended is raised once, when a report hits the failure ceiling.
	AlertSuspended AlertKind = "SUSPENDED"
	// AlertPersistence is raised when a watermark could not be saved and the tick stopped.
	AlertPersistence AlertKind = "PERSISTENCE_FAILURE"
)

// Alert is a structured signal that a human should look at a report.
type Alert struct {
	Kind                AlertKind  `json:"kind"`
	Level               AlertLevel `json:"level"`
	TickID              string     `json:"tick_id"`
	SpecID              string     `json:"spec_id"`
	Window              Window     `json:"window"`
	Reason              string     `json:"reason"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	At                  time.Time  `json:"at"`
}

func (a Alert) Title() string {
	switch a.Kind {
	case AlertSuspended:
		return fmt.Sprintf("Report %s suspended after %d consecutive failures", a.SpecID, a.ConsecutiveFailures)
	case AlertPersistence:
		return fmt.Sprintf("Watermark for report %s could not be saved", a.SpecID)
	default:
		return fmt.Sprintf("Report %s failed", a.SpecID)
	}
}
