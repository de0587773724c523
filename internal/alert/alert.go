// Package alert carries failure alerts and per-tick events to the people and
// systems that watch the report pipeline.
package alert

import (
	"context"
	"time"

	"github.com/reportmail/internal/models"
)

// Notifier delivers one alert to a channel.
type Notifier interface {
	Notify(ctx context.Context, a models.Alert) error
}

// ReportResult is what happened to one report in a tick.
type ReportResult struct {
	SpecID              string             `json:"spec_id"`
	Window              models.Window      `json:"window"`
	Outcome             models.OutcomeKind `json:"outcome"`
	Reason              string             `json:"reason,omitempty"`
	State               string             `json:"state"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
}

// TickEvent summarizes one tick. It is emitted even when nothing was due.
type TickEvent struct {
	TickID     string         `json:"tick_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Results    []ReportResult `json:"results"`
	// Aborted is set when the tick stopped early, e.g. on a persistence error.
	Aborted bool   `json:"aborted,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Count returns how many results ended with kind.
func (e TickEvent) Count(kind models.OutcomeKind) int {
	n := 0
	for _, r := range e.Results {
		if r.Outcome == kind {
			n++
		}
	}
	return n
}

func levelFor(kind models.AlertKind) models.AlertLevel {
	switch kind {
	case models.AlertSuspended, models.AlertPersistence:
		return models.AlertLevelCritical
	default:
		return models.AlertLevelWarning
	}
}
