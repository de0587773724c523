package alert

import (
	"context"
	"log/slog"

	"github.com/reportmail/internal/models"
)

// LogNotifier writes alerts to the log. It is always enabled.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier writes alerts to logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, a models.Alert) error {
	level := slog.LevelWarn
	if a.Level == models.AlertLevelCritical {
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, a.Title(),
		"kind", a.Kind,
		"report", a.SpecID,
		"tick_id", a.TickID,
		"window", a.Window.String(),
		"consecutive_failures", a.ConsecutiveFailures,
		"reason", a.Reason,
	)
	return nil
}
