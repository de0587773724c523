package alert

import (
	"context"
	"log/slog"
	"time"

	"github.com/reportmail/internal/models"
)

// Manager fans alerts out to every configured notifier. A failing channel is
// logged and never fails the caller.
type Manager struct {
	notifiers []Notifier
	logger    *slog.Logger
	timeout   time.Duration
}

const defaultNotifyTimeout = 15 * time.Second

// NewManager fans alerts out to notifiers. A nil logger means slog.Default.
func NewManager(logger *slog.Logger, notifiers ...Notifier) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{notifiers: notifiers, logger: logger, timeout: defaultNotifyTimeout}
}

// Notify sends a to all notifiers. Level and time are filled in when unset.
func (m *Manager) Notify(ctx context.Context, a models.Alert) {
	if a.Level == "" {
		a.Level = levelFor(a.Kind)
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}

	// Alerts still go out while the process is shutting down.
	ctx = context.WithoutCancel(ctx)
	for _, n := range m.notifiers {
		nctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := n.Notify(nctx, a)
		cancel()
		if err != nil {
			m.logger.Error("failed to send alert", "kind", a.Kind, "report", a.SpecID, "err", err)
		}
	}
}

// Publish emits the tick summary as one structured log record.
func (m *Manager) Publish(_ context.Context, ev TickEvent) {
	attrs := []any{
		"tick_id", ev.TickID,
		"duration", ev.FinishedAt.Sub(ev.StartedAt),
		"processed", len(ev.Results),
		"delivered", ev.Count(models.OutcomeDelivered),
		"retryable", ev.Count(models.OutcomeRetryable),
		"fatal", ev.Count(models.OutcomeFatal),
	}
	for _, r := range ev.Results {
		attrs = append(attrs, slog.Group(r.SpecID,
			"outcome", r.Outcome,
			"state", r.State,
			"window", r.Window.String(),
		))
	}

	if ev.Aborted {
		m.logger.Error("tick aborted", append(attrs, "err", ev.Error)...)
		return
	}
	m.logger.Info("tick finished", attrs...)
}
