// Package orchestrator runs the report pipeline: for every due report it
// fetches records, renders the artifact, delivers it and records the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reportmail/internal/alert"
	"github.com/reportmail/internal/models"
	"github.com/reportmail/internal/schedule"
	"github.com/reportmail/internal/source"
)

var (
	ErrTickInProgress  = errors.New("a tick is already in progress")
	ErrReportSuspended = errors.New("report is suspended")
)

// Renderer turns a record set into a ready-to-send artifact. Companion record
// sets are rendered into the same artifact.
type Renderer interface {
	Render(spec models.ReportSpec, rs models.RecordSet, companions ...models.Companion) (models.Artifact, error)
}

// Sender delivers an artifact and reports the outcome. It never returns an error;
// every failure is folded into the outcome.
type Sender interface {
	Send(ctx context.Context, art models.Artifact) models.Outcome
}

// HistoryWriter stores the run log rows of a tick.
type HistoryWriter interface {
	Append(ctx context.Context, logs []models.RunLog) error
}

// Lease guards ticks across processes sharing one database.
type Lease interface {
	Acquire(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, owner string) error
}

const (
	leaseName = "tick"
	// DefaultLeaseTTL bounds how long a crashed process can block other ticks.
	DefaultLeaseTTL = 30 * time.Minute
)

// Orchestrator drives one tick at a time. Reports due in the same tick run
// one after another.
type Orchestrator struct {
	engine   *schedule.Engine
	source   source.Source
	renderer Renderer
	sender   Sender
	history  HistoryWriter
	alerts   *alert.Manager
	archive  *Archiver
	lease    Lease
	leaseTTL time.Duration
	owner    string
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger

	// running is the single active-run guard shared by Tick and RunReport.
	running sync.Mutex
}

type Option func(*Orchestrator)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger used for tick and report messages.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHistory stores a run log row for every processed report.
func WithHistory(h HistoryWriter) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithAlerts replaces the default log-only alert manager.
func WithAlerts(m *alert.Manager) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.alerts = m
		}
	}
}

// WithArchive keeps a copy of every rendered attachment.
func WithArchive(a *Archiver) Option {
	return func(o *Orchestrator) { o.archive = a }
}

// WithLease makes ticks exclusive across processes, not just within this one.
func WithLease(l Lease, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.lease = l
		if ttl > 0 {
			o.leaseTTL = ttl
		}
	}
}

// WithIDGenerator replaces the random tick ids, mostly for tests.
func WithIDGenerator(f func() string) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.newID = f
		}
	}
}

// New wires an orchestrator. Without WithAlerts, alerts are only logged.
func New(engine *schedule.Engine, src source.Source, renderer Renderer, sender Sender, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:   engine,
		source:   src,
		renderer: renderer,
		sender:   sender,
		now:      time.Now,
		newID:    uuid.NewString,
		owner:    uuid.NewString(),
		leaseTTL: DefaultLeaseTTL,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.alerts == nil {
		o.alerts = alert.NewManager(o.logger, alert.NewLogNotifier(o.logger))
	}
	return o
}

// Tick processes every due report once. It returns ErrTickInProgress without
// doing anything if another tick or manual run holds the guard.
//
// A persistence error stops the tick; the remaining due reports are left for
// the next tick. A cancelled ctx stops the tick before the next report starts.
func (o *Orchestrator) Tick(ctx context.Context) (alert.TickEvent, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return alert.TickEvent{}, err
	}
	defer release()

	ev := o.begin()
	err = o.tick(ctx, &ev)
	o.finish(ctx, &ev, err)
	return ev, err
}

func (o *Orchestrator) tick(ctx context.Context, ev *alert.TickEvent) error {
	if err := o.engine.Load(ctx); err != nil {
		return err
	}

	now := o.now()
	due := o.engine.DueReports(now)
	if len(due) == 0 {
		o.logger.Debug("no reports due", "tick_id", ev.TickID)
		return nil
	}

	for _, spec := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, done, err := o.process(ctx, ev.TickID, spec, now)
		if done {
			ev.Results = append(ev.Results, res)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// RunReport sends one report now, due or not, through the same pipeline and
// under the same guard as Tick. Suspended reports must be resumed first.
func (o *Orchestrator) RunReport(ctx context.Context, specID string) (alert.TickEvent, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return alert.TickEvent{}, err
	}
	defer release()

	spec, ok := o.engine.Spec(specID)
	if !ok {
		return alert.TickEvent{}, fmt.Errorf("%w: %s", schedule.ErrUnknownReport, specID)
	}
	if err := o.engine.Load(ctx); err != nil {
		return alert.TickEvent{}, err
	}
	now := o.now()
	if o.engine.State(specID, now) == schedule.StateSuspended {
		return alert.TickEvent{}, fmt.Errorf("%w: %s", ErrReportSuspended, specID)
	}

	ev := o.begin()
	res, done, err := o.process(ctx, ev.TickID, spec, now)
	if done {
		ev.Results = append(ev.Results, res)
	}
	o.finish(ctx, &ev, err)
	return ev, err
}

// acquire takes the in-process guard and, when configured, the shared lease.
func (o *Orchestrator) acquire(ctx context.Context) (func(), error) {
	if !o.running.TryLock() {
		return nil, ErrTickInProgress
	}
	if o.lease == nil {
		return o.running.Unlock, nil
	}

	ok, err := o.lease.Acquire(ctx, leaseName, o.owner, o.now(), o.leaseTTL)
	if err != nil || !ok {
		o.running.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, ErrTickInProgress
	}
	return func() {
		if err := o.lease.Release(context.WithoutCancel(ctx), leaseName, o.owner); err != nil {
			o.logger.Warn("failed to release tick lease", "err", err)
		}
		o.running.Unlock()
	}, nil
}

func (o *Orchestrator) begin() alert.TickEvent {
	return alert.TickEvent{TickID: o.newID(), StartedAt: o.now().UTC()}
}

func (o *Orchestrator) finish(ctx context.Context, ev *alert.TickEvent, err error) {
	ev.FinishedAt = o.now().UTC()
	if err != nil {
		ev.Aborted = true
		ev.Error = err.Error()
	}

	ctx = context.WithoutCancel(ctx)
	if o.history != nil && len(ev.Results) > 0 {
		if herr := o.history.Append(ctx, runLogs(*ev)); herr != nil {
			o.logger.Error("failed to write run log", "tick_id", ev.TickID, "err", herr)
		}
	}
	o.alerts.Publish(ctx, *ev)
}

// process runs one report. done reports whether an outcome was recorded (or
// at least attempted) and so belongs in the tick event.
func (o *Orchestrator) process(ctx context.Context, tickID string, spec models.ReportSpec, now time.Time) (alert.ReportResult, bool, error) {
	window := o.engine.WindowFor(spec, now)
	log := o.logger.With("tick_id", tickID, "report", spec.ID, "window", window.String())

	if err := o.engine.Begin(spec.ID); err != nil {
		return alert.ReportResult{}, false, err
	}

	outcome, ok := o.produce(ctx, log, spec, window)
	if !ok {
		// Stopped before anything reached the transport; the run simply did not happen.
		o.engine.Abandon(spec.ID)
		log.Info("report run abandoned on shutdown")
		return alert.ReportResult{}, false, ctx.Err()
	}

	// The artifact may have reached the transport, so the outcome is recorded
	// even when shutdown has begun.
	tr, err := o.engine.RecordOutcome(context.WithoutCancel(ctx), spec.ID, outcome, window)
	res := alert.ReportResult{
		SpecID:              spec.ID,
		Window:              window,
		Outcome:             outcome.Kind,
		Reason:              outcome.Reason,
		State:               string(tr.State),
		ConsecutiveFailures: tr.Watermark.ConsecutiveFailures,
	}
	if err != nil {
		log.Error("tick stopped: watermark not saved", "outcome", outcome.Kind, "err", err)
		o.alerts.Notify(ctx, models.Alert{
			Kind:                models.AlertPersistence,
			TickID:              tickID,
			SpecID:              spec.ID,
			Window:              window,
			Reason:              err.Error(),
			ConsecutiveFailures: tr.Watermark.ConsecutiveFailures,
		})
		return res, true, err
	}

	switch outcome.Kind {
	case models.OutcomeDelivered:
		log.Info("report delivered", "last_successful_run", tr.Watermark.LastSuccessfulRun)
	case models.OutcomeRetryable:
		if outcome.Interrupted {
			log.Info("report run interrupted by shutdown, will retry next tick", "reason", outcome.Reason)
			break
		}
		log.Warn("report failed, will retry next tick", "reason", outcome.Reason, "consecutive_failures", tr.Watermark.ConsecutiveFailures)
	case models.OutcomeFatal:
		log.Error("report failed", "reason", outcome.Reason, "consecutive_failures", tr.Watermark.ConsecutiveFailures)
	}

	if tr.Alert {
		kind := models.AlertFatalFailure
		if tr.Suspended {
			kind = models.AlertSuspended
			log.Error("report suspended", "consecutive_failures", tr.Watermark.ConsecutiveFailures)
		}
		o.alerts.Notify(ctx, models.Alert{
			Kind:                kind,
			TickID:              tickID,
			SpecID:              spec.ID,
			Window:              window,
			Reason:              outcome.Reason,
			ConsecutiveFailures: tr.Watermark.ConsecutiveFailures,
		})
	}
	return res, true, nil
}

// produce fetches, renders and sends. ok is false only when ctx was cancelled
// before the artifact was handed to the sender.
func (o *Orchestrator) produce(ctx context.Context, log *slog.Logger, spec models.ReportSpec, window models.Window) (models.Outcome, bool) {
	failed := func(err error) (models.Outcome, bool) {
		if ctx.Err() != nil {
			return models.Outcome{}, false
		}
		if source.IsFatal(err) {
			return models.FatalFailure(err.Error()), true
		}
		return models.RetryableFailure(err.Error()), true
	}

	rs, err := o.source.Fetch(ctx, spec, window)
	if err != nil {
		return failed(err)
	}

	companions := make([]models.Companion, 0, len(spec.Companions))
	for _, id := range spec.Companions {
		cs, ok := o.engine.Spec(id)
		if !ok {
			return models.FatalFailure(fmt.Sprintf("companion %s: %v", id, schedule.ErrUnknownReport)), true
		}
		crs, err := o.source.Fetch(ctx, cs, window)
		if err != nil {
			return failed(fmt.Errorf("companion %s: %w", id, err))
		}
		companions = append(companions, models.Companion{Spec: cs, Records: crs})
	}

	art, err := o.renderer.Render(spec, rs, companions...)
	if err != nil {
		return models.RetryableFailure(err.Error()), true
	}

	if o.archive != nil {
		if paths, err := o.archive.Store(art); err != nil {
			log.Warn("failed to archive report", "err", err)
		} else if len(paths) > 0 {
			log.Debug("report archived", "paths", paths)
		}
	}

	if ctx.Err() != nil {
		return models.Outcome{}, false
	}
	return o.sender.Send(ctx, art), true
}

func runLogs(ev alert.TickEvent) []models.RunLog {
	logs := make([]models.RunLog, 0, len(ev.Results))
	for _, r := range ev.Results {
		logs = append(logs, models.RunLog{
			TickID:      ev.TickID,
			SpecID:      r.SpecID,
			WindowStart: r.Window.Start,
			WindowEnd:   r.Window.End,
			Outcome:     r.Outcome,
			Reason:      r.Reason,
			State:       r.State,
		})
	}
	return logs
}
