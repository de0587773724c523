// Package schedule decides which reports are due and owns their watermarks.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/reportmail/internal/models"
)

const DefaultCeiling = 5

var ErrUnknownReport = errors.New("unknown report")

// State is the lifecycle position of one report.
type State string

const (
	StatePending         State = "PENDING"
	StateDue             State = "DUE"
	StateInFlight        State = "IN_FLIGHT"
	StateSucceeded       State = "SUCCEEDED"
	StateFailedRetryable State = "FAILED_RETRYABLE"
	StateSuspended       State = "SUSPENDED"
)

// Store loads and saves watermarks. Save must upsert one record atomically.
type Store interface {
	Load(ctx context.Context) (map[string]models.Watermark, error)
	Save(ctx context.Context, wm models.Watermark) error
}

// PersistenceError means a watermark could not be written. The engine keeps the
// last value it knows to be stored; callers must stop the tick.
type PersistenceError struct {
	SpecID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist watermark %s: %v", e.SpecID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Transition is what RecordOutcome did to a report.
type Transition struct {
	State     State
	Watermark models.Watermark
	// Alert is set for fatal failures and for the failure that suspends a report.
	Alert bool
	// Suspended is set only on the outcome that tripped the breaker.
	Suspended bool
}

// Engine is the schedule state machine. Watermarks are only changed by
// RecordOutcome and Resume, each followed by a single-record save.
type Engine struct {
	specs    []models.ReportSpec
	byID     map[string]models.ReportSpec
	store    Store
	ceiling  int
	logger   *slog.Logger
	mu       sync.Mutex
	marks    map[string]models.Watermark
	inFlight map[string]bool
}

type Option func(*Engine)

// WithCeiling sets how many consecutive failures suspend a report.
func WithCeiling(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.ceiling = n
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New builds an engine for specs, sorted by id. Duplicate ids are rejected.
func New(specs []models.ReportSpec, store Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		byID:     make(map[string]models.ReportSpec, len(specs)),
		store:    store,
		ceiling:  DefaultCeiling,
		logger:   slog.Default(),
		marks:    make(map[string]models.Watermark),
		inFlight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, spec := range specs {
		if _, dup := e.byID[spec.ID]; dup {
			return nil, fmt.Errorf("duplicate report id %q", spec.ID)
		}
		if spec.Cadence.Period() <= 0 {
			return nil, fmt.Errorf("report %q: unknown cadence %q", spec.ID, spec.Cadence)
		}
		e.byID[spec.ID] = spec
		e.specs = append(e.specs, spec)
	}
	sort.Slice(e.specs, func(i, j int) bool { return e.specs[i].ID < e.specs[j].ID })

	return e, nil
}

// Load replaces the in-memory watermarks with the stored ones. It is called at
// startup and at the start of every tick, so a Resume from another process is
// picked up.
func (e *Engine) Load(ctx context.Context) error {
	marks, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load watermarks: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.marks = make(map[string]models.Watermark, len(e.specs))
	for _, spec := range e.specs {
		wm, ok := marks[spec.ID]
		if !ok {
			wm = models.Watermark{SpecID: spec.ID}
		}
		e.marks[spec.ID] = wm
	}
	return nil
}

// Specs returns the configured reports ordered by id.
func (e *Engine) Specs() []models.ReportSpec {
	out := make([]models.ReportSpec, len(e.specs))
	copy(out, e.specs)
	return out
}

// Spec looks up a configured report by id.
func (e *Engine) Spec(specID string) (models.ReportSpec, bool) {
	spec, ok := e.byID[specID]
	return spec, ok
}

// WindowFor returns the window a run of spec at now covers. It ends at now and
// reaches back one lookback, or further back to the last successful run when
// that is older, so records written between a delivery and a late tick are not
// skipped.
func (e *Engine) WindowFor(spec models.ReportSpec, now time.Time) models.Window {
	w := models.WindowFor(spec, now)

	e.mu.Lock()
	wm := e.marks[spec.ID]
	e.mu.Unlock()

	if !wm.NeverRun() && wm.LastSuccessfulRun.Before(w.Start) {
		w.Start = wm.LastSuccessfulRun.UTC()
	}
	return w
}

// DueReports returns the reports whose last successful run is at least one
// cadence period before now, ordered by id. Suspended reports and reports at
// the failure ceiling are left out even when overdue.
func (e *Engine) DueReports(now time.Time) []models.ReportSpec {
	e.mu.Lock()
	defer e.mu.Unlock()

	var due []models.ReportSpec
	for _, spec := range e.specs {
		if e.isDue(spec, e.marks[spec.ID], now) {
			due = append(due, spec)
		}
	}
	return due
}

func (e *Engine) isDue(spec models.ReportSpec, wm models.Watermark, now time.Time) bool {
	if e.blocked(wm) || e.inFlight[spec.ID] {
		return false
	}
	return now.Sub(wm.LastSuccessfulRun) >= spec.Cadence.Period()
}

func (e *Engine) blocked(wm models.Watermark) bool {
	return wm.Suspended || wm.ConsecutiveFailures >= e.ceiling
}

// Begin marks a report as in flight until its outcome is recorded.
func (e *Engine) Begin(specID string) error {
	if _, ok := e.byID[specID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReport, specID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight[specID] = true
	return nil
}

// RecordOutcome applies a delivery outcome for the run covering window and
// persists the watermark. On a save error the previous watermark is kept.
func (e *Engine) RecordOutcome(ctx context.Context, specID string, outcome models.Outcome, window models.Window) (Transition, error) {
	if _, ok := e.byID[specID]; !ok {
		return Transition{}, fmt.Errorf("%w: %s", ErrUnknownReport, specID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, specID)

	prev, ok := e.marks[specID]
	if !ok {
		prev = models.Watermark{SpecID: specID}
	}
	next := prev
	next.LastAttempt = window.End

	tr := Transition{}
	switch outcome.Kind {
	case models.OutcomeDelivered:
		if window.End.After(next.LastSuccessfulRun) {
			next.LastSuccessfulRun = window.End
		}
		next.ConsecutiveFailures = 0
		next.LastError = ""
		tr.State = StateSucceeded
	case models.OutcomeRetryable, models.OutcomeFatal:
		next.LastError = outcome.Reason
		tr.State = StateFailedRetryable
		if outcome.Interrupted && outcome.Kind == models.OutcomeRetryable {
			// Cut short by shutdown; the failure count is left alone.
			break
		}
		next.ConsecutiveFailures++
		tr.Alert = outcome.Kind == models.OutcomeFatal
		if !next.Suspended && next.ConsecutiveFailures >= e.ceiling {
			at := window.End
			next.Suspended = true
			next.SuspendedAt = &at
			tr.State = StateSuspended
			tr.Suspended = true
			tr.Alert = true
		}
	default:
		return Transition{}, fmt.Errorf("unknown outcome kind %q", outcome.Kind)
	}

	if err := e.store.Save(ctx, next); err != nil {
		e.logger.Error("watermark not saved; keeping last known good value",
			"report", specID, "outcome", outcome.Kind, "err", err)
		return Transition{State: StateFailedRetryable, Watermark: prev}, &PersistenceError{SpecID: specID, Err: err}
	}

	e.marks[specID] = next
	tr.Watermark = next
	return tr, nil
}

// Abandon clears the in-flight flag without touching the watermark. It is used
// when a run stops before its artifact reached the transport.
func (e *Engine) Abandon(specID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, specID)
}

// Resume clears a suspension and the failure count so the report is scheduled
// again on the next tick.
func (e *Engine) Resume(ctx context.Context, specID string) (models.Watermark, error) {
	if _, ok := e.byID[specID]; !ok {
		return models.Watermark{}, fmt.Errorf("%w: %s", ErrUnknownReport, specID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.marks[specID]
	next.SpecID = specID
	next.Suspended = false
	next.SuspendedAt = nil
	next.ConsecutiveFailures = 0
	next.LastError = ""

	if err := e.store.Save(ctx, next); err != nil {
		return models.Watermark{}, &PersistenceError{SpecID: specID, Err: err}
	}
	e.marks[specID] = next
	return next, nil
}

// Watermark returns the in-memory watermark for specID.
func (e *Engine) Watermark(specID string) models.Watermark {
	e.mu.Lock()
	defer e.mu.Unlock()
	wm, ok := e.marks[specID]
	if !ok {
		wm.SpecID = specID
	}
	return wm
}

// State reports where specID sits in the lifecycle at now. Terminal states of
// the last run (SUCCEEDED, FAILED_RETRYABLE) read back as PENDING or DUE.
func (e *Engine) State(specID string, now time.Time) State {
	spec, ok := e.byID[specID]
	if !ok {
		return ""
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	wm := e.marks[specID]
	switch {
	case e.blocked(wm):
		return StateSuspended
	case e.inFlight[specID]:
		return StateInFlight
	case e.isDue(spec, wm, now):
		return StateDue
	default:
		return StatePending
	}
}
