package models

import (
	"fmt"
	"strings"
	"time"
)

type Cadence string

const (
	CadenceDaily  Cadence = "daily"
	CadenceWeekly Cadence = "weekly"
)

var cadencePeriods = map[Cadence]time.Duration{
	CadenceDaily:  24 * time.Hour,
	CadenceWeekly: 7 * 24 * time.Hour,
}

// ParseCadence accepts the cadence names used in configuration, case-insensitively.
func ParseCadence(s string) (Cadence, error) {
	c := Cadence(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := cadencePeriods[c]; !ok {
		return "", fmt.Errorf("unknown cadence %q", s)
	}
	return c, nil
}

// Period returns the nominal recurrence period, or zero for an unknown cadence.
func (c Cadence) Period() time.Duration {
	return cadencePeriods[c]
}

// ReportSpec identifies one configured report type. It is loaded once and never
// mutated; Recipients is copied on load so callers cannot alias config slices.
type ReportSpec struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Cadence      Cadence       `json:"cadence"`
	WindowOffset time.Duration `json:"window_offset"`
	Recipients   []string      `json:"recipients"`
	TemplateID   string        `json:"template_id"`
	// Companions are ids of reports whose records for the same window ride
	// along in this report's mail.
	Companions []string `json:"companions,omitempty"`
}

// Lookback is how far back data is pulled for a run. It defaults to the cadence period.
func (s ReportSpec) Lookback() time.Duration {
	if s.WindowOffset > 0 {
		return s.WindowOffset
	}
	return s.Cadence.Period()
}

// DisplayTitle falls back to the report id when no title is configured.
func (s ReportSpec) DisplayTitle() string {
	if s.Title != "" {
		return s.Title
	}
	return s.ID
}

// Window is the half-open time range [Start, End) a report covers.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// WindowFor returns the rolling window of one lookback ending at now. Windows end
// at the tick time rather than at a calendar boundary. The schedule engine widens
// it back to the last successful run when a tick fires late.
func WindowFor(spec ReportSpec, now time.Time) Window {
	end := now.UTC()
	return Window{Start: end.Add(-spec.Lookback()), End: end}
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

const windowLayout = "2006-01-02 15:04 MST"

func (w Window) String() string {
	return fmt.Sprintf("%s - %s", w.Start.UTC().Format(windowLayout), w.End.UTC().Format(windowLayout))
}
