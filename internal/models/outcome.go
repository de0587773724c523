package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

type OutcomeKind string

const (
	OutcomeDelivered OutcomeKind = "DELIVERED"
	OutcomeRetryable OutcomeKind = "RETRYABLE_FAILURE"
	OutcomeFatal     OutcomeKind = "FATAL_FAILURE"
)

// Outcome is the result of one pipeline run for a report. It is consumed by the
// schedule engine right away and never stored as-is.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	// Interrupted marks a retryable failure caused by shutdown rather than by
	// the report or the mail system. It does not count toward the ceiling.
	Interrupted bool
}

// Delivered is the outcome of a send the server accepted.
func Delivered() Outcome {
	return Outcome{Kind: OutcomeDelivered}
}

// RetryableFailure is a failure a later tick may fix.
func RetryableFailure(reason string) Outcome {
	return Outcome{Kind: OutcomeRetryable, Reason: reason}
}

// Interrupted is the outcome of a send cut short by cancellation.
func Interrupted(reason string) Outcome {
	return Outcome{Kind: OutcomeRetryable, Reason: reason, Interrupted: true}
}

// FatalFailure is a failure retrying will not fix.
func FatalFailure(reason string) Outcome {
	return Outcome{Kind: OutcomeFatal, Reason: reason}
}

func (o Outcome) Succeeded() bool { return o.Kind == OutcomeDelivered }

func (o Outcome) String() string {
	if o.Reason == "" {
		return string(o.Kind)
	}
	return fmt.Sprintf("%s(%s)", o.Kind, o.Reason)
}

// RunLog is the history row written for every processed report in a tick.
type RunLog struct {
	gorm.Model
	TickID      string      `json:"tick_id" gorm:"index;not null"`
	SpecID      string      `json:"spec_id" gorm:"index;not null"`
	WindowStart time.Time   `json:"window_start"`
	WindowEnd   time.Time   `json:"window_end"`
	Outcome     OutcomeKind `json:"outcome" gorm:"not null"`
	Reason      string      `json:"reason"`
	State       string      `json:"state"`
}
