package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/reportmail/internal/models"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 2 * time.Second
	defaultMaxBackoff     = 30 * time.Second
)

var errNoRecipients = errors.New("report has no recipients")

// Dispatcher sends artifacts and reports a DeliveryOutcome.
//
// Delivery is at-least-once. If the server accepts a message but the
// acknowledgement is lost (connection drop after DATA, crash before the outcome
// is recorded) the report is sent again on a later attempt or tick. Recipients
// can tell duplicates apart by the window in the subject and in the
// X-Reportmail-Window header.
//
// Retries here cover short transport blips within one call. Reports that keep
// failing are retried by the schedule engine on later ticks.
type Dispatcher struct {
	transport      Transport
	cc             []string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
}

type DispatcherOption func(*Dispatcher)

// WithMaxAttempts bounds the attempts per Send, the first one included.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithBackoff sets the first wait between attempts and the cap it doubles up to.
func WithBackoff(initial, maxWait time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if initial > 0 {
			d.initialBackoff = initial
		}
		if maxWait > 0 {
			d.maxBackoff = maxWait
		}
	}
}

// WithCc copies every report to the given addresses.
func WithCc(cc []string) DispatcherOption {
	return func(d *Dispatcher) {
		d.cc = append([]string(nil), cc...)
	}
}

// WithDispatcherLogger sets the logger for attempt and delivery messages.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher returns a Dispatcher sending through t. It panics if t is nil.
func NewDispatcher(t Transport, opts ...DispatcherOption) *Dispatcher {
	if t == nil {
		panic("delivery: nil Transport")
	}
	d := &Dispatcher{
		transport:      t,
		maxAttempts:    defaultMaxAttempts,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxBackoff < d.initialBackoff {
		d.maxBackoff = d.initialBackoff
	}
	return d
}

// Send delivers art, retrying transient failures with exponential backoff.
// When ctx is cancelled mid-send the outcome is Interrupted.
func (d *Dispatcher) Send(ctx context.Context, art models.Artifact) models.Outcome {
	if len(art.Recipients) == 0 {
		return models.FatalFailure(errNoRecipients.Error())
	}

	msg := Message{
		SpecID:      art.SpecID,
		Window:      art.Window,
		To:          art.Recipients,
		Cc:          d.cc,
		Subject:     art.Subject,
		HTMLBody:    art.HTMLBody,
		TextBody:    art.TextBody,
		Attachments: art.Attachments,
	}

	attempt := 0
	op := func() error {
		attempt++
		err := Classify(d.transport.Deliver(ctx, msg))
		if err == nil {
			return nil
		}
		if IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Warn("delivery attempt failed, retrying",
			"report", art.SpecID, "attempt", attempt, "max_attempts", d.maxAttempts, "backoff", wait, "err", err)
	}

	err := backoff.RetryNotify(op, d.policy(ctx), notify)
	if err == nil {
		d.logger.Info("report delivered", "report", art.SpecID, "attempts", attempt, "recipients", len(msg.Recipients()))
		return models.Delivered()
	}

	err = Classify(err)
	switch {
	case IsFatal(err):
		return models.FatalFailure(err.Error())
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		d.logger.Info("delivery interrupted", "report", art.SpecID, "attempts", attempt, "err", err)
		return models.Interrupted(err.Error())
	}
	return models.RetryableFailure(err.Error())
}

func (d *Dispatcher) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialBackoff
	b.MaxInterval = d.maxBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.maxAttempts-1)), ctx)
}
