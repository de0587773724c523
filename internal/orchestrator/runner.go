package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RunnerMetrics counts ticks run by a Runner.
type RunnerMetrics struct {
	mu                  sync.Mutex
	totalTicks          uint64
	failedTicks         uint64
	skippedTicks        uint64
	totalProcessingTime time.Duration
}

type MetricsSnapshot struct {
	TotalTicks          uint64
	FailedTicks         uint64
	SkippedTicks        uint64
	TotalProcessingTime time.Duration
}

// Snapshot copies the counters.
func (m *RunnerMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		TotalTicks:          m.totalTicks,
		FailedTicks:         m.failedTicks,
		SkippedTicks:        m.skippedTicks,
		TotalProcessingTime: m.totalProcessingTime,
	}
}

// Runner wakes the orchestrator on a fixed interval. A tick that runs long
// delays the next one; it never overlaps it.
type Runner struct {
	orch     *Orchestrator
	interval time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
	metrics  *RunnerMetrics

	// mu guards the lifecycle fields below.
	mu      sync.Mutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner returns a Runner ticking orch every interval. It does nothing until Start.
func NewRunner(orch *Orchestrator, interval time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		orch:     orch,
		interval: interval,
		logger:   logger,
		metrics:  &RunnerMetrics{},
	}
}

// Start runs one tick right away and then one every interval until Stop.
func (r *Runner) Start(ctx context.Context) error {
	if r.interval <= 0 {
		return fmt.Errorf("invalid tick interval %s", r.interval)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return errors.New("runner stopped")
	}
	if r.cron != nil {
		return errors.New("runner already started")
	}

	cl := cronLogger{r.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc("@every "+r.interval.String(), r.runTick); err != nil {
		return fmt.Errorf("schedule ticks: %w", err)
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.cron = c

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runTick()
	}()
	r.cron.Start()

	r.logger.Info("scheduler started", "interval", r.interval)
	return nil
}

// Stop halts the timer and waits for the running tick, if any, until ctx is
// done. The running tick sees a cancelled context and stops before its next
// report; a delivery already under way is finished and recorded.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	c, cancel := r.cron, r.cancel
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	cronDone := c.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s := r.metrics.Snapshot()
		r.logger.Info("scheduler stopped", "ticks", s.TotalTicks, "failed", s.FailedTicks, "skipped", s.SkippedTicks)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running tick: %w", ctx.Err())
	}
}

// Metrics returns a snapshot of the tick counters.
func (r *Runner) Metrics() MetricsSnapshot {
	return r.metrics.Snapshot()
}

func (r *Runner) runTick() {
	if r.ctx.Err() != nil {
		return
	}
	start := time.Now()
	_, err := r.orch.Tick(r.ctx)

	r.metrics.mu.Lock()
	defer r.metrics.mu.Unlock()
	switch {
	case errors.Is(err, ErrTickInProgress):
		r.metrics.skippedTicks++
		r.logger.Debug("tick skipped, previous tick still running")
		return
	case err != nil:
		r.metrics.failedTicks++
	}
	r.metrics.totalTicks++
	r.metrics.totalProcessingTime += time.Since(start)
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
