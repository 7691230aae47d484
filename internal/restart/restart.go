// Package restart implements the restart-on-exception supervision
// discipline every long-running task in this gateway is wrapped in:
// the ingest supervisor, each per-feed ingest task, and the metrics
// poller. Run is the Go translation of core/app.py's
// repeat_even_on_exception: a task that returns (with or without error)
// is assumed to have failed, logged, and restarted after a fixed
// interval. RunOnFailure, used for each per-feed ingest task, waits that
// interval only after an error and restarts at once after a nil return.
// For both, only context cancellation is treated as a deliberate stop.
package restart

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Interval is EXCEPTION_INTERVAL from the original scheduler: how long to
// wait before restarting a task that returned (for RunOnFailure, only one
// that returned an error).
const Interval = 60 * time.Second

// Run calls fn repeatedly until ctx is cancelled. A normal return (nil
// error) is logged as anomalous, since fn is expected to run forever; any
// other error is logged as a failure. Either way, Run waits Interval
// (or until ctx is cancelled, whichever comes first) before calling fn
// again.
func Run(ctx context.Context, logger *zap.Logger, name string, fn func(context.Context) error) {
	for {
		err := fn(ctx)
		if ctx.Err() != nil {
			return
		}

		switch {
		case err != nil:
			logger.Warn("task raised an error, restarting", zap.String("task", name), zap.Error(err))
		default:
			logger.Warn("task finished without error; this is not expected, it should run forever",
				zap.String("task", name))
		}

		logger.Warn("waiting before restarting task",
			zap.String("task", name), zap.Duration("interval", Interval))

		select {
		case <-ctx.Done():
			return
		case <-time.After(Interval):
		}
	}
}

// RunOnFailure calls fn repeatedly until ctx is cancelled, but unlike Run
// only waits Interval before the next call when fn actually returned an
// error. A nil return is treated as the expected completion of one
// self-contained unit of work (e.g. one full ingest rebuild, which has
// already paced itself while it ran) and is immediately followed by the
// next call. This matches the original's distinction between its
// general-purpose repeat-forever decorator (Run) and the per-feed ingest
// task, whose exception interval (app_outgoing.py's
// _async_repeat_until_cancelled_exception_interval) only ever gates the
// failure path.
func RunOnFailure(ctx context.Context, logger *zap.Logger, name string, fn func(context.Context) error) {
	for {
		err := fn(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			continue
		}

		logger.Warn("task raised an error, restarting after interval",
			zap.String("task", name), zap.Error(err), zap.Duration("interval", Interval))

		select {
		case <-ctx.Done():
			return
		case <-time.After(Interval):
		}
	}
}
