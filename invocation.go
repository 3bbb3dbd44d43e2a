package flushz

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Invocation is the per unit of work state: its own tracer, tracker and
// scheduler, never shared with another invocation.
// Safe for concurrent use by multiple goroutines.
type Invocation struct {
	tracer    *Tracer
	tracker   *Tracker
	scheduler *Scheduler
	clock     clockz.Clock
	logger    *zap.Logger
	tasks     *errgroup.Group
	id        ulid.ULID
}

// ID identifies the invocation in logs.
func (i *Invocation) ID() ulid.ULID {
	return i.id
}

// Tracer returns the tracer adapters start spans with.
func (i *Invocation) Tracer() *Tracer {
	return i.tracer
}

// Tracker returns the lifecycle tracker of the invocation.
func (i *Invocation) Tracker() *Tracker {
	return i.tracker
}

// Scheduler returns the export scheduler of the invocation.
func (i *Invocation) Scheduler() *Scheduler {
	return i.scheduler
}

// Go runs fn in the background with ctx, so spans it starts inherit the
// active span of ctx. Finish waits for it until the completion deadline.
// A panic in fn is recovered and returned as its error.
func (i *Invocation) Go(ctx context.Context, fn func(context.Context) error) {
	i.tasks.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("background task panicked: %v", r)
			}
		}()
		return fn(ctx)
	})
}

// Finish ends the invocation. It waits for background tasks and open
// traces, at most CompletionTimeout on the provider clock, then
// force-completes whatever is still open and flushes the scheduler.
// A zero CompletionTimeout force-completes right away. Calling Finish again
// exports only what was produced since.
func (i *Invocation) Finish(ctx context.Context) error {
	var errs error

	if timeout := i.tracer.cfg.CompletionTimeout(); timeout > 0 {
		if err := i.settle(ctx, timeout); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if n := i.tracker.ForceCompleteAll(); n > 0 {
		i.logger.Warn("force-completed open traces", zap.Int("trace_count", n))
	}

	if err := i.scheduler.ForceFlush(ctx); err != nil {
		i.logger.Warn("flush did not settle", zap.Error(err))
		errs = multierror.Append(errs, fmt.Errorf("flush: %w", err))
	}
	return errs
}

// settle waits for background tasks then for every open trace to complete.
// It returns the first background task error and any wait failure.
func (i *Invocation) settle(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		taskErr := i.tasks.Wait()
		if taskErr != nil {
			i.logger.Warn("background task failed", zap.Error(taskErr))
		}
		waitErr := i.tracker.WaitSettled(waitCtx)
		done <- multierror.Append(taskErr, waitErr).ErrorOrNil()
	}()

	select {
	case err := <-done:
		return err
	case <-i.clock.After(timeout):
		i.logger.Debug("completion deadline reached",
			zap.Int("open_traces", len(i.tracker.OpenTraces())),
		)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run wraps fn in a root span named name, records its error on the span and
// finishes the invocation. The error of fn is returned unchanged; pipeline
// failures are only logged.
func (i *Invocation) Run(ctx context.Context, name string, fn func(context.Context) error, opts ...SpanStartOption) (err error) {
	ctx, span := i.tracer.Start(ctx, name, opts...)

	defer func() {
		if r := recover(); r != nil {
			span.RecordException(fmt.Errorf("panic: %v", r))
			span.End()
			i.finishQuietly(ctx)
			panic(r)
		}
	}()

	err = fn(ctx)
	if err != nil {
		span.RecordException(err)
	}
	span.End()
	i.finishQuietly(ctx)
	return err
}

func (i *Invocation) finishQuietly(ctx context.Context) {
	if err := i.Finish(context.WithoutCancel(ctx)); err != nil {
		i.logger.Warn("invocation finish failed", zap.Error(err))
	}
}
