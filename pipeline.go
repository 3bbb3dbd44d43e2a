package flushz

import (
	"context"

	"go.uber.org/zap"
)

// pipeline is the SpanProcessor of one invocation: spans flow into the
// tracker, completed traces through the tail sampler into the scheduler.
type pipeline struct {
	tracker   *Tracker
	scheduler *Scheduler
	tail      *TailSampler
	logger    *zap.Logger
}

func newPipeline(cfg *ResolvedConfig, scheduler *Scheduler, logger *zap.Logger) *pipeline {
	p := &pipeline{
		scheduler: scheduler,
		tail:      cfg.TailSampler(),
		logger:    logger,
	}
	p.tracker = NewTracker(p.complete)
	return p
}

// OnStart implements SpanProcessor.
func (p *pipeline) OnStart(_ context.Context, span *ActiveSpan) {
	p.tracker.OnSpanStart(span)
}

// OnEnd implements SpanProcessor.
func (p *pipeline) OnEnd(span Span) {
	p.tracker.OnSpanEnd(span)
}

// complete runs once per trace, after the tracker hand-off.
func (p *pipeline) complete(t Trace) {
	keep, err := p.tail.Sample(t)
	if err != nil {
		p.logger.Warn("tail sampler failed",
			zap.String("trace_id", t.ID.String()),
			zap.Error(err),
		)
	}
	if !keep {
		p.logger.Debug("trace dropped by tail sampler",
			zap.String("trace_id", t.ID.String()),
			zap.Int("span_count", len(t.Spans)),
		)
		return
	}
	if t.Truncated {
		p.logger.Debug("exporting truncated trace",
			zap.String("trace_id", t.ID.String()),
			zap.Int("span_count", len(t.Spans)),
		)
	}
	if err := p.scheduler.Schedule(t); err != nil {
		p.logger.Warn("trace not scheduled",
			zap.String("trace_id", t.ID.String()),
			zap.Int("span_count", len(t.Spans)),
			zap.Error(err),
		)
	}
}
