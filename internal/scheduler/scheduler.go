package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SweepFunc is invoked once per interval with the tick's bucket time.
type SweepFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval      time.Duration
	AlignToBucket bool
	StartupDelay  time.Duration
	// RunOnStart performs one sweep before waiting for the first interval.
	RunOnStart bool
}

// Scheduler drives the periodic monitor sweep.
type Scheduler struct {
	opts   Options
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run blocks, invoking sweep every interval until ctx is cancelled. A failed
// sweep is logged and the next one still runs.
func (s *Scheduler) Run(ctx context.Context, sweep SweepFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunOnStart {
		s.invoke(ctx, sweep, s.bucketStart(s.now()))
	}

	next := s.nextTick(s.now())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			next = s.nextTick(s.now())
			delay = next.Sub(s.now())
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_sweep", next).Msg("waiting for next sweep")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.invoke(ctx, sweep, s.bucketStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) invoke(ctx context.Context, sweep SweepFunc, at time.Time) {
	started := time.Now()
	if err := sweep(ctx, at); err != nil {
		s.logger.Error().Err(err).Time("at", at).Msg("monitor sweep failed")
		return
	}
	s.logger.Debug().Time("at", at).Dur("took", time.Since(started)).Msg("monitor sweep finished")
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
