package alerting

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otc-settlement/internal/metrics"
	"otc-settlement/internal/storage"
)

// Thresholds configure the derived alert producers.
type Thresholds struct {
	Queue    int
	Flagged  int
	Error    int
	Debounce time.Duration
}

// FlaggedCounter counts flagged settlement events newer than a cutoff.
type FlaggedCounter interface {
	CountFlaggedEventsSince(ctx context.Context, since time.Time) (int64, error)
}

// Producers layer threshold policies on top of the emitter: queue backlog,
// flagged-event spikes and per-module error bursts.
type Producers struct {
	emitter    *Emitter
	flagged    FlaggedCounter
	bursts     *ErrorBurstTracker
	metrics    *metrics.Metrics
	thresholds Thresholds
	now        func() time.Time
	logger     zerolog.Logger
}

// NewProducers wires the producers. The burst tracker is owned by the caller so
// its lifetime follows the service instance.
func NewProducers(emitter *Emitter, flagged FlaggedCounter, bursts *ErrorBurstTracker, m *metrics.Metrics, thresholds Thresholds, now func() time.Time, logger zerolog.Logger) *Producers {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if thresholds.Debounce <= 0 {
		thresholds.Debounce = time.Minute
	}
	if bursts == nil {
		bursts = NewErrorBurstTracker(thresholds.Debounce, thresholds.Error)
	}
	return &Producers{
		emitter:    emitter,
		flagged:    flagged,
		bursts:     bursts,
		metrics:    m,
		thresholds: thresholds,
		now:        now,
		logger:     logger.With().Str("component", "alert_producers").Logger(),
	}
}

// Bursts exposes the error-burst tracker.
func (p *Producers) Bursts() *ErrorBurstTracker {
	return p.bursts
}

// MaybeEmitQueueAlert fires the backlog rule when queued reaches the threshold.
func (p *Producers) MaybeEmitQueueAlert(ctx context.Context, queued int64) (EmitResult, error) {
	if p == nil || p.thresholds.Queue <= 0 || queued < int64(p.thresholds.Queue) {
		return Skipped, nil
	}
	return p.emitter.EmitByName(ctx, RuleSpec{
		Name:      RuleQueueBacklog,
		MetricKey: "settlement_queue_size",
		Threshold: decimal.NewFromInt(int64(p.thresholds.Queue)),
		Severity:  storage.SeverityWarning,
	}, map[string]any{
		"queueSize": queued,
		"threshold": p.thresholds.Queue,
	})
}

// MaybeEmitFlaggedAlert fires the spike rule when flagged events created in the
// last debounce window reach the threshold.
func (p *Producers) MaybeEmitFlaggedAlert(ctx context.Context) (EmitResult, error) {
	if p == nil || p.flagged == nil || p.thresholds.Flagged <= 0 {
		return Skipped, nil
	}
	since := p.now().Add(-p.thresholds.Debounce)
	count, err := p.flagged.CountFlaggedEventsSince(ctx, since)
	if err != nil {
		return Skipped, err
	}
	if count < int64(p.thresholds.Flagged) {
		return Skipped, nil
	}
	return p.emitter.EmitByName(ctx, RuleSpec{
		Name:      RuleFlaggedSpike,
		MetricKey: "settlement_flagged_total",
		Threshold: decimal.NewFromInt(int64(p.thresholds.Flagged)),
		Severity:  storage.SeverityCritical,
	}, map[string]any{
		"flaggedCount":  count,
		"threshold":     p.thresholds.Flagged,
		"windowSeconds": int(p.thresholds.Debounce / time.Second),
	})
}

// RecordModuleError marks module as failing and fires its burst rule once the
// sliding window fills up. Emit failures are logged and swallowed so error
// reporting never masks the original failure.
func (p *Producers) RecordModuleError(ctx context.Context, module string, cause error) EmitResult {
	if p == nil {
		return Skipped
	}
	p.metrics.MarkBackendError(module)

	fired, count := p.bursts.Record(module, p.now())
	if !fired {
		return Skipped
	}

	details := map[string]any{
		"module":        module,
		"errorCount":    count,
		"windowSeconds": int(p.thresholds.Debounce / time.Second),
	}
	if cause != nil {
		details["lastError"] = cause.Error()
	}
	result, err := p.emitter.EmitByName(ctx, RuleSpec{
		Name:      ErrorBurstRuleName(module),
		MetricKey: "backend_error_gauge",
		Threshold: decimal.NewFromInt(int64(p.bursts.threshold)),
		Severity:  storage.SeverityCritical,
	}, details)
	if err != nil {
		p.logger.Error().Err(err).Str("module", module).Msg("emit error burst alert")
		return Skipped
	}
	return result
}
