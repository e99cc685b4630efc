package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"otc-settlement/internal/alerting"
	"otc-settlement/internal/metrics"
	"otc-settlement/internal/storage"
)

// QueueName labels the settlement queue on the latency gauge.
const QueueName = "settlement"

// Gauges recompute the queue-depth and flagged gauges from the store and feed
// the queue-backlog producer.
type Gauges struct {
	settlements storage.SettlementStore
	jobs        storage.JobStore
	metrics     *metrics.Metrics
	producers   *alerting.Producers
	now         func() time.Time
	logger      zerolog.Logger
}

// NewGauges builds Gauges. producers may be nil.
func NewGauges(settlements storage.SettlementStore, jobs storage.JobStore, m *metrics.Metrics, producers *alerting.Producers, now func() time.Time, logger zerolog.Logger) *Gauges {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Gauges{
		settlements: settlements,
		jobs:        jobs,
		metrics:     m,
		producers:   producers,
		now:         now,
		logger:      logger.With().Str("component", "settlement_gauges").Logger(),
	}
}

// RefreshQueue sets settlement_queue_size and the queue latency, then runs the
// backlog producer. Producer failures are logged.
func (g *Gauges) RefreshQueue(ctx context.Context) (int64, error) {
	queued, err := g.jobs.CountQueuedJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	g.metrics.SetQueueSize(queued)

	var age time.Duration
	oldest, err := g.jobs.NextQueuedJob(ctx)
	if err != nil {
		return queued, fmt.Errorf("oldest queued job: %w", err)
	}
	if oldest != nil {
		age = g.now().Sub(oldest.CreatedAt)
	}
	g.metrics.SetQueueLatency(QueueName, age)

	if _, err := g.producers.MaybeEmitQueueAlert(ctx, queued); err != nil {
		g.logger.Error().Err(err).Int64("queued", queued).Msg("queue backlog alert failed")
	}
	return queued, nil
}

// RefreshFlagged sets flagged_off_total from the flagged event log.
func (g *Gauges) RefreshFlagged(ctx context.Context) (int64, error) {
	total, err := g.settlements.CountFlaggedEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("count flagged events: %w", err)
	}
	g.metrics.SetFlaggedOff(total)
	return total, nil
}

func (g *Gauges) refreshQueueQuietly(ctx context.Context) {
	if _, err := g.RefreshQueue(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("refresh queue gauge")
	}
}
