package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"otc-settlement/internal/alerting"
	"otc-settlement/internal/featureflag"
	"otc-settlement/internal/metrics"
	"otc-settlement/internal/scheduler"
	"otc-settlement/internal/storage"
)

// ErrorModule is the error-burst module monitor failures are reported under.
const ErrorModule = "monitor"

// Expirer closes RFQs and quotes past their deadline.
type Expirer interface {
	ExpireStale(ctx context.Context, now time.Time) (rfqs, quotes int64, err error)
}

// QueueGauges refreshes settlement gauges. Refreshing the queue also evaluates
// the backlog alert.
type QueueGauges interface {
	RefreshQueue(ctx context.Context) (int64, error)
	RefreshFlagged(ctx context.Context) (int64, error)
}

// BalanceRefresher republishes wallet balance gauges.
type BalanceRefresher interface {
	RefreshMetrics(ctx context.Context) error
}

// FlagSource answers feature toggles.
type FlagSource interface {
	Enabled(ctx context.Context, key string) (bool, error)
}

// Deps collects the monitor's collaborators. Any of them may be nil.
type Deps struct {
	Scheduler *scheduler.Scheduler
	RFQs      Expirer
	Gauges    QueueGauges
	Wallets   BalanceRefresher
	Flags     FlagSource
	Producers *alerting.Producers
	Metrics   *metrics.Metrics
	Locker    storage.AdvisoryLocker
	LockKey   int64
}

// SweepReport summarises one monitor pass.
type SweepReport struct {
	At             time.Time
	ExpiredRFQs    int64
	ExpiredQuotes  int64
	QueueSize      int64
	FlaggedTotal   int64
	FlaggedAlert   alerting.EmitResult
	AutoSettlement bool
}

// Service runs the periodic settlement monitor.
type Service struct {
	deps   Deps
	logger zerolog.Logger
}

// New constructs the monitoring service.
func New(deps Deps, logger zerolog.Logger) *Service {
	return &Service{deps: deps, logger: logger.With().Str("component", "service").Logger()}
}

// Run begins the monitor loop.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, func(ctx context.Context, at time.Time) error {
		_, err := s.Sweep(ctx, at)
		return err
	})
}

// Sweep 执行一次巡检：过期清理、刷新指标并评估派生告警。
func (s *Service) Sweep(ctx context.Context, at time.Time) (SweepReport, error) {
	report := SweepReport{At: at}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return report, err
	}
	if !proceed {
		s.logger.Debug().Time("at", at).Msg("skip sweep because advisory lock held elsewhere")
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	var errs []error
	fail := func(step string, err error) {
		err = fmt.Errorf("%s: %w", step, err)
		errs = append(errs, err)
		s.deps.Producers.RecordModuleError(ctx, ErrorModule, err)
	}

	if s.deps.RFQs != nil {
		rfqs, quotes, err := s.deps.RFQs.ExpireStale(ctx, at)
		if err != nil {
			fail("expire stale", err)
		}
		report.ExpiredRFQs, report.ExpiredQuotes = rfqs, quotes
	}

	if s.deps.Gauges != nil {
		if n, err := s.deps.Gauges.RefreshQueue(ctx); err != nil {
			fail("refresh queue gauge", err)
		} else {
			report.QueueSize = n
		}
		if n, err := s.deps.Gauges.RefreshFlagged(ctx); err != nil {
			fail("refresh flagged gauge", err)
		} else {
			report.FlaggedTotal = n
		}
	}

	if s.deps.Producers != nil {
		res, err := s.deps.Producers.MaybeEmitFlaggedAlert(ctx)
		if err != nil {
			fail("evaluate flagged alert", err)
		}
		report.FlaggedAlert = res
	}

	if s.deps.Wallets != nil {
		if err := s.deps.Wallets.RefreshMetrics(ctx); err != nil {
			fail("refresh wallet balances", err)
		}
	}

	if s.deps.Flags != nil {
		enabled, err := s.deps.Flags.Enabled(ctx, featureflag.AutoSettlement)
		if err != nil {
			fail("read auto-settlement flag", err)
		} else {
			report.AutoSettlement = enabled
			s.deps.Metrics.SetAutoSettlement(enabled)
		}
	}

	s.logger.Info().Time("at", at).
		Int64("queue_size", report.QueueSize).
		Int64("flagged_total", report.FlaggedTotal).
		Int64("expired_rfqs", report.ExpiredRFQs).
		Int64("expired_quotes", report.ExpiredQuotes).
		Bool("auto_settlement", report.AutoSettlement).
		Msg("monitor sweep recorded")

	return report, errors.Join(errs...)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.deps.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.deps.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
