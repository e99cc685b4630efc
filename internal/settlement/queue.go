package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otc-settlement/internal/domain"
	"otc-settlement/internal/storage"
	"otc-settlement/internal/wallet"
)

// TxVerifier confirms a settlement transaction before a job is completed.
type TxVerifier interface {
	Supports(network string) bool
	VerifyTx(ctx context.Context, network, txHash string) error
}

// CompleteJobInput names the destination and amount of a finished settlement.
type CompleteJobInput struct {
	JobID         uuid.UUID
	WalletAddress string
	Network       string
	Amount        decimal.Decimal
	TxHash        *string
}

// Queue is the settlement job queue. Claiming is a compare-and-swap on the
// job status, so concurrent workers never process the same job twice.
type Queue struct {
	jobs     storage.JobStore
	ledger   *wallet.Ledger
	gauges   *Gauges
	verifier TxVerifier
	now      func() time.Time
	logger   zerolog.Logger
}

// NewQueue builds a Queue. verifier may be nil.
func NewQueue(jobs storage.JobStore, ledger *wallet.Ledger, gauges *Gauges, verifier TxVerifier, now func() time.Time, logger zerolog.Logger) *Queue {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Queue{
		jobs:     jobs,
		ledger:   ledger,
		gauges:   gauges,
		verifier: verifier,
		now:      now,
		logger:   logger.With().Str("component", "settlement_queue").Logger(),
	}
}

// NextQueuedJob returns the oldest queued job without claiming it, or nil.
func (q *Queue) NextQueuedJob(ctx context.Context) (*storage.SettlementJob, error) {
	return q.jobs.NextQueuedJob(ctx)
}

// ListQueued returns up to limit queued jobs, oldest first.
func (q *Queue) ListQueued(ctx context.Context, limit int) ([]storage.SettlementJob, error) {
	return q.jobs.ListQueuedJobs(ctx, limit)
}

// StartJob claims id. Losing the claim, or an unknown id, yields
// domain.ErrJobUnavailable; callers should pick another job.
func (q *Queue) StartJob(ctx context.Context, id uuid.UUID) (storage.SettlementJob, error) {
	job, err := q.jobs.ClaimSettlementJob(ctx, id, q.now())
	if errors.Is(err, storage.ErrStaleState) {
		return storage.SettlementJob{}, domain.ErrJobUnavailable
	}
	if err != nil {
		return storage.SettlementJob{}, fmt.Errorf("claim settlement job: %w", err)
	}
	q.gauges.refreshQueueQuietly(ctx)
	q.logger.Info().Str("job_id", id.String()).Int("attempts", job.Attempts).Msg("settlement job started")
	return job, nil
}

// CompleteJob debits the destination wallet and marks the job succeeded and its
// settlement settled, all in one store transaction. Of two concurrent
// completions only one debits.
func (q *Queue) CompleteJob(ctx context.Context, in CompleteJobInput) error {
	if !in.Amount.IsPositive() {
		return domain.Validation("settlement amount must be positive")
	}
	job, err := q.jobs.GetSettlementJob(ctx, in.JobID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.NotFound("settlement job %s not found", in.JobID)
	}
	if err != nil {
		return fmt.Errorf("load settlement job: %w", err)
	}
	if job.Status == storage.JobStatusSucceeded {
		return domain.Conflict("settlement job %s already succeeded", in.JobID)
	}

	var txHash *string
	if in.TxHash != nil && strings.TrimSpace(*in.TxHash) != "" {
		h := strings.TrimSpace(*in.TxHash)
		txHash = &h
	}
	if txHash != nil && q.verifier != nil && q.verifier.Supports(in.Network) {
		if err := q.verifier.VerifyTx(ctx, in.Network, *txHash); err != nil {
			return err
		}
	}

	w, err := q.ledger.EnsureWallet(ctx, in.WalletAddress, fmt.Sprintf("%s settlement", in.Network), in.Network)
	if err != nil {
		return err
	}
	_, err = q.ledger.CommitMovement(ctx, wallet.Movement{
		WalletID:     w.ID,
		Direction:    storage.DirectionDebit,
		Amount:       in.Amount,
		SettlementID: job.SettlementID,
		TxHash:       txHash,
		Metadata:     map[string]any{"jobId": in.JobID.String()},
	}, func(ctx context.Context, debit storage.WalletTransaction) error {
		return q.jobs.CompleteSettlementJob(ctx, in.JobID, txHash, debit, q.now())
	})
	if errors.Is(err, storage.ErrStaleState) {
		return domain.Conflict("settlement job %s already succeeded", in.JobID)
	}
	if err != nil {
		return fmt.Errorf("complete settlement job: %w", err)
	}

	q.gauges.refreshQueueQuietly(ctx)
	q.logger.Info().Str("job_id", in.JobID.String()).Str("wallet", w.Address).Str("amount", in.Amount.String()).Msg("settlement job succeeded")
	return nil
}

// FailJob records message on the job. Retrying is the worker's decision.
func (q *Queue) FailJob(ctx context.Context, id uuid.UUID, message string) error {
	err := q.jobs.FailSettlementJob(ctx, id, message, q.now())
	if errors.Is(err, storage.ErrNotFound) {
		return domain.NotFound("settlement job %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("fail settlement job: %w", err)
	}
	q.gauges.refreshQueueQuietly(ctx)
	q.logger.Warn().Str("job_id", id.String()).Str("error", message).Msg("settlement job failed")
	return nil
}
