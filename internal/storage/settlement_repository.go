package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	insertSettlementSQL = `INSERT INTO settlements (
        id, fill_id, status, retry_count, tx_hash, settled_at, metadata, created_at, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$8
    );`

	insertSettlementJobSQL = `INSERT INTO settlement_jobs (
        id, settlement_id, status, payload, attempts, error_message, created_at, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$7
    );`

	insertFlaggedEventSQL = `INSERT INTO settlement_flagged_events (
        id, rfq_id, quote_id, fill_id, reason, auto_settlement_enabled, metadata, created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	countFlaggedEventsSQL      = `SELECT COUNT(*) FROM settlement_flagged_events;`
	countFlaggedEventsSinceSQL = `SELECT COUNT(*) FROM settlement_flagged_events WHERE created_at >= $1;`

	listFlaggedEventsBetweenSQL = `SELECT
        id, rfq_id, quote_id, fill_id, reason, auto_settlement_enabled, metadata, created_at
    FROM settlement_flagged_events
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	jobColumns = `id, settlement_id, status, payload, attempts, error_message, created_at, updated_at`

	nextQueuedJobSQL = `SELECT ` + jobColumns + `
    FROM settlement_jobs
    WHERE status = 'queued'
    ORDER BY created_at, id
    LIMIT 1;`

	listQueuedJobsSQL = `SELECT ` + jobColumns + `
    FROM settlement_jobs
    WHERE status = 'queued'
    ORDER BY created_at, id
    LIMIT $1;`

	getSettlementJobSQL = `SELECT ` + jobColumns + ` FROM settlement_jobs WHERE id = $1;`

	claimSettlementJobSQL = `UPDATE settlement_jobs
    SET status = 'in_progress', attempts = attempts + 1, updated_at = $2
    WHERE id = $1
      AND status = 'queued'
    RETURNING ` + jobColumns + `;`

	completeSettlementJobSQL = `UPDATE settlement_jobs
    SET status = 'succeeded', error_message = NULL, updated_at = $2
    WHERE id = $1
      AND status <> 'succeeded'
    RETURNING settlement_id;`

	settleSettlementSQL = `UPDATE settlements
    SET status = 'settled', settled_at = $2, tx_hash = $3, updated_at = $2
    WHERE id = $1;`

	failSettlementJobSQL = `UPDATE settlement_jobs
    SET status = 'failed', error_message = $2, updated_at = $3
    WHERE id = $1;`

	countQueuedJobsSQL = `SELECT COUNT(*) FROM settlement_jobs WHERE status = 'queued';`
)

// CreateSettlementWithJob inserts a settlement and its queued job atomically.
func (s *Store) CreateSettlementWithJob(ctx context.Context, settlement Settlement, job SettlementJob) (Settlement, SettlementJob, error) {
	now := time.Now().UTC()
	if settlement.ID == uuid.Nil {
		settlement.ID = uuid.New()
	}
	if settlement.CreatedAt.IsZero() {
		settlement.CreatedAt = now
	}
	settlement.UpdatedAt = settlement.CreatedAt
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = settlement.CreatedAt
	}
	job.UpdatedAt = job.CreatedAt
	settlementID := settlement.ID
	job.SettlementID = &settlementID

	metadata, err := marshalJSON(settlement.Metadata)
	if err != nil {
		return Settlement{}, SettlementJob{}, fmt.Errorf("marshal settlement metadata: %w", err)
	}
	payload, err := marshalJSON(job.Payload)
	if err != nil {
		return Settlement{}, SettlementJob{}, fmt.Errorf("marshal job payload: %w", err)
	}

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insertSettlementSQL,
			settlement.ID, settlement.FillID, settlement.Status, settlement.RetryCount,
			settlement.TxHash, settlement.SettledAt, metadata, settlement.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert settlement: %w", err)
		}
		_, err = tx.Exec(ctx, insertSettlementJobSQL,
			job.ID, job.SettlementID, job.Status, payload, job.Attempts, job.ErrorMessage, job.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert settlement job: %w", err)
		}
		return nil
	})
	if err != nil {
		return Settlement{}, SettlementJob{}, err
	}
	return settlement, job, nil
}

// InsertFlaggedEvent appends a flagged settlement event.
func (s *Store) InsertFlaggedEvent(ctx context.Context, event SettlementFlaggedEvent) (SettlementFlaggedEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return SettlementFlaggedEvent{}, err
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	metadata, err := marshalJSON(event.Metadata)
	if err != nil {
		return SettlementFlaggedEvent{}, fmt.Errorf("marshal flagged metadata: %w", err)
	}
	_, err = pool.Exec(ctx, insertFlaggedEventSQL,
		event.ID, event.RFQID, event.QuoteID, event.FillID, event.Reason, event.AutoSettlementEnabled, metadata, event.CreatedAt,
	)
	if err != nil {
		return SettlementFlaggedEvent{}, fmt.Errorf("insert flagged event: %w", err)
	}
	return event, nil
}

// CountFlaggedEvents returns the total number of flagged events.
func (s *Store) CountFlaggedEvents(ctx context.Context) (int64, error) {
	return s.count(ctx, "count flagged events", countFlaggedEventsSQL)
}

// CountFlaggedEventsSince counts flagged events created at or after since.
func (s *Store) CountFlaggedEventsSince(ctx context.Context, since time.Time) (int64, error) {
	return s.count(ctx, "count recent flagged events", countFlaggedEventsSinceSQL, since)
}

// ListFlaggedEventsBetween returns flagged events in [from, to).
func (s *Store) ListFlaggedEventsBetween(ctx context.Context, from, to time.Time) ([]SettlementFlaggedEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listFlaggedEventsBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("query flagged events: %w", err)
	}
	defer rows.Close()

	var events []SettlementFlaggedEvent
	for rows.Next() {
		var (
			event SettlementFlaggedEvent
			raw   []byte
		)
		if err := rows.Scan(&event.ID, &event.RFQID, &event.QuoteID, &event.FillID, &event.Reason, &event.AutoSettlementEnabled, &raw, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan flagged event: %w", err)
		}
		if event.Metadata, err = unmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("decode flagged metadata: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flagged events: %w", err)
	}
	return events, nil
}

// NextQueuedJob returns the oldest queued job without claiming it, or nil.
func (s *Store) NextQueuedJob(ctx context.Context) (*SettlementJob, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	job, err := scanJob(pool.QueryRow(ctx, nextQueuedJobSQL))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("next queued job: %w", err)
	}
	return &job, nil
}

// GetSettlementJob loads a job by id.
func (s *Store) GetSettlementJob(ctx context.Context, id uuid.UUID) (SettlementJob, error) {
	pool, err := s.getPool()
	if err != nil {
		return SettlementJob{}, err
	}
	job, err := scanJob(pool.QueryRow(ctx, getSettlementJobSQL, id))
	if err != nil {
		return SettlementJob{}, notFound("get settlement job", err)
	}
	return job, nil
}

// ClaimSettlementJob moves a queued job to in_progress and bumps attempts.
// ErrStaleState is returned when the job is missing or no longer queued.
func (s *Store) ClaimSettlementJob(ctx context.Context, id uuid.UUID, now time.Time) (SettlementJob, error) {
	pool, err := s.getPool()
	if err != nil {
		return SettlementJob{}, err
	}
	job, err := scanJob(pool.QueryRow(ctx, claimSettlementJobSQL, id, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SettlementJob{}, fmt.Errorf("claim settlement job: %w", ErrStaleState)
		}
		return SettlementJob{}, fmt.Errorf("claim settlement job: %w", err)
	}
	return job, nil
}

// CompleteSettlementJob marks the job succeeded, its settlement settled and
// applies debit to the destination wallet in one transaction. The status
// update runs first so a job that already succeeded never moves a balance.
func (s *Store) CompleteSettlementJob(ctx context.Context, id uuid.UUID, txHash *string, debit WalletTransaction, now time.Time) error {
	debit = withMovementDefaults(debit)
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var settlementID *uuid.UUID
		if err := tx.QueryRow(ctx, completeSettlementJobSQL, id, now).Scan(&settlementID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("complete settlement job: %w", ErrStaleState)
			}
			return fmt.Errorf("complete settlement job: %w", err)
		}
		if err := applyWalletMovement(ctx, tx, debit); err != nil {
			return err
		}
		if settlementID == nil {
			return nil
		}
		if _, err := tx.Exec(ctx, settleSettlementSQL, *settlementID, now, txHash); err != nil {
			return fmt.Errorf("settle settlement: %w", err)
		}
		return nil
	})
}

// FailSettlementJob marks the job failed with message.
func (s *Store) FailSettlementJob(ctx context.Context, id uuid.UUID, message string, now time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, failSettlementJobSQL, id, message, now)
	if err != nil {
		return fmt.Errorf("fail settlement job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail settlement job: %w", ErrNotFound)
	}
	return nil
}

// CountQueuedJobs returns the queue depth.
func (s *Store) CountQueuedJobs(ctx context.Context) (int64, error) {
	return s.count(ctx, "count queued jobs", countQueuedJobsSQL)
}

// ListQueuedJobs returns up to limit queued jobs, oldest first.
func (s *Store) ListQueuedJobs(ctx context.Context, limit int) ([]SettlementJob, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listQueuedJobsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("query queued jobs: %w", err)
	}
	defer rows.Close()

	var jobs []SettlementJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queued job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) count(ctx context.Context, op, query string, args ...any) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

func scanJob(row rowScanner) (SettlementJob, error) {
	var (
		job SettlementJob
		raw []byte
	)
	if err := row.Scan(&job.ID, &job.SettlementID, &job.Status, &raw, &job.Attempts, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return SettlementJob{}, err
	}
	payload, err := unmarshalJSON(raw)
	if err != nil {
		return SettlementJob{}, fmt.Errorf("decode job payload: %w", err)
	}
	job.Payload = payload
	return job, nil
}
