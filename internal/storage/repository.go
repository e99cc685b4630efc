package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the addressed row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate indicates a unique constraint rejected the write.
	ErrDuplicate = errors.New("storage: duplicate key")
	// ErrStaleState indicates a conditional update matched zero rows.
	ErrStaleState = errors.New("storage: row not in expected state")
)

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RFQStore persists RFQs, quotes and fills.
type RFQStore interface {
	InsertRFQ(ctx context.Context, rfq RFQ) (RFQ, error)
	GetRFQ(ctx context.Context, id uuid.UUID) (RFQ, error)
	InsertQuote(ctx context.Context, quote Quote) (Quote, error)
	GetQuote(ctx context.Context, id uuid.UUID) (Quote, error)
	AcceptQuote(ctx context.Context, quoteID uuid.UUID, fill Fill, now time.Time) (Fill, error)
	GetFillByQuote(ctx context.Context, quoteID uuid.UUID) (Fill, error)
	CancelRFQ(ctx context.Context, id uuid.UUID, now time.Time) (RFQ, error)
	ExpireStale(ctx context.Context, now time.Time) (rfqs int64, quotes int64, err error)
}

// SettlementStore persists the outcome of settlement decisions.
type SettlementStore interface {
	CreateSettlementWithJob(ctx context.Context, settlement Settlement, job SettlementJob) (Settlement, SettlementJob, error)
	InsertFlaggedEvent(ctx context.Context, event SettlementFlaggedEvent) (SettlementFlaggedEvent, error)
	CountFlaggedEvents(ctx context.Context) (int64, error)
	CountFlaggedEventsSince(ctx context.Context, since time.Time) (int64, error)
	ListFlaggedEventsBetween(ctx context.Context, from, to time.Time) ([]SettlementFlaggedEvent, error)
}

// JobStore exposes the settlement job queue.
type JobStore interface {
	NextQueuedJob(ctx context.Context) (*SettlementJob, error)
	GetSettlementJob(ctx context.Context, id uuid.UUID) (SettlementJob, error)
	ClaimSettlementJob(ctx context.Context, id uuid.UUID, now time.Time) (SettlementJob, error)
	// CompleteSettlementJob marks the job succeeded, settles its settlement and
	// applies debit in one transaction. A job that already succeeded yields
	// ErrStaleState and nothing is written.
	CompleteSettlementJob(ctx context.Context, id uuid.UUID, txHash *string, debit WalletTransaction, now time.Time) error
	FailSettlementJob(ctx context.Context, id uuid.UUID, message string, now time.Time) error
	CountQueuedJobs(ctx context.Context) (int64, error)
	ListQueuedJobs(ctx context.Context, limit int) ([]SettlementJob, error)
}

// WalletStore persists wallets and their movement log.
type WalletStore interface {
	GetWallet(ctx context.Context, id uuid.UUID) (Wallet, error)
	GetWalletByAddress(ctx context.Context, address string) (Wallet, error)
	InsertWallet(ctx context.Context, wallet Wallet) (Wallet, error)
	RecordWalletMovement(ctx context.Context, movement WalletTransaction) (WalletTransaction, error)
	SumBalancesByNetwork(ctx context.Context) (map[string]decimal.Decimal, error)
	SumWalletMovements(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error)
}

// AlertRuleStore persists named alert rules.
type AlertRuleStore interface {
	GetAlertRule(ctx context.Context, id uuid.UUID) (AlertRule, error)
	GetAlertRuleByName(ctx context.Context, name string) (AlertRule, error)
	InsertAlertRule(ctx context.Context, rule AlertRule) (AlertRule, error)
	UpdateAlertRule(ctx context.Context, rule AlertRule) (AlertRule, error)
}

// AlertEventStore persists alert firings.
type AlertEventStore interface {
	// InsertAlertEventIfQuiet inserts event unless the rule already has an event
	// created after cutoff. The check and the insert are atomic per rule.
	InsertAlertEventIfQuiet(ctx context.Context, event AlertEvent, cutoff time.Time) (AlertEvent, bool, error)
	CountAlertEvents(ctx context.Context, ruleID uuid.UUID) (int64, error)
	ListAlertEventsBetween(ctx context.Context, from, to time.Time) ([]AlertEvent, error)
}

// DualControlStore persists dual-control requests.
type DualControlStore interface {
	InsertDualControlRequest(ctx context.Context, req DualControlRequest) (DualControlRequest, error)
	GetDualControlRequest(ctx context.Context, id uuid.UUID) (DualControlRequest, error)
	GetPendingDualControlForEntity(ctx context.Context, entityType string, entityID uuid.UUID) (DualControlRequest, error)
	ResolveDualControlRequest(ctx context.Context, id uuid.UUID, res DualControlResolution) (DualControlRequest, error)
	ListPendingDualControlRequests(ctx context.Context) ([]DualControlRequest, error)
}

// UserStore persists operator accounts.
type UserStore interface {
	InsertUser(ctx context.Context, user User) (User, error)
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	UpdateUserStatus(ctx context.Context, id uuid.UUID, from, to string, now time.Time) (User, error)
	ListUsersByStatus(ctx context.Context, status string) ([]User, error)
	CountUsersByIDs(ctx context.Context, ids []uuid.UUID) (int, error)
}

// AuditStore appends audit log entries.
type AuditStore interface {
	InsertAuditLog(ctx context.Context, entry AuditLogEntry) error
}

// FeatureFlagStore persists feature toggles.
type FeatureFlagStore interface {
	GetFeatureFlag(ctx context.Context, key string) (FeatureFlag, error)
	UpsertFeatureFlag(ctx context.Context, flag FeatureFlag) (FeatureFlag, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store implements every store interface on top of PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// withTx runs fn inside a transaction, committing on nil and rolling back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// notFound maps pgx.ErrNoRows onto ErrNotFound and wraps everything else.
func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

var (
	_ RFQStore         = (*Store)(nil)
	_ SettlementStore  = (*Store)(nil)
	_ JobStore         = (*Store)(nil)
	_ WalletStore      = (*Store)(nil)
	_ AlertRuleStore   = (*Store)(nil)
	_ AlertEventStore  = (*Store)(nil)
	_ DualControlStore = (*Store)(nil)
	_ UserStore        = (*Store)(nil)
	_ AuditStore       = (*Store)(nil)
	_ FeatureFlagStore = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
