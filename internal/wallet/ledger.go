// Package wallet maintains settlement wallets and their append-only movement log.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otc-settlement/internal/domain"
	"otc-settlement/internal/metrics"
	"otc-settlement/internal/storage"
)

// DefaultCurrency is recorded on movements that do not name one.
const DefaultCurrency = "USDT"

// Movement describes one balance change.
type Movement struct {
	WalletID     uuid.UUID
	Direction    string
	Amount       decimal.Decimal
	Currency     string
	SettlementID *uuid.UUID
	TxHash       *string
	Metadata     map[string]any
}

// Reconciliation compares a stored balance against its movement log.
type Reconciliation struct {
	Wallet      storage.Wallet
	MovementSum decimal.Decimal
	Discrepancy decimal.Decimal
	Consistent  bool
	CheckedAt   time.Time
}

// Options configure a Ledger.
type Options struct {
	// EVMNetworks lists networks whose addresses must be 0x hex and are
	// stored in checksum form.
	EVMNetworks []string
	Currency    string
	Now         func() time.Time
}

// Ledger is the only writer of wallet balances.
type Ledger struct {
	store    storage.WalletStore
	metrics  *metrics.Metrics
	evm      map[string]struct{}
	currency string
	now      func() time.Time
	logger   zerolog.Logger
}

// NewLedger builds a Ledger.
func NewLedger(store storage.WalletStore, m *metrics.Metrics, opts Options, logger zerolog.Logger) *Ledger {
	evm := make(map[string]struct{}, len(opts.EVMNetworks))
	for _, n := range opts.EVMNetworks {
		evm[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	currency := opts.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{
		store:    store,
		metrics:  m,
		evm:      evm,
		currency: currency,
		now:      now,
		logger:   logger.With().Str("component", "wallet_ledger").Logger(),
	}
}

// NormalizeAddress validates address for network. EVM addresses come back in
// EIP-55 checksum form so the unique index sees one spelling per account.
func (l *Ledger) NormalizeAddress(address, network string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", domain.Validation("wallet address is required")
	}
	if _, ok := l.evm[strings.ToLower(network)]; !ok {
		return address, nil
	}
	if !common.IsHexAddress(address) {
		return "", domain.Validation("invalid %s address %q", network, address)
	}
	return common.HexToAddress(address).Hex(), nil
}

// EnsureWallet returns the wallet at address, creating it when absent.
func (l *Ledger) EnsureWallet(ctx context.Context, address, label, network string) (storage.Wallet, error) {
	network = strings.ToLower(strings.TrimSpace(network))
	if network == "" {
		return storage.Wallet{}, domain.Validation("wallet network is required")
	}
	normalized, err := l.NormalizeAddress(address, network)
	if err != nil {
		return storage.Wallet{}, err
	}

	existing, err := l.store.GetWalletByAddress(ctx, normalized)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Wallet{}, fmt.Errorf("lookup wallet: %w", err)
	}

	now := l.now()
	created, err := l.store.InsertWallet(ctx, storage.Wallet{
		ID:        uuid.New(),
		Label:     label,
		Address:   normalized,
		Network:   network,
		Balance:   decimal.Zero,
		Status:    storage.WalletStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return l.store.GetWalletByAddress(ctx, normalized)
	}
	if err != nil {
		return storage.Wallet{}, fmt.Errorf("insert wallet: %w", err)
	}

	l.logger.Info().Str("address", normalized).Str("network", network).Msg("wallet created")
	l.refreshBalances(ctx)
	return created, nil
}

// RecordMovement appends a movement and applies its signed amount to the
// wallet balance in the same transaction.
func (l *Ledger) RecordMovement(ctx context.Context, mv Movement) (storage.WalletTransaction, error) {
	return l.CommitMovement(ctx, mv, func(ctx context.Context, tx storage.WalletTransaction) error {
		_, err := l.store.RecordWalletMovement(ctx, tx)
		return err
	})
}

// CommitMovement validates mv and hands the resulting row to commit, which
// must apply it atomically with whatever else it writes. Errors from commit
// are wrapped, so storage sentinels stay matchable.
func (l *Ledger) CommitMovement(ctx context.Context, mv Movement, commit func(context.Context, storage.WalletTransaction) error) (storage.WalletTransaction, error) {
	if mv.Direction != storage.DirectionCredit && mv.Direction != storage.DirectionDebit {
		return storage.WalletTransaction{}, domain.Validation("direction must be credit or debit, got %q", mv.Direction)
	}
	if !mv.Amount.IsPositive() {
		return storage.WalletTransaction{}, domain.Validation("movement amount must be positive")
	}
	currency := mv.Currency
	if currency == "" {
		currency = l.currency
	}

	row := storage.WalletTransaction{
		ID:           uuid.New(),
		WalletID:     mv.WalletID,
		SettlementID: mv.SettlementID,
		Direction:    mv.Direction,
		Amount:       mv.Amount,
		Currency:     currency,
		TxHash:       mv.TxHash,
		Metadata:     mv.Metadata,
		CreatedAt:    l.now(),
	}
	err := commit(ctx, row)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.WalletTransaction{}, domain.NotFound("wallet %s not found", mv.WalletID)
	}
	if err != nil {
		return storage.WalletTransaction{}, fmt.Errorf("record wallet movement: %w", err)
	}

	l.refreshBalances(ctx)
	return row, nil
}

// Reconcile reports whether walletID's balance equals its signed movement sum.
func (l *Ledger) Reconcile(ctx context.Context, walletID uuid.UUID) (Reconciliation, error) {
	wallet, err := l.store.GetWallet(ctx, walletID)
	if errors.Is(err, storage.ErrNotFound) {
		return Reconciliation{}, domain.NotFound("wallet %s not found", walletID)
	}
	if err != nil {
		return Reconciliation{}, err
	}
	sum, err := l.store.SumWalletMovements(ctx, walletID)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("sum wallet movements: %w", err)
	}
	diff := wallet.Balance.Sub(sum)
	return Reconciliation{
		Wallet:      wallet,
		MovementSum: sum,
		Discrepancy: diff,
		Consistent:  diff.IsZero(),
		CheckedAt:   l.now(),
	}, nil
}

// RefreshMetrics recomputes the per-network balance gauge.
func (l *Ledger) RefreshMetrics(ctx context.Context) error {
	totals, err := l.store.SumBalancesByNetwork(ctx)
	if err != nil {
		return err
	}
	l.metrics.SetWalletBalances(totals)
	return nil
}

func (l *Ledger) refreshBalances(ctx context.Context) {
	if err := l.RefreshMetrics(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("refresh wallet balance gauge")
	}
}
