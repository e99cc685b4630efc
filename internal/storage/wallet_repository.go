package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	walletColumns = `id, label, address, network, balance::text, status, created_at, updated_at`

	getWalletSQL          = `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1;`
	getWalletByAddressSQL = `SELECT ` + walletColumns + ` FROM wallets WHERE address = $1;`

	insertWalletSQL = `INSERT INTO wallets (
        id, label, address, network, balance, status, created_at, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$7
    );`

	insertWalletTransactionSQL = `INSERT INTO wallet_transactions (
        id, wallet_id, settlement_id, direction, amount, currency, tx_hash, metadata, created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	applyWalletDeltaSQL = `UPDATE wallets
    SET balance = balance + $2::numeric, updated_at = $3
    WHERE id = $1;`

	sumBalancesByNetworkSQL = `SELECT network, COALESCE(SUM(balance), 0)::text
    FROM wallets
    GROUP BY network
    ORDER BY network;`

	sumWalletMovementsSQL = `SELECT COALESCE(SUM(
        CASE WHEN direction = 'debit' THEN -amount ELSE amount END
    ), 0)::text
    FROM wallet_transactions
    WHERE wallet_id = $1;`
)

// GetWallet loads a wallet by id.
func (s *Store) GetWallet(ctx context.Context, id uuid.UUID) (Wallet, error) {
	pool, err := s.getPool()
	if err != nil {
		return Wallet{}, err
	}
	wallet, err := scanWallet(pool.QueryRow(ctx, getWalletSQL, id))
	if err != nil {
		return Wallet{}, notFound("get wallet", err)
	}
	return wallet, nil
}

// GetWalletByAddress loads a wallet by its unique address.
func (s *Store) GetWalletByAddress(ctx context.Context, address string) (Wallet, error) {
	pool, err := s.getPool()
	if err != nil {
		return Wallet{}, err
	}
	wallet, err := scanWallet(pool.QueryRow(ctx, getWalletByAddressSQL, address))
	if err != nil {
		return Wallet{}, notFound("get wallet by address", err)
	}
	return wallet, nil
}

// InsertWallet stores a wallet. ErrDuplicate is returned when the address exists.
func (s *Store) InsertWallet(ctx context.Context, wallet Wallet) (Wallet, error) {
	pool, err := s.getPool()
	if err != nil {
		return Wallet{}, err
	}
	if wallet.ID == uuid.Nil {
		wallet.ID = uuid.New()
	}
	if wallet.CreatedAt.IsZero() {
		wallet.CreatedAt = time.Now().UTC()
	}
	wallet.UpdatedAt = wallet.CreatedAt
	if wallet.Status == "" {
		wallet.Status = WalletStatusActive
	}

	_, err = pool.Exec(ctx, insertWalletSQL,
		wallet.ID, wallet.Label, wallet.Address, wallet.Network, wallet.Balance.String(), wallet.Status, wallet.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Wallet{}, fmt.Errorf("insert wallet: %w", ErrDuplicate)
		}
		return Wallet{}, fmt.Errorf("insert wallet: %w", err)
	}
	return wallet, nil
}

// RecordWalletMovement appends a movement and applies its signed amount to the
// wallet balance in one transaction. The balance update is relative so
// concurrent movements on the same wallet never lose an update.
func (s *Store) RecordWalletMovement(ctx context.Context, movement WalletTransaction) (WalletTransaction, error) {
	movement = withMovementDefaults(movement)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		return applyWalletMovement(ctx, tx, movement)
	})
	if err != nil {
		return WalletTransaction{}, err
	}
	return movement, nil
}

func withMovementDefaults(movement WalletTransaction) WalletTransaction {
	if movement.ID == uuid.Nil {
		movement.ID = uuid.New()
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	return movement
}

// applyWalletMovement moves the balance and appends the movement row inside tx.
func applyWalletMovement(ctx context.Context, tx pgx.Tx, movement WalletTransaction) error {
	metadata, err := marshalJSON(movement.Metadata)
	if err != nil {
		return fmt.Errorf("marshal movement metadata: %w", err)
	}
	tag, err := tx.Exec(ctx, applyWalletDeltaSQL, movement.WalletID, movement.SignedAmount().String(), movement.CreatedAt)
	if err != nil {
		return fmt.Errorf("apply wallet delta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("apply wallet delta: %w", ErrNotFound)
	}
	_, err = tx.Exec(ctx, insertWalletTransactionSQL,
		movement.ID, movement.WalletID, movement.SettlementID, movement.Direction, movement.Amount.String(),
		movement.Currency, movement.TxHash, metadata, movement.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}
	return nil
}

// SumBalancesByNetwork returns the total wallet balance per network.
func (s *Store) SumBalancesByNetwork(ctx context.Context) (map[string]decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, sumBalancesByNetworkSQL)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]decimal.Decimal)
	for rows.Next() {
		var network, total string
		if err := rows.Scan(&network, &total); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		d, err := parseDecimal("balance", total)
		if err != nil {
			return nil, err
		}
		totals[network] = d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balances: %w", err)
	}
	return totals, nil
}

// SumWalletMovements returns the signed sum of a wallet's movement log.
func (s *Store) SumWalletMovements(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Zero, err
	}
	var total string
	if err := pool.QueryRow(ctx, sumWalletMovementsSQL, walletID).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("sum wallet movements: %w", err)
	}
	return parseDecimal("movement sum", total)
}

func scanWallet(row rowScanner) (Wallet, error) {
	var (
		wallet  Wallet
		balance string
	)
	if err := row.Scan(&wallet.ID, &wallet.Label, &wallet.Address, &wallet.Network, &balance, &wallet.Status, &wallet.CreatedAt, &wallet.UpdatedAt); err != nil {
		return Wallet{}, err
	}
	var err error
	if wallet.Balance, err = parseDecimal("balance", balance); err != nil {
		return Wallet{}, err
	}
	return wallet, nil
}
