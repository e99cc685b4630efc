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
	insertRFQSQL = `INSERT INTO rfqs (
        id, user_id, asset, notional, side, status, expires_at, created_at, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$8
    );`

	rfqColumns = `id, user_id, asset, notional::text, side, status, expires_at, created_at, updated_at`

	getRFQSQL = `SELECT ` + rfqColumns + ` FROM rfqs WHERE id = $1;`

	insertQuoteSQL = `INSERT INTO quotes (
        id, rfq_id, liquidity_provider_id, price, spread_bps, status, valid_until, created_at, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$8
    );`

	markRFQQuotedSQL = `UPDATE rfqs
    SET status = 'quoted', updated_at = $2
    WHERE id = $1
      AND status IN ('draft', 'quoted');`

	quoteColumns = `id, rfq_id, liquidity_provider_id, price::text, spread_bps::text, status, valid_until, created_at, updated_at`

	getQuoteSQL = `SELECT ` + quoteColumns + ` FROM quotes WHERE id = $1;`

	acceptQuoteSQL = `UPDATE quotes
    SET status = 'accepted', updated_at = $2
    WHERE id = $1
      AND status IN ('pending', 'sent')
      AND valid_until > $2
    RETURNING rfq_id;`

	acceptRFQSQL = `UPDATE rfqs
    SET status = 'accepted', updated_at = $2
    WHERE id = $1
      AND status IN ('draft', 'quoted')
      AND expires_at > $2;`

	insertFillSQL = `INSERT INTO fills (id, quote_id, fill_amount, status, created_at)
    VALUES ($1,$2,$3,$4,$5);`

	getFillByQuoteSQL = `SELECT id, quote_id, fill_amount::text, status, created_at
    FROM fills
    WHERE quote_id = $1;`

	cancelRFQSQL = `UPDATE rfqs
    SET status = 'cancelled', updated_at = $2
    WHERE id = $1
      AND status IN ('draft', 'quoted')
    RETURNING ` + rfqColumns + `;`

	expireRFQsSQL = `UPDATE rfqs
    SET status = 'expired', updated_at = $1
    WHERE expires_at <= $1
      AND status IN ('draft', 'quoted');`

	expireQuotesSQL = `UPDATE quotes
    SET status = 'expired', updated_at = $1
    WHERE valid_until <= $1
      AND status IN ('pending', 'sent');`
)

// InsertRFQ stores a new RFQ.
func (s *Store) InsertRFQ(ctx context.Context, rfq RFQ) (RFQ, error) {
	pool, err := s.getPool()
	if err != nil {
		return RFQ{}, err
	}
	if rfq.ID == uuid.Nil {
		rfq.ID = uuid.New()
	}
	if rfq.CreatedAt.IsZero() {
		rfq.CreatedAt = time.Now().UTC()
	}
	rfq.UpdatedAt = rfq.CreatedAt

	_, err = pool.Exec(ctx, insertRFQSQL,
		rfq.ID, rfq.UserID, rfq.Asset, rfq.Notional.String(), rfq.Side, rfq.Status, rfq.ExpiresAt, rfq.CreatedAt,
	)
	if err != nil {
		return RFQ{}, fmt.Errorf("insert rfq: %w", err)
	}
	return rfq, nil
}

// GetRFQ loads an RFQ by id.
func (s *Store) GetRFQ(ctx context.Context, id uuid.UUID) (RFQ, error) {
	pool, err := s.getPool()
	if err != nil {
		return RFQ{}, err
	}
	rfq, err := scanRFQ(pool.QueryRow(ctx, getRFQSQL, id))
	if err != nil {
		return RFQ{}, notFound("get rfq", err)
	}
	return rfq, nil
}

// InsertQuote stores a quote and moves its RFQ to quoted in one transaction.
// ErrStaleState is returned when the RFQ is no longer open.
func (s *Store) InsertQuote(ctx context.Context, quote Quote) (Quote, error) {
	if quote.ID == uuid.Nil {
		quote.ID = uuid.New()
	}
	if quote.CreatedAt.IsZero() {
		quote.CreatedAt = time.Now().UTC()
	}
	quote.UpdatedAt = quote.CreatedAt

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, markRFQQuotedSQL, quote.RFQID, quote.CreatedAt)
		if err != nil {
			return fmt.Errorf("mark rfq quoted: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("mark rfq quoted: %w", ErrStaleState)
		}
		_, err = tx.Exec(ctx, insertQuoteSQL,
			quote.ID, quote.RFQID, quote.LiquidityProviderID, quote.Price.String(), quote.SpreadBps.String(),
			quote.Status, quote.ValidUntil, quote.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert quote: %w", err)
		}
		return nil
	})
	if err != nil {
		return Quote{}, err
	}
	return quote, nil
}

// GetQuote loads a quote by id.
func (s *Store) GetQuote(ctx context.Context, id uuid.UUID) (Quote, error) {
	pool, err := s.getPool()
	if err != nil {
		return Quote{}, err
	}
	quote, err := scanQuote(pool.QueryRow(ctx, getQuoteSQL, id))
	if err != nil {
		return Quote{}, notFound("get quote", err)
	}
	return quote, nil
}

// AcceptQuote marks the quote and its RFQ accepted and inserts the fill in one
// transaction. Any guard failing rolls everything back with ErrStaleState.
func (s *Store) AcceptQuote(ctx context.Context, quoteID uuid.UUID, fill Fill, now time.Time) (Fill, error) {
	if fill.ID == uuid.Nil {
		fill.ID = uuid.New()
	}
	fill.QuoteID = quoteID
	fill.CreatedAt = now

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var rfqID uuid.UUID
		if err := tx.QueryRow(ctx, acceptQuoteSQL, quoteID, now).Scan(&rfqID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("accept quote: %w", ErrStaleState)
			}
			if isUniqueViolation(err) {
				return fmt.Errorf("accept quote: %w", ErrStaleState)
			}
			return fmt.Errorf("accept quote: %w", err)
		}

		tag, err := tx.Exec(ctx, acceptRFQSQL, rfqID, now)
		if err != nil {
			return fmt.Errorf("accept rfq: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("accept rfq: %w", ErrStaleState)
		}

		if _, err := tx.Exec(ctx, insertFillSQL, fill.ID, fill.QuoteID, fill.FillAmount.String(), fill.Status, fill.CreatedAt); err != nil {
			return fmt.Errorf("insert fill: %w", err)
		}
		return nil
	})
	if err != nil {
		return Fill{}, err
	}
	return fill, nil
}

// GetFillByQuote loads the fill produced by an accepted quote.
func (s *Store) GetFillByQuote(ctx context.Context, quoteID uuid.UUID) (Fill, error) {
	pool, err := s.getPool()
	if err != nil {
		return Fill{}, err
	}
	var (
		fill   Fill
		amount string
	)
	if err := pool.QueryRow(ctx, getFillByQuoteSQL, quoteID).Scan(&fill.ID, &fill.QuoteID, &amount, &fill.Status, &fill.CreatedAt); err != nil {
		return Fill{}, notFound("get fill", err)
	}
	if fill.FillAmount, err = parseDecimal("fill_amount", amount); err != nil {
		return Fill{}, err
	}
	return fill, nil
}

// CancelRFQ moves an open RFQ to cancelled.
func (s *Store) CancelRFQ(ctx context.Context, id uuid.UUID, now time.Time) (RFQ, error) {
	pool, err := s.getPool()
	if err != nil {
		return RFQ{}, err
	}
	rfq, err := scanRFQ(pool.QueryRow(ctx, cancelRFQSQL, id, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RFQ{}, fmt.Errorf("cancel rfq: %w", ErrStaleState)
		}
		return RFQ{}, fmt.Errorf("cancel rfq: %w", err)
	}
	return rfq, nil
}

// ExpireStale expires open RFQs and quotes whose deadline has passed.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) (int64, int64, error) {
	var rfqs, quotes int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, expireRFQsSQL, now)
		if err != nil {
			return fmt.Errorf("expire rfqs: %w", err)
		}
		rfqs = tag.RowsAffected()

		tag, err = tx.Exec(ctx, expireQuotesSQL, now)
		if err != nil {
			return fmt.Errorf("expire quotes: %w", err)
		}
		quotes = tag.RowsAffected()
		return nil
	})
	return rfqs, quotes, err
}

func scanRFQ(row rowScanner) (RFQ, error) {
	var (
		rfq      RFQ
		notional string
	)
	if err := row.Scan(&rfq.ID, &rfq.UserID, &rfq.Asset, &notional, &rfq.Side, &rfq.Status, &rfq.ExpiresAt, &rfq.CreatedAt, &rfq.UpdatedAt); err != nil {
		return RFQ{}, err
	}
	var err error
	if rfq.Notional, err = parseDecimal("notional", notional); err != nil {
		return RFQ{}, err
	}
	return rfq, nil
}

func scanQuote(row rowScanner) (Quote, error) {
	var (
		quote         Quote
		price, spread string
	)
	if err := row.Scan(&quote.ID, &quote.RFQID, &quote.LiquidityProviderID, &price, &spread, &quote.Status, &quote.ValidUntil, &quote.CreatedAt, &quote.UpdatedAt); err != nil {
		return Quote{}, err
	}
	var err error
	if quote.Price, err = parseDecimal("price", price); err != nil {
		return Quote{}, err
	}
	if quote.SpreadBps, err = parseDecimal("spread_bps", spread); err != nil {
		return Quote{}, err
	}
	return quote, nil
}
