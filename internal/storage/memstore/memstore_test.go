package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otc-settlement/internal/storage"
)

func TestClaimSettlementJobIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, job, err := s.CreateSettlementWithJob(ctx,
		storage.Settlement{FillID: uuid.New(), Status: storage.SettlementStatusQueued},
		storage.SettlementJob{Status: storage.JobStatusQueued},
	)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimSettlementJob(ctx, job.ID, time.Now())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			assert.ErrorIs(t, err, storage.ErrStaleState)
			conflicts++
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, conflicts)
	claimed, err := s.GetSettlementJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusInProgress, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
}

func TestNextQueuedJobOrdersByCreation(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		_, job, err := s.CreateSettlementWithJob(ctx,
			storage.Settlement{FillID: uuid.New(), Status: storage.SettlementStatusQueued, CreatedAt: base},
			storage.SettlementJob{Status: storage.JobStatusQueued},
		)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	next, err := s.NextQueuedJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, ids[0], next.ID)

	n, err := s.CountQueuedJobs(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestInsertAlertEventIfQuiet(t *testing.T) {
	ctx := context.Background()
	s := New()
	ruleID := uuid.New()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	_, ok, err := s.InsertAlertEventIfQuiet(ctx, storage.AlertEvent{RuleID: ruleID, CreatedAt: t0}, t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = s.InsertAlertEventIfQuiet(ctx, storage.AlertEvent{RuleID: ruleID, CreatedAt: t0.Add(30 * time.Second)}, t0.Add(-30*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "event inside the window must be suppressed")

	_, ok, err = s.InsertAlertEventIfQuiet(ctx, storage.AlertEvent{RuleID: ruleID, CreatedAt: t0.Add(61 * time.Second)}, t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.CountAlertEvents(ctx, ruleID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestAcceptQuoteGuards(t *testing.T) {
	ctx := context.Background()
	s := New()
	rfq, err := s.InsertRFQ(ctx, storage.RFQ{Asset: "USDT", Notional: decimal.NewFromInt(10), Side: storage.SideBuy, Status: storage.RFQStatusDraft, ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	quote, err := s.InsertQuote(ctx, storage.Quote{RFQID: rfq.ID, Price: decimal.NewFromInt(1), Status: storage.QuoteStatusSent, ValidUntil: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	fill, err := s.AcceptQuote(ctx, quote.ID, storage.Fill{FillAmount: rfq.Notional, Status: storage.FillStatusPending}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, quote.ID, fill.QuoteID)

	_, err = s.AcceptQuote(ctx, quote.ID, storage.Fill{FillAmount: rfq.Notional}, time.Now())
	assert.ErrorIs(t, err, storage.ErrStaleState)

	_, err = s.InsertQuote(ctx, storage.Quote{RFQID: rfq.ID, Price: decimal.NewFromInt(1), Status: storage.QuoteStatusSent})
	assert.ErrorIs(t, err, storage.ErrStaleState, "accepted rfq must not take new quotes")
}

func TestAcceptQuoteRechecksExpiry(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	rfq, err := s.InsertRFQ(ctx, storage.RFQ{Asset: "USDT", Notional: decimal.NewFromInt(10), Side: storage.SideBuy, Status: storage.RFQStatusDraft, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	quote, err := s.InsertQuote(ctx, storage.Quote{RFQID: rfq.ID, Price: decimal.NewFromInt(1), Status: storage.QuoteStatusSent, ValidUntil: now.Add(time.Minute)})
	require.NoError(t, err)

	_, err = s.AcceptQuote(ctx, quote.ID, storage.Fill{FillAmount: rfq.Notional}, now.Add(time.Minute))
	assert.ErrorIs(t, err, storage.ErrStaleState, "quote at its deadline")

	short, err := s.InsertRFQ(ctx, storage.RFQ{Asset: "USDT", Notional: decimal.NewFromInt(10), Side: storage.SideSell, Status: storage.RFQStatusDraft, ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)
	longQuote, err := s.InsertQuote(ctx, storage.Quote{RFQID: short.ID, Price: decimal.NewFromInt(1), Status: storage.QuoteStatusSent, ValidUntil: now.Add(time.Hour)})
	require.NoError(t, err)
	_, err = s.AcceptQuote(ctx, longQuote.ID, storage.Fill{FillAmount: short.Notional}, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, storage.ErrStaleState, "rfq past expiry")

	_, err = s.GetFillByQuote(ctx, quote.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	current, err := s.GetQuote(ctx, quote.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.QuoteStatusSent, current.Status)
}

func TestRecordWalletMovementConcurrent(t *testing.T) {
	ctx := context.Background()
	s := New()
	wallet, err := s.InsertWallet(ctx, storage.Wallet{Address: "addr", Network: "tron", Label: "w"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dir := storage.DirectionCredit
			if i%4 == 0 {
				dir = storage.DirectionDebit
			}
			_, err := s.RecordWalletMovement(ctx, storage.WalletTransaction{WalletID: wallet.ID, Direction: dir, Amount: decimal.NewFromInt(5), Currency: "USDT"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.GetWallet(ctx, wallet.ID)
	require.NoError(t, err)
	sum, err := s.SumWalletMovements(ctx, wallet.ID)
	require.NoError(t, err)
	// 15 credits and 5 debits of 5.
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(50)), "balance %s", got.Balance)
	assert.True(t, sum.Equal(got.Balance))

	_, err = s.InsertWallet(ctx, storage.Wallet{Address: "addr", Network: "tron"})
	assert.ErrorIs(t, err, storage.ErrDuplicate)
}
