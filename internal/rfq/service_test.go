package rfq

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otc-settlement/internal/alerting"
	"otc-settlement/internal/audit"
	"otc-settlement/internal/domain"
	"otc-settlement/internal/featureflag"
	"otc-settlement/internal/metrics"
	"otc-settlement/internal/settlement"
	"otc-settlement/internal/storage"
	"otc-settlement/internal/storage/memstore"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type rig struct {
	clock     *clock
	store     *memstore.Store
	metrics   *metrics.Metrics
	producers *alerting.Producers
	svc       *Service
	trader    uuid.UUID
}

func newRig(t *testing.T, autoSettlement bool, errorThreshold int) *rig {
	t.Helper()
	c := &clock{now: time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)}
	logger := zerolog.Nop()
	store := memstore.New(memstore.WithClock(c.Now))
	m := metrics.New(prometheus.NewRegistry())

	flags := featureflag.New(store, featureflag.Options{
		Defaults: map[string]bool{featureflag.AutoSettlement: autoSettlement},
		Env:      func(string) (string, bool) { return "", false },
		Now:      c.Now,
	}, logger)
	registry := alerting.NewRegistry(store, nil, alerting.RuleDefaults{OwnerEmail: "desk@example.com"}, logger)
	emitter := alerting.NewEmitter(registry, store, m, c.Now, logger)
	producers := alerting.NewProducers(emitter, store, nil, m, alerting.Thresholds{
		Queue: 100, Flagged: 10, Error: errorThreshold, Debounce: time.Minute,
	}, c.Now, logger)
	gauges := settlement.NewGauges(store, store, m, producers, c.Now, logger)
	engine := settlement.NewEngine(settlement.EngineDeps{
		Flags: flags, Store: store, Gauges: gauges, Emitter: emitter, Producers: producers, Metrics: m, Now: c.Now,
	}, logger)
	dispatcher := settlement.NewDispatcher(engine, producers, settlement.DispatcherOptions{ForceSync: true}, logger)
	t.Cleanup(func() { _ = dispatcher.Close() })

	svc := NewService(store, dispatcher, producers, m, audit.NewRecorder(store, c.Now, logger), Options{Now: c.Now}, logger)
	return &rig{clock: c, store: store, metrics: m, producers: producers, svc: svc, trader: uuid.New()}
}

func (r *rig) openQuote(t *testing.T, notional int64, side string) (storage.RFQ, storage.Quote) {
	t.Helper()
	ctx := context.Background()
	rfq, err := r.svc.CreateRFQ(ctx, CreateRFQInput{
		UserID:    r.trader,
		Asset:     "usdt",
		Notional:  decimal.NewFromInt(notional),
		Side:      side,
		ExpiresAt: r.clock.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)
	quote, err := r.svc.CreateQuote(ctx, CreateQuoteInput{
		RFQID:      rfq.ID,
		Price:      decimal.RequireFromString("1.0002"),
		SpreadBps:  decimal.NewFromInt(5),
		ValidUntil: r.clock.Now().Add(2 * time.Minute),
	})
	require.NoError(t, err)
	return rfq, quote
}

func TestLifecycleQueuesSettlementJob(t *testing.T) {
	r := newRig(t, true, 5)
	ctx := context.Background()

	rfq, quote := r.openQuote(t, 100000, storage.SideBuy)
	assert.Equal(t, storage.RFQStatusDraft, rfq.Status)
	assert.Equal(t, "USDT", rfq.Asset)
	assert.Equal(t, storage.QuoteStatusSent, quote.Status)

	quoted, err := r.store.GetRFQ(ctx, rfq.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RFQStatusQuoted, quoted.Status)

	res, err := r.svc.AcceptQuote(ctx, quote.ID, r.trader)
	require.NoError(t, err)
	assert.Equal(t, settlement.Queued, res.Decision)
	assert.True(t, res.Fill.FillAmount.Equal(decimal.NewFromInt(100000)))

	jobs := r.store.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, storage.JobStatusQueued, jobs[0].Status)
	assert.Equal(t, res.Fill.ID.String(), jobs[0].Payload["fillId"])

	accepted, err := r.store.GetRFQ(ctx, rfq.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RFQStatusAccepted, accepted.Status)

	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.RFQVolume.WithLabelValues("USDT", storage.SideBuy)))

	var actions []string
	for _, entry := range r.store.AuditLog() {
		actions = append(actions, entry.Action)
	}
	assert.Contains(t, actions, "rfq_created")
	assert.Contains(t, actions, "quote_accepted")
}

func TestAcceptWithAutoSettlementOffFlagsFill(t *testing.T) {
	r := newRig(t, false, 5)
	_, quote := r.openQuote(t, 500, storage.SideSell)

	res, err := r.svc.AcceptQuote(context.Background(), quote.ID, r.trader)
	require.NoError(t, err)
	assert.Equal(t, settlement.Flagged, res.Decision)
	assert.Empty(t, r.store.Jobs())
	require.Len(t, r.store.FlaggedEvents(), 1)
	assert.Equal(t, settlement.ReasonAutoSettlementDisabled, r.store.FlaggedEvents()[0].Reason)
}

func TestAcceptTwiceConflictsAndIsReported(t *testing.T) {
	r := newRig(t, true, 5)
	ctx := context.Background()
	_, quote := r.openQuote(t, 1000, storage.SideBuy)

	_, err := r.svc.AcceptQuote(ctx, quote.ID, r.trader)
	require.NoError(t, err)

	_, err = r.svc.AcceptQuote(ctx, quote.ID, r.trader)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 1, r.producers.Bursts().Len(ErrorModule))
	assert.Len(t, r.store.Jobs(), 1)
}

func TestRepeatedAcceptFailuresFireBurstOnce(t *testing.T) {
	r := newRig(t, true, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.svc.AcceptQuote(ctx, uuid.New(), r.trader)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
	assert.Equal(t, 0, r.producers.Bursts().Len(ErrorModule))

	rule, err := r.store.GetAlertRuleByName(ctx, alerting.ErrorBurstRuleName(ErrorModule))
	require.NoError(t, err)
	count, err := r.store.CountAlertEvents(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAcceptExpiredQuote(t *testing.T) {
	r := newRig(t, true, 5)
	ctx := context.Background()
	rfq, quote := r.openQuote(t, 1000, storage.SideBuy)

	r.clock.Advance(3 * time.Minute)
	_, err := r.svc.AcceptQuote(ctx, quote.ID, r.trader)
	assert.ErrorIs(t, err, domain.ErrValidation)

	current, err := r.store.GetRFQ(ctx, rfq.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RFQStatusQuoted, current.Status)
	assert.Empty(t, r.store.Jobs())
}

// racingStore loses every acceptance, optionally after letting a competing
// caller win it first.
type racingStore struct {
	*memstore.Store
	competitorWins bool
}

func (r *racingStore) AcceptQuote(ctx context.Context, quoteID uuid.UUID, fill storage.Fill, now time.Time) (storage.Fill, error) {
	if r.competitorWins {
		if _, err := r.Store.AcceptQuote(ctx, quoteID, storage.Fill{FillAmount: fill.FillAmount, Status: storage.FillStatusPending}, now); err != nil {
			return storage.Fill{}, err
		}
	}
	return storage.Fill{}, fmt.Errorf("accept quote: %w", storage.ErrStaleState)
}

func TestLostAcceptanceNamesWinningFill(t *testing.T) {
	for _, tc := range []struct {
		name           string
		competitorWins bool
		want           string
	}{
		{name: "competitor accepted", competitorWins: true, want: "already accepted (fill "},
		{name: "expired in between", competitorWins: false, want: "no longer acceptable"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, true, 5)
			_, quote := r.openQuote(t, 1000, storage.SideBuy)
			r.svc.store = &racingStore{Store: r.store, competitorWins: tc.competitorWins}

			_, err := r.svc.AcceptQuote(context.Background(), quote.ID, r.trader)
			require.ErrorIs(t, err, domain.ErrConflict)
			assert.Contains(t, err.Error(), tc.want)
			assert.Empty(t, r.store.Jobs())
		})
	}
}

func TestCreateQuoteGuards(t *testing.T) {
	r := newRig(t, true, 5)
	ctx := context.Background()

	_, err := r.svc.CreateQuote(ctx, CreateQuoteInput{RFQID: uuid.New(), Price: decimal.NewFromInt(1), ValidUntil: r.clock.Now().Add(time.Minute)})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	rfq, _ := r.openQuote(t, 10, storage.SideBuy)
	_, err = r.svc.CancelRFQ(ctx, rfq.ID, r.trader)
	require.NoError(t, err)
	_, err = r.svc.CreateQuote(ctx, CreateQuoteInput{RFQID: rfq.ID, Price: decimal.NewFromInt(1), ValidUntil: r.clock.Now().Add(time.Minute)})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = r.svc.CreateQuote(ctx, CreateQuoteInput{RFQID: rfq.ID, Price: decimal.Zero})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = r.svc.CancelRFQ(ctx, rfq.ID, r.trader)
	assert.ErrorIs(t, err, domain.ErrConflict)
	_, err = r.svc.CancelRFQ(ctx, uuid.New(), r.trader)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateRFQValidation(t *testing.T) {
	r := newRig(t, true, 5)
	now := r.clock.Now()
	cases := []CreateRFQInput{
		{Asset: "USDT", Notional: decimal.NewFromInt(1), Side: storage.SideBuy, ExpiresAt: now.Add(time.Minute)},
		{UserID: r.trader, Asset: " ", Notional: decimal.NewFromInt(1), Side: storage.SideBuy, ExpiresAt: now.Add(time.Minute)},
		{UserID: r.trader, Asset: "USDT", Notional: decimal.Zero, Side: storage.SideBuy, ExpiresAt: now.Add(time.Minute)},
		{UserID: r.trader, Asset: "USDT", Notional: decimal.NewFromInt(1), Side: "hold", ExpiresAt: now.Add(time.Minute)},
		{UserID: r.trader, Asset: "USDT", Notional: decimal.NewFromInt(1), Side: storage.SideSell, ExpiresAt: now},
	}
	for i, in := range cases {
		_, err := r.svc.CreateRFQ(context.Background(), in)
		assert.ErrorIs(t, err, domain.ErrValidation, "case %d", i)
	}
}

func TestExpireStale(t *testing.T) {
	r := newRig(t, true, 5)
	ctx := context.Background()
	rfq, quote := r.openQuote(t, 10, storage.SideBuy)

	rfqs, quotes, err := r.svc.ExpireStale(ctx, r.clock.Now().Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), rfqs)
	assert.Equal(t, int64(1), quotes)

	rfqs, _, err = r.svc.ExpireStale(ctx, r.clock.Now().Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rfqs)

	gotQuote, err := r.store.GetQuote(ctx, quote.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.QuoteStatusExpired, gotQuote.Status)
	gotRFQ, err := r.store.GetRFQ(ctx, rfq.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RFQStatusExpired, gotRFQ.Status)
}
