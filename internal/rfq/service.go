// Package rfq runs the request-for-quote lifecycle: RFQ, quote, acceptance and
// the fill that is handed to settlement.
package rfq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otc-settlement/internal/alerting"
	"otc-settlement/internal/audit"
	"otc-settlement/internal/domain"
	"otc-settlement/internal/metrics"
	"otc-settlement/internal/settlement"
	"otc-settlement/internal/storage"
)

// ErrorModule is the error-burst module failed acceptances are reported under.
const ErrorModule = "rfq"

// Scheduler receives accepted fills.
type Scheduler interface {
	Schedule(ctx context.Context, item settlement.WorkItem, opts settlement.ScheduleOptions) (settlement.Decision, error)
}

type CreateRFQInput struct {
	UserID    uuid.UUID
	Asset     string
	Notional  decimal.Decimal
	Side      string
	ExpiresAt time.Time
}

type CreateQuoteInput struct {
	RFQID               uuid.UUID
	LiquidityProviderID *uuid.UUID
	Price               decimal.Decimal
	SpreadBps           decimal.Decimal
	ValidUntil          time.Time
}

// AcceptResult is the fill created by an acceptance and the settlement
// decision it produced. Decision is settlement.Deferred on the async path.
type AcceptResult struct {
	Fill     storage.Fill
	Decision settlement.Decision
}

// Options tunes a Service.
type Options struct {
	// SyncSettlement runs the settlement decision inline with acceptance.
	SyncSettlement bool
	Now            func() time.Time
}

type Service struct {
	store     storage.RFQStore
	scheduler Scheduler
	producers *alerting.Producers
	metrics   *metrics.Metrics
	audit     *audit.Recorder
	sync      bool
	now       func() time.Time
	logger    zerolog.Logger
}

func NewService(store storage.RFQStore, scheduler Scheduler, producers *alerting.Producers, m *metrics.Metrics, recorder *audit.Recorder, opts Options, logger zerolog.Logger) *Service {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:     store,
		scheduler: scheduler,
		producers: producers,
		metrics:   m,
		audit:     recorder,
		sync:      opts.SyncSettlement,
		now:       opts.Now,
		logger:    logger.With().Str("component", "rfq").Logger(),
	}
}

// CreateRFQ opens a draft RFQ.
func (s *Service) CreateRFQ(ctx context.Context, in CreateRFQInput) (storage.RFQ, error) {
	asset := strings.ToUpper(strings.TrimSpace(in.Asset))
	switch {
	case in.UserID == uuid.Nil:
		return storage.RFQ{}, domain.Validation("user id is required")
	case asset == "":
		return storage.RFQ{}, domain.Validation("asset is required")
	case !in.Notional.IsPositive():
		return storage.RFQ{}, domain.Validation("notional must be positive")
	case in.Side != storage.SideBuy && in.Side != storage.SideSell:
		return storage.RFQ{}, domain.Validation("side must be buy or sell, got %q", in.Side)
	}
	now := s.now()
	if !in.ExpiresAt.After(now) {
		return storage.RFQ{}, domain.Validation("expiry must be in the future")
	}

	rfq, err := s.store.InsertRFQ(ctx, storage.RFQ{
		ID:        uuid.New(),
		UserID:    in.UserID,
		Asset:     asset,
		Notional:  in.Notional,
		Side:      in.Side,
		Status:    storage.RFQStatusDraft,
		ExpiresAt: in.ExpiresAt.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return storage.RFQ{}, fmt.Errorf("insert rfq: %w", err)
	}

	s.metrics.IncRFQ(asset, in.Side)
	s.audit.Record(ctx, audit.ID(in.UserID), "rfq_created", "rfq", audit.ID(rfq.ID), map[string]any{
		"asset":    asset,
		"notional": in.Notional.String(),
	})
	return rfq, nil
}

// CreateQuote prices an open RFQ and moves it to quoted.
func (s *Service) CreateQuote(ctx context.Context, in CreateQuoteInput) (storage.Quote, error) {
	if !in.Price.IsPositive() {
		return storage.Quote{}, domain.Validation("price must be positive")
	}
	if in.SpreadBps.IsNegative() {
		return storage.Quote{}, domain.Validation("spread must not be negative")
	}

	rfq, err := s.store.GetRFQ(ctx, in.RFQID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Quote{}, domain.NotFound("rfq %s not found", in.RFQID)
	}
	if err != nil {
		return storage.Quote{}, fmt.Errorf("load rfq: %w", err)
	}
	now := s.now()
	if !rfq.ExpiresAt.After(now) {
		return storage.Quote{}, domain.Validation("rfq %s expired", rfq.ID)
	}
	if !open(rfq.Status) {
		return storage.Quote{}, domain.Conflict("rfq %s is %s", rfq.ID, rfq.Status)
	}

	quote, err := s.store.InsertQuote(ctx, storage.Quote{
		ID:                  uuid.New(),
		RFQID:               rfq.ID,
		LiquidityProviderID: in.LiquidityProviderID,
		Price:               in.Price,
		SpreadBps:           in.SpreadBps,
		Status:              storage.QuoteStatusSent,
		ValidUntil:          in.ValidUntil.UTC(),
		CreatedAt:           now,
		UpdatedAt:           now,
	})
	if errors.Is(err, storage.ErrStaleState) {
		return storage.Quote{}, domain.Conflict("rfq %s is no longer open", rfq.ID)
	}
	if err != nil {
		return storage.Quote{}, fmt.Errorf("insert quote: %w", err)
	}
	return quote, nil
}

// AcceptQuote accepts quoteID, creating the fill and scheduling its
// settlement. Failures are reported to the rfq error-burst producer.
func (s *Service) AcceptQuote(ctx context.Context, quoteID, actorID uuid.UUID) (AcceptResult, error) {
	res, err := s.accept(ctx, quoteID, actorID)
	if err != nil {
		s.producers.RecordModuleError(ctx, ErrorModule, err)
		return AcceptResult{}, err
	}
	return res, nil
}

func (s *Service) accept(ctx context.Context, quoteID, actorID uuid.UUID) (AcceptResult, error) {
	quote, err := s.store.GetQuote(ctx, quoteID)
	if errors.Is(err, storage.ErrNotFound) {
		return AcceptResult{}, domain.NotFound("quote %s not found", quoteID)
	}
	if err != nil {
		return AcceptResult{}, fmt.Errorf("load quote: %w", err)
	}
	if quote.Status != storage.QuoteStatusSent && quote.Status != storage.QuoteStatusPending {
		return AcceptResult{}, domain.Conflict("quote %s cannot be accepted from %s", quoteID, quote.Status)
	}
	rfq, err := s.store.GetRFQ(ctx, quote.RFQID)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("load rfq for quote %s: %w", quoteID, err)
	}

	now := s.now()
	if !quote.ValidUntil.After(now) {
		return AcceptResult{}, domain.Validation("quote %s expired", quoteID)
	}
	if !rfq.ExpiresAt.After(now) {
		return AcceptResult{}, domain.Validation("rfq %s expired", rfq.ID)
	}

	fill, err := s.store.AcceptQuote(ctx, quoteID, storage.Fill{
		ID:         uuid.New(),
		FillAmount: rfq.Notional,
		Status:     storage.FillStatusPending,
	}, now)
	if errors.Is(err, storage.ErrStaleState) {
		return AcceptResult{}, s.staleAccept(ctx, quoteID)
	}
	if err != nil {
		return AcceptResult{}, fmt.Errorf("accept quote: %w", err)
	}

	decision, err := s.scheduler.Schedule(ctx, settlement.WorkItem{
		RFQID:    rfq.ID,
		QuoteID:  quoteID,
		FillID:   fill.ID,
		Notional: rfq.Notional,
	}, settlement.ScheduleOptions{Sync: s.sync})
	if err != nil {
		return AcceptResult{Fill: fill}, fmt.Errorf("schedule settlement for fill %s: %w", fill.ID, err)
	}

	s.audit.Record(ctx, audit.ID(actorID), "quote_accepted", "quote", audit.ID(quoteID), map[string]any{
		"fillId":   fill.ID.String(),
		"decision": string(decision),
	})
	s.logger.Info().
		Str("quote_id", quoteID.String()).
		Str("fill_id", fill.ID.String()).
		Str("decision", string(decision)).
		Msg("quote accepted")
	return AcceptResult{Fill: fill, Decision: decision}, nil
}

// staleAccept explains a lost acceptance: either another caller won the quote
// or it expired between the checks above and the store update.
func (s *Service) staleAccept(ctx context.Context, quoteID uuid.UUID) error {
	fill, err := s.store.GetFillByQuote(ctx, quoteID)
	if err == nil {
		return domain.Conflict("quote %s was already accepted (fill %s)", quoteID, fill.ID)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn().Err(err).Str("quote_id", quoteID.String()).Msg("lookup fill after lost acceptance")
	}
	return domain.Conflict("quote %s is no longer acceptable", quoteID)
}

// CancelRFQ cancels an RFQ that has not been accepted.
func (s *Service) CancelRFQ(ctx context.Context, id, actorID uuid.UUID) (storage.RFQ, error) {
	rfq, err := s.store.CancelRFQ(ctx, id, s.now())
	if errors.Is(err, storage.ErrStaleState) {
		if _, getErr := s.store.GetRFQ(ctx, id); errors.Is(getErr, storage.ErrNotFound) {
			return storage.RFQ{}, domain.NotFound("rfq %s not found", id)
		}
		return storage.RFQ{}, domain.Conflict("rfq %s can no longer be cancelled", id)
	}
	if err != nil {
		return storage.RFQ{}, fmt.Errorf("cancel rfq: %w", err)
	}
	s.audit.Record(ctx, audit.ID(actorID), "rfq_cancelled", "rfq", audit.ID(id), nil)
	return rfq, nil
}

// ExpireStale expires open RFQs and quotes past their deadline.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (rfqs, quotes int64, err error) {
	rfqs, quotes, err = s.store.ExpireStale(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("expire stale rfqs: %w", err)
	}
	if rfqs > 0 || quotes > 0 {
		s.logger.Info().Int64("rfqs", rfqs).Int64("quotes", quotes).Msg("expired stale rfqs and quotes")
	}
	return rfqs, quotes, nil
}

func open(status string) bool {
	return status == storage.RFQStatusDraft || status == storage.RFQStatusQuoted
}
