// Package memstore is an in-process implementation of the storage interfaces.
// It backs the simulate command and service tests; every method holds a single
// mutex so the atomic units of the Postgres store stay atomic here too.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"otc-settlement/internal/storage"
)

// Store keeps every entity in maps guarded by one mutex.
type Store struct {
	mu  sync.Mutex
	now func() time.Time
	seq int64

	rfqs        map[uuid.UUID]storage.RFQ
	quotes      map[uuid.UUID]storage.Quote
	fills       map[uuid.UUID]storage.Fill
	settlements map[uuid.UUID]storage.Settlement
	jobs        map[uuid.UUID]storage.SettlementJob
	flagged     []storage.SettlementFlaggedEvent
	requests    map[uuid.UUID]storage.DualControlRequest
	wallets     map[uuid.UUID]storage.Wallet
	movements   []storage.WalletTransaction
	rules       map[uuid.UUID]storage.AlertRule
	events      []storage.AlertEvent
	users       map[uuid.UUID]storage.User
	audit       []storage.AuditLogEntry
	flags       map[string]storage.FeatureFlag

	order map[uuid.UUID]int64

	// AuditErr, when set, is returned by InsertAuditLog.
	AuditErr error
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the clock used for defaulted timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:         func() time.Time { return time.Now().UTC() },
		rfqs:        make(map[uuid.UUID]storage.RFQ),
		quotes:      make(map[uuid.UUID]storage.Quote),
		fills:       make(map[uuid.UUID]storage.Fill),
		settlements: make(map[uuid.UUID]storage.Settlement),
		jobs:        make(map[uuid.UUID]storage.SettlementJob),
		requests:    make(map[uuid.UUID]storage.DualControlRequest),
		wallets:     make(map[uuid.UUID]storage.Wallet),
		rules:       make(map[uuid.UUID]storage.AlertRule),
		users:       make(map[uuid.UUID]storage.User),
		flags:       make(map[string]storage.FeatureFlag),
		order:       make(map[uuid.UUID]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) stamp(id uuid.UUID) {
	s.seq++
	s.order[id] = s.seq
}

func (s *Store) defaultTime(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t
}

func ensureID(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}

func notFound(op string) error {
	return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
}

func stale(op string) error {
	return fmt.Errorf("%s: %w", op, storage.ErrStaleState)
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// RFQs

func (s *Store) InsertRFQ(_ context.Context, rfq storage.RFQ) (storage.RFQ, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rfq.ID = ensureID(rfq.ID)
	rfq.CreatedAt = s.defaultTime(rfq.CreatedAt)
	rfq.UpdatedAt = rfq.CreatedAt
	s.rfqs[rfq.ID] = rfq
	s.stamp(rfq.ID)
	return rfq, nil
}

func (s *Store) GetRFQ(_ context.Context, id uuid.UUID) (storage.RFQ, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rfq, ok := s.rfqs[id]
	if !ok {
		return storage.RFQ{}, notFound("get rfq")
	}
	return rfq, nil
}

func (s *Store) InsertQuote(_ context.Context, quote storage.Quote) (storage.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rfq, ok := s.rfqs[quote.RFQID]
	if !ok || (rfq.Status != storage.RFQStatusDraft && rfq.Status != storage.RFQStatusQuoted) {
		return storage.Quote{}, stale("mark rfq quoted")
	}
	quote.ID = ensureID(quote.ID)
	quote.CreatedAt = s.defaultTime(quote.CreatedAt)
	quote.UpdatedAt = quote.CreatedAt
	rfq.Status = storage.RFQStatusQuoted
	rfq.UpdatedAt = quote.CreatedAt
	s.rfqs[rfq.ID] = rfq
	s.quotes[quote.ID] = quote
	s.stamp(quote.ID)
	return quote, nil
}

func (s *Store) GetQuote(_ context.Context, id uuid.UUID) (storage.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	quote, ok := s.quotes[id]
	if !ok {
		return storage.Quote{}, notFound("get quote")
	}
	return quote, nil
}

func (s *Store) AcceptQuote(_ context.Context, quoteID uuid.UUID, fill storage.Fill, now time.Time) (storage.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	quote, ok := s.quotes[quoteID]
	if !ok || (quote.Status != storage.QuoteStatusPending && quote.Status != storage.QuoteStatusSent) || !quote.ValidUntil.After(now) {
		return storage.Fill{}, stale("accept quote")
	}
	rfq, ok := s.rfqs[quote.RFQID]
	if !ok || (rfq.Status != storage.RFQStatusDraft && rfq.Status != storage.RFQStatusQuoted) || !rfq.ExpiresAt.After(now) {
		return storage.Fill{}, stale("accept rfq")
	}

	quote.Status = storage.QuoteStatusAccepted
	quote.UpdatedAt = now
	rfq.Status = storage.RFQStatusAccepted
	rfq.UpdatedAt = now
	fill.ID = ensureID(fill.ID)
	fill.QuoteID = quoteID
	fill.CreatedAt = now

	s.quotes[quote.ID] = quote
	s.rfqs[rfq.ID] = rfq
	s.fills[fill.ID] = fill
	s.stamp(fill.ID)
	return fill, nil
}

func (s *Store) GetFillByQuote(_ context.Context, quoteID uuid.UUID) (storage.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fill := range s.fills {
		if fill.QuoteID == quoteID {
			return fill, nil
		}
	}
	return storage.Fill{}, notFound("get fill")
}

func (s *Store) CancelRFQ(_ context.Context, id uuid.UUID, now time.Time) (storage.RFQ, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rfq, ok := s.rfqs[id]
	if !ok || (rfq.Status != storage.RFQStatusDraft && rfq.Status != storage.RFQStatusQuoted) {
		return storage.RFQ{}, stale("cancel rfq")
	}
	rfq.Status = storage.RFQStatusCancelled
	rfq.UpdatedAt = now
	s.rfqs[id] = rfq
	return rfq, nil
}

func (s *Store) ExpireStale(_ context.Context, now time.Time) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rfqs, quotes int64
	for id, rfq := range s.rfqs {
		if !rfq.ExpiresAt.After(now) && (rfq.Status == storage.RFQStatusDraft || rfq.Status == storage.RFQStatusQuoted) {
			rfq.Status = storage.RFQStatusExpired
			rfq.UpdatedAt = now
			s.rfqs[id] = rfq
			rfqs++
		}
	}
	for id, quote := range s.quotes {
		if !quote.ValidUntil.After(now) && (quote.Status == storage.QuoteStatusPending || quote.Status == storage.QuoteStatusSent) {
			quote.Status = storage.QuoteStatusExpired
			quote.UpdatedAt = now
			s.quotes[id] = quote
			quotes++
		}
	}
	return rfqs, quotes, nil
}

// Settlements and jobs

func (s *Store) CreateSettlementWithJob(_ context.Context, settlement storage.Settlement, job storage.SettlementJob) (storage.Settlement, storage.SettlementJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settlement.ID = ensureID(settlement.ID)
	settlement.CreatedAt = s.defaultTime(settlement.CreatedAt)
	settlement.UpdatedAt = settlement.CreatedAt
	settlement.Metadata = cloneMap(settlement.Metadata)

	job.ID = ensureID(job.ID)
	if job.CreatedAt.IsZero() {
		job.CreatedAt = settlement.CreatedAt
	}
	job.UpdatedAt = job.CreatedAt
	settlementID := settlement.ID
	job.SettlementID = &settlementID
	job.Payload = cloneMap(job.Payload)

	s.settlements[settlement.ID] = settlement
	s.jobs[job.ID] = job
	s.stamp(settlement.ID)
	s.stamp(job.ID)
	return settlement, job, nil
}

func (s *Store) InsertFlaggedEvent(_ context.Context, event storage.SettlementFlaggedEvent) (storage.SettlementFlaggedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = ensureID(event.ID)
	event.CreatedAt = s.defaultTime(event.CreatedAt)
	event.Metadata = cloneMap(event.Metadata)
	s.flagged = append(s.flagged, event)
	return event, nil
}

func (s *Store) CountFlaggedEvents(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.flagged)), nil
}

func (s *Store) CountFlaggedEventsSince(_ context.Context, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, ev := range s.flagged {
		if !ev.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListFlaggedEventsBetween(_ context.Context, from, to time.Time) ([]storage.SettlementFlaggedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.SettlementFlaggedEvent
	for _, ev := range s.flagged {
		if !ev.CreatedAt.Before(from) && ev.CreatedAt.Before(to) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) queuedJobsLocked() []storage.SettlementJob {
	var out []storage.SettlementJob
	for _, job := range s.jobs {
		if job.Status == storage.JobStatusQueued {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.order[out[i].ID] < s.order[out[j].ID]
	})
	return out
}

func (s *Store) NextQueuedJob(_ context.Context) (*storage.SettlementJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.queuedJobsLocked()
	if len(queued) == 0 {
		return nil, nil
	}
	job := queued[0]
	return &job, nil
}

func (s *Store) GetSettlementJob(_ context.Context, id uuid.UUID) (storage.SettlementJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return storage.SettlementJob{}, notFound("get settlement job")
	}
	return job, nil
}

func (s *Store) ClaimSettlementJob(_ context.Context, id uuid.UUID, now time.Time) (storage.SettlementJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != storage.JobStatusQueued {
		return storage.SettlementJob{}, stale("claim settlement job")
	}
	job.Status = storage.JobStatusInProgress
	job.Attempts++
	job.UpdatedAt = now
	s.jobs[id] = job
	return job, nil
}

func (s *Store) CompleteSettlementJob(_ context.Context, id uuid.UUID, txHash *string, debit storage.WalletTransaction, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status == storage.JobStatusSucceeded {
		return stale("complete settlement job")
	}
	if _, ok := s.wallets[debit.WalletID]; !ok {
		return notFound("apply wallet delta")
	}
	s.applyMovementLocked(debit)

	job.Status = storage.JobStatusSucceeded
	job.ErrorMessage = nil
	job.UpdatedAt = now
	s.jobs[id] = job

	if job.SettlementID == nil {
		return nil
	}
	settlement, ok := s.settlements[*job.SettlementID]
	if !ok {
		return nil
	}
	settledAt := now
	settlement.Status = storage.SettlementStatusSettled
	settlement.SettledAt = &settledAt
	settlement.TxHash = txHash
	settlement.UpdatedAt = now
	s.settlements[settlement.ID] = settlement
	return nil
}

func (s *Store) FailSettlementJob(_ context.Context, id uuid.UUID, message string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return notFound("fail settlement job")
	}
	msg := message
	job.Status = storage.JobStatusFailed
	job.ErrorMessage = &msg
	job.UpdatedAt = now
	s.jobs[id] = job
	return nil
}

func (s *Store) CountQueuedJobs(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queuedJobsLocked())), nil
}

func (s *Store) ListQueuedJobs(_ context.Context, limit int) ([]storage.SettlementJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.queuedJobsLocked()
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}
	return queued, nil
}

// Settlements returns a snapshot of every settlement, oldest first.
func (s *Store) Settlements() []storage.Settlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Settlement, 0, len(s.settlements))
	for _, st := range s.settlements {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out
}

// Jobs returns a snapshot of every settlement job, oldest first.
func (s *Store) Jobs() []storage.SettlementJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.SettlementJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out
}

// FlaggedEvents returns a snapshot of the flagged event log.
func (s *Store) FlaggedEvents() []storage.SettlementFlaggedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.SettlementFlaggedEvent(nil), s.flagged...)
}

// Wallets

func (s *Store) GetWallet(_ context.Context, id uuid.UUID) (storage.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wallet, ok := s.wallets[id]
	if !ok {
		return storage.Wallet{}, notFound("get wallet")
	}
	return wallet, nil
}

func (s *Store) GetWalletByAddress(_ context.Context, address string) (storage.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wallet := range s.wallets {
		if wallet.Address == address {
			return wallet, nil
		}
	}
	return storage.Wallet{}, notFound("get wallet by address")
}

func (s *Store) InsertWallet(_ context.Context, wallet storage.Wallet) (storage.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.wallets {
		if existing.Address == wallet.Address {
			return storage.Wallet{}, fmt.Errorf("insert wallet: %w", storage.ErrDuplicate)
		}
	}
	wallet.ID = ensureID(wallet.ID)
	wallet.CreatedAt = s.defaultTime(wallet.CreatedAt)
	wallet.UpdatedAt = wallet.CreatedAt
	if wallet.Status == "" {
		wallet.Status = storage.WalletStatusActive
	}
	s.wallets[wallet.ID] = wallet
	s.stamp(wallet.ID)
	return wallet, nil
}

func (s *Store) RecordWalletMovement(_ context.Context, movement storage.WalletTransaction) (storage.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[movement.WalletID]; !ok {
		return storage.WalletTransaction{}, notFound("apply wallet delta")
	}
	return s.applyMovementLocked(movement), nil
}

// applyMovementLocked expects s.mu held and the wallet to exist.
func (s *Store) applyMovementLocked(movement storage.WalletTransaction) storage.WalletTransaction {
	wallet := s.wallets[movement.WalletID]
	movement.ID = ensureID(movement.ID)
	movement.CreatedAt = s.defaultTime(movement.CreatedAt)
	movement.Metadata = cloneMap(movement.Metadata)

	wallet.Balance = wallet.Balance.Add(movement.SignedAmount())
	wallet.UpdatedAt = movement.CreatedAt
	s.wallets[wallet.ID] = wallet
	s.movements = append(s.movements, movement)
	return movement
}

func (s *Store) SumBalancesByNetwork(_ context.Context) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	totals := make(map[string]decimal.Decimal)
	for _, wallet := range s.wallets {
		totals[wallet.Network] = totals[wallet.Network].Add(wallet.Balance)
	}
	return totals, nil
}

func (s *Store) SumWalletMovements(_ context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, mv := range s.movements {
		if mv.WalletID == walletID {
			total = total.Add(mv.SignedAmount())
		}
	}
	return total, nil
}

// Movements returns a snapshot of the movement log for walletID.
func (s *Store) Movements(walletID uuid.UUID) []storage.WalletTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.WalletTransaction
	for _, mv := range s.movements {
		if mv.WalletID == walletID {
			out = append(out, mv)
		}
	}
	return out
}

// SetWalletBalance overwrites a stored balance, for reconciliation scenarios.
func (s *Store) SetWalletBalance(id uuid.UUID, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wallet, ok := s.wallets[id]; ok {
		wallet.Balance = balance
		s.wallets[id] = wallet
	}
}

// Alert rules and events

func (s *Store) GetAlertRule(_ context.Context, id uuid.UUID) (storage.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return storage.AlertRule{}, notFound("get alert rule")
	}
	return rule, nil
}

func (s *Store) GetAlertRuleByName(_ context.Context, name string) (storage.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rule := range s.rules {
		if rule.Name == name {
			return rule, nil
		}
	}
	return storage.AlertRule{}, notFound("get alert rule by name")
}

func (s *Store) InsertAlertRule(_ context.Context, rule storage.AlertRule) (storage.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rules {
		if existing.Name == rule.Name {
			return storage.AlertRule{}, fmt.Errorf("insert alert rule: %w", storage.ErrDuplicate)
		}
	}
	rule.ID = ensureID(rule.ID)
	rule.CreatedAt = s.defaultTime(rule.CreatedAt)
	rule.UpdatedAt = rule.CreatedAt
	s.rules[rule.ID] = rule
	s.stamp(rule.ID)
	return rule, nil
}

func (s *Store) UpdateAlertRule(_ context.Context, rule storage.AlertRule) (storage.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[rule.ID]
	if !ok {
		return storage.AlertRule{}, notFound("update alert rule")
	}
	existing.MetricKey = rule.MetricKey
	existing.Threshold = rule.Threshold
	existing.WindowSeconds = rule.WindowSeconds
	existing.DebounceSeconds = rule.DebounceSeconds
	existing.Severity = rule.Severity
	existing.OwnerEmail = rule.OwnerEmail
	existing.IsActive = rule.IsActive
	existing.UpdatedAt = s.now()
	s.rules[rule.ID] = existing
	return existing, nil
}

func (s *Store) InsertAlertEventIfQuiet(_ context.Context, event storage.AlertEvent, cutoff time.Time) (storage.AlertEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.events {
		if existing.RuleID == event.RuleID && existing.CreatedAt.After(cutoff) {
			return storage.AlertEvent{}, false, nil
		}
	}
	event.ID = ensureID(event.ID)
	event.CreatedAt = s.defaultTime(event.CreatedAt)
	event.Details = cloneMap(event.Details)
	s.events = append(s.events, event)
	return event, true, nil
}

func (s *Store) CountAlertEvents(_ context.Context, ruleID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, ev := range s.events {
		if ev.RuleID == ruleID {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListAlertEventsBetween(_ context.Context, from, to time.Time) ([]storage.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.AlertEvent
	for _, ev := range s.events {
		if !ev.CreatedAt.Before(from) && ev.CreatedAt.Before(to) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Dual control

func (s *Store) InsertDualControlRequest(_ context.Context, req storage.DualControlRequest) (storage.DualControlRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.ID = ensureID(req.ID)
	req.CreatedAt = s.defaultTime(req.CreatedAt)
	req.UpdatedAt = req.CreatedAt
	req.Context = cloneMap(req.Context)
	s.requests[req.ID] = req
	s.stamp(req.ID)
	return req, nil
}

func (s *Store) GetDualControlRequest(_ context.Context, id uuid.UUID) (storage.DualControlRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return storage.DualControlRequest{}, notFound("get dual-control request")
	}
	return req, nil
}

func (s *Store) GetPendingDualControlForEntity(_ context.Context, entityType string, entityID uuid.UUID) (storage.DualControlRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.pendingLocked() {
		if req.EntityType == entityType && req.EntityID == entityID {
			return req, nil
		}
	}
	return storage.DualControlRequest{}, notFound("get pending dual-control request")
}

func (s *Store) ResolveDualControlRequest(_ context.Context, id uuid.UUID, res storage.DualControlResolution) (storage.DualControlRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok || req.Status != storage.DualControlPending {
		return storage.DualControlRequest{}, stale("resolve dual-control request")
	}
	at := res.At
	primary := res.PrimaryApproverID
	req.Status = res.Status
	req.PrimaryApproverID = &primary
	req.SecondaryApproverID = res.SecondaryApproverID
	req.ApprovalReason = res.ApprovalReason
	req.RejectionReason = res.RejectionReason
	switch res.Status {
	case storage.DualControlApproved:
		req.ApprovedAt = &at
		if res.SecondaryApproverID != nil {
			req.SecondaryApprovedAt = &at
		}
	case storage.DualControlRejected:
		req.RejectedAt = &at
	default:
		return storage.DualControlRequest{}, fmt.Errorf("resolve dual-control request: unsupported status %q", res.Status)
	}
	req.UpdatedAt = at
	s.requests[id] = req
	return req, nil
}

func (s *Store) pendingLocked() []storage.DualControlRequest {
	var out []storage.DualControlRequest
	for _, req := range s.requests {
		if req.Status == storage.DualControlPending {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.order[out[i].ID] < s.order[out[j].ID]
	})
	return out
}

func (s *Store) ListPendingDualControlRequests(_ context.Context) ([]storage.DualControlRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked(), nil
}

// Users

func (s *Store) InsertUser(_ context.Context, user storage.User) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return storage.User{}, fmt.Errorf("insert user: %w", storage.ErrDuplicate)
		}
	}
	user.ID = ensureID(user.ID)
	user.CreatedAt = s.defaultTime(user.CreatedAt)
	user.UpdatedAt = user.CreatedAt
	s.users[user.ID] = user
	s.stamp(user.ID)
	return user, nil
}

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return storage.User{}, notFound("get user")
	}
	return user, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return storage.User{}, notFound("get user by email")
}

func (s *Store) UpdateUserStatus(_ context.Context, id uuid.UUID, from, to string, now time.Time) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok || user.Status != from {
		return storage.User{}, stale("update user status")
	}
	user.Status = to
	user.UpdatedAt = now
	s.users[id] = user
	return user, nil
}

func (s *Store) ListUsersByStatus(_ context.Context, status string) ([]storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.User
	for _, user := range s.users {
		if user.Status == status {
			out = append(out, user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out, nil
}

func (s *Store) CountUsersByIDs(_ context.Context, ids []uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := s.users[id]; ok {
			seen[id] = struct{}{}
		}
	}
	return len(seen), nil
}

// Audit and flags

func (s *Store) InsertAuditLog(_ context.Context, entry storage.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AuditErr != nil {
		return s.AuditErr
	}
	entry.CreatedAt = s.defaultTime(entry.CreatedAt)
	entry.Metadata = cloneMap(entry.Metadata)
	s.audit = append(s.audit, entry)
	return nil
}

// AuditLog returns a snapshot of every audit entry written.
func (s *Store) AuditLog() []storage.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.AuditLogEntry(nil), s.audit...)
}

func (s *Store) GetFeatureFlag(_ context.Context, key string) (storage.FeatureFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flag, ok := s.flags[key]
	if !ok {
		return storage.FeatureFlag{}, notFound("get feature flag")
	}
	return flag, nil
}

func (s *Store) UpsertFeatureFlag(_ context.Context, flag storage.FeatureFlag) (storage.FeatureFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.flags[flag.Key]; ok && flag.Description == "" {
		flag.Description = existing.Description
	}
	flag.UpdatedAt = s.defaultTime(flag.UpdatedAt)
	s.flags[flag.Key] = flag
	return flag, nil
}

// TryAdvisoryLock always succeeds; a single process has nothing to coordinate with.
func (s *Store) TryAdvisoryLock(_ context.Context, _ int64) (func(), bool, error) {
	return func() {}, true, nil
}

var (
	_ storage.RFQStore         = (*Store)(nil)
	_ storage.SettlementStore  = (*Store)(nil)
	_ storage.JobStore         = (*Store)(nil)
	_ storage.WalletStore      = (*Store)(nil)
	_ storage.AlertRuleStore   = (*Store)(nil)
	_ storage.AlertEventStore  = (*Store)(nil)
	_ storage.DualControlStore = (*Store)(nil)
	_ storage.UserStore        = (*Store)(nil)
	_ storage.AuditStore       = (*Store)(nil)
	_ storage.FeatureFlagStore = (*Store)(nil)
	_ storage.AdvisoryLocker   = (*Store)(nil)
)
