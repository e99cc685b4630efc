package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RFQ side and status values.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	RFQStatusDraft     = "draft"
	RFQStatusQuoted    = "quoted"
	RFQStatusAccepted  = "accepted"
	RFQStatusExpired   = "expired"
	RFQStatusCancelled = "cancelled"
)

// Quote status values.
const (
	QuoteStatusPending  = "pending"
	QuoteStatusSent     = "sent"
	QuoteStatusExpired  = "expired"
	QuoteStatusAccepted = "accepted"
	QuoteStatusRejected = "rejected"
)

const (
	FillStatusPending   = "pending"
	FillStatusConfirmed = "confirmed"
	FillStatusFailed    = "failed"
)

const (
	SettlementStatusQueued     = "queued"
	SettlementStatusProcessing = "processing"
	SettlementStatusSettled    = "settled"
	SettlementStatusFailed     = "failed"
)

const (
	JobStatusQueued     = "queued"
	JobStatusInProgress = "in_progress"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
)

const (
	DualControlPending  = "pending"
	DualControlApproved = "approved"
	DualControlRejected = "rejected"
)

const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"

	WalletStatusActive = "active"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"

	AlertEventTriggered = "triggered"
)

const (
	UserRoleAdmin  = "admin"
	UserRoleOps    = "ops"
	UserRoleViewer = "viewer"
	UserRoleSystem = "system"

	UserStatusPending  = "pending"
	UserStatusApproved = "approved"
	UserStatusRejected = "rejected"
	UserStatusDisabled = "disabled"
)

// RFQ is a client's request for a quote on a notional amount of an asset.
type RFQ struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Asset     string
	Notional  decimal.Decimal
	Side      string
	Status    string
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Quote is a priced, time-bounded offer against an RFQ.
type Quote struct {
	ID                  uuid.UUID
	RFQID               uuid.UUID
	LiquidityProviderID *uuid.UUID
	Price               decimal.Decimal
	SpreadBps           decimal.Decimal
	Status              string
	ValidUntil          time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Fill records an accepted quote that is owed settlement.
type Fill struct {
	ID         uuid.UUID
	QuoteID    uuid.UUID
	FillAmount decimal.Decimal
	Status     string
	CreatedAt  time.Time
}

type Settlement struct {
	ID         uuid.UUID
	FillID     uuid.UUID
	Status     string
	RetryCount int
	TxHash     *string
	SettledAt  *time.Time
	Metadata   map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type SettlementJob struct {
	ID           uuid.UUID
	SettlementID *uuid.UUID
	Status       string
	Payload      map[string]any
	Attempts     int
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SettlementFlaggedEvent is written instead of a settlement when auto-settlement is off.
type SettlementFlaggedEvent struct {
	ID                    uuid.UUID
	RFQID                 uuid.UUID
	QuoteID               uuid.UUID
	FillID                uuid.UUID
	Reason                string
	AutoSettlementEnabled bool
	Metadata              map[string]any
	CreatedAt             time.Time
}

type DualControlRequest struct {
	ID                  uuid.UUID
	EntityType          string
	EntityID            uuid.UUID
	Action              string
	Status              string
	RequestedBy         uuid.UUID
	PrimaryApproverID   *uuid.UUID
	SecondaryApproverID *uuid.UUID
	ApprovalReason      *string
	RejectionReason     *string
	SecondaryApprovedAt *time.Time
	ApprovedAt          *time.Time
	RejectedAt          *time.Time
	Context             map[string]any
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// DualControlResolution is the terminal patch applied to a pending request.
type DualControlResolution struct {
	Status              string
	PrimaryApproverID   uuid.UUID
	SecondaryApproverID *uuid.UUID
	ApprovalReason      *string
	RejectionReason     *string
	At                  time.Time
}

type Wallet struct {
	ID        uuid.UUID
	Label     string
	Address   string
	Network   string
	Balance   decimal.Decimal
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WalletTransaction is an append-only balance movement.
type WalletTransaction struct {
	ID           uuid.UUID
	WalletID     uuid.UUID
	SettlementID *uuid.UUID
	Direction    string
	Amount       decimal.Decimal
	Currency     string
	TxHash       *string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// SignedAmount returns +amount for credits and -amount for debits.
func (t WalletTransaction) SignedAmount() decimal.Decimal {
	if t.Direction == DirectionDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

type AlertRule struct {
	ID              uuid.UUID
	Name            string
	MetricKey       string
	Threshold       decimal.Decimal
	WindowSeconds   int
	DebounceSeconds int
	Severity        string
	OwnerEmail      string
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type AlertEvent struct {
	ID        uuid.UUID
	RuleID    uuid.UUID
	Status    string
	Details   map[string]any
	CreatedAt time.Time
}

type AuditLogEntry struct {
	ActorUserID *uuid.UUID
	Action      string
	EntityType  string
	EntityID    *uuid.UUID
	Metadata    map[string]any
	CreatedAt   time.Time
}

type User struct {
	ID             uuid.UUID
	Email          string
	FirstName      string
	LastName       string
	Role           string
	Status         string
	HashedPassword string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type FeatureFlag struct {
	Key         string
	IsEnabled   bool
	Description string
	UpdatedAt   time.Time
}
