// Package dualcontrol gates sensitive actions behind two distinct approvers and
// a recorded reason.
package dualcontrol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"otc-settlement/internal/audit"
	"otc-settlement/internal/domain"
	"otc-settlement/internal/storage"
)

// DefaultRejectionReason is persisted when a rejection names no reason.
const DefaultRejectionReason = "not provided"

// Audit actions.
const (
	ActionRequested = "dual_control_requested"
	ActionApproved  = "dual_control_approved"
	ActionRejected  = "dual_control_rejected"
)

// ApproverDirectory confirms approvers exist.
type ApproverDirectory interface {
	CountUsersByIDs(ctx context.Context, ids []uuid.UUID) (int, error)
}

// CreateInput describes a new request.
type CreateInput struct {
	EntityType  string
	EntityID    uuid.UUID
	Action      string
	RequestedBy uuid.UUID
	Context     map[string]any
}

// ResolveInput carries one approver's decision. ApprovalReason and
// SecondaryApproverID apply to approvals, RejectionReason to rejections.
type ResolveInput struct {
	RequestID           uuid.UUID
	ApproverID          uuid.UUID
	Approve             bool
	ApprovalReason      string
	SecondaryApproverID *uuid.UUID
	RejectionReason     string
}

// Workflow moves requests from pending to exactly one terminal state.
type Workflow struct {
	store     storage.DualControlStore
	approvers ApproverDirectory
	audit     *audit.Recorder
	now       func() time.Time
	logger    zerolog.Logger
}

func NewWorkflow(store storage.DualControlStore, approvers ApproverDirectory, recorder *audit.Recorder, now func() time.Time, logger zerolog.Logger) *Workflow {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Workflow{
		store:     store,
		approvers: approvers,
		audit:     recorder,
		now:       now,
		logger:    logger.With().Str("component", "dual_control").Logger(),
	}
}

// Create inserts a pending request.
func (w *Workflow) Create(ctx context.Context, in CreateInput) (storage.DualControlRequest, error) {
	if strings.TrimSpace(in.EntityType) == "" || strings.TrimSpace(in.Action) == "" {
		return storage.DualControlRequest{}, domain.Validation("entity type and action are required")
	}
	if in.EntityID == uuid.Nil || in.RequestedBy == uuid.Nil {
		return storage.DualControlRequest{}, domain.Validation("entity id and requester are required")
	}
	reqCtx := in.Context
	if reqCtx == nil {
		reqCtx = map[string]any{}
	}

	now := w.now()
	req, err := w.store.InsertDualControlRequest(ctx, storage.DualControlRequest{
		ID:          uuid.New(),
		EntityType:  in.EntityType,
		EntityID:    in.EntityID,
		Action:      in.Action,
		Status:      storage.DualControlPending,
		RequestedBy: in.RequestedBy,
		Context:     reqCtx,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return storage.DualControlRequest{}, fmt.Errorf("insert dual-control request: %w", err)
	}

	w.audit.Record(ctx, audit.ID(in.RequestedBy), ActionRequested, in.EntityType, audit.ID(in.EntityID), map[string]any{
		"action": in.Action,
	})
	return req, nil
}

// Resolve approves or rejects a pending request. Every approval precondition
// is checked before anything is written.
func (w *Workflow) Resolve(ctx context.Context, in ResolveInput) (storage.DualControlRequest, error) {
	existing, err := w.store.GetDualControlRequest(ctx, in.RequestID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.DualControlRequest{}, domain.NotFound("dual-control request %s not found", in.RequestID)
	}
	if err != nil {
		return storage.DualControlRequest{}, fmt.Errorf("load dual-control request: %w", err)
	}
	if existing.Status != storage.DualControlPending {
		return storage.DualControlRequest{}, domain.ErrAlreadyProcessed
	}

	now := w.now()
	res := storage.DualControlResolution{
		PrimaryApproverID: in.ApproverID,
		At:                now,
	}
	if in.Approve {
		if err := w.checkApproval(ctx, in); err != nil {
			return storage.DualControlRequest{}, err
		}
		reason := strings.TrimSpace(in.ApprovalReason)
		res.Status = storage.DualControlApproved
		res.ApprovalReason = &reason
		res.SecondaryApproverID = in.SecondaryApproverID
	} else {
		reason := strings.TrimSpace(in.RejectionReason)
		if reason == "" {
			reason = DefaultRejectionReason
		}
		res.Status = storage.DualControlRejected
		res.RejectionReason = &reason
	}

	updated, err := w.store.ResolveDualControlRequest(ctx, in.RequestID, res)
	if errors.Is(err, storage.ErrStaleState) {
		return storage.DualControlRequest{}, domain.ErrAlreadyProcessed
	}
	if err != nil {
		return storage.DualControlRequest{}, fmt.Errorf("resolve dual-control request: %w", err)
	}

	action := ActionRejected
	var secondaryApprovedAt any
	if in.Approve {
		action = ActionApproved
		secondaryApprovedAt = now
	}
	var secondary any
	if in.SecondaryApproverID != nil {
		secondary = in.SecondaryApproverID.String()
	}
	w.audit.Record(ctx, audit.ID(in.ApproverID), action, existing.EntityType, audit.ID(existing.EntityID), map[string]any{
		"action":              existing.Action,
		"approvalReason":      derefOrNil(res.ApprovalReason),
		"rejectionReason":     derefOrNil(res.RejectionReason),
		"secondaryApproverId": secondary,
		"secondaryApprovedAt": secondaryApprovedAt,
	})

	w.logger.Info().
		Str("request_id", in.RequestID.String()).
		Str("entity_type", existing.EntityType).
		Str("status", updated.Status).
		Msg("dual-control request resolved")
	return updated, nil
}

// ListPending returns pending requests, oldest first.
func (w *Workflow) ListPending(ctx context.Context) ([]storage.DualControlRequest, error) {
	return w.store.ListPendingDualControlRequests(ctx)
}

// PendingForEntity returns the pending request gating entityID.
func (w *Workflow) PendingForEntity(ctx context.Context, entityType string, entityID uuid.UUID) (storage.DualControlRequest, error) {
	req, err := w.store.GetPendingDualControlForEntity(ctx, entityType, entityID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.DualControlRequest{}, domain.NotFound("no pending dual-control request for %s %s", entityType, entityID)
	}
	return req, err
}

func (w *Workflow) checkApproval(ctx context.Context, in ResolveInput) error {
	if strings.TrimSpace(in.ApprovalReason) == "" {
		return domain.Validation("approval reason is required")
	}
	if in.SecondaryApproverID == nil || *in.SecondaryApproverID == uuid.Nil {
		return domain.Validation("secondary approver is required")
	}
	if *in.SecondaryApproverID == in.ApproverID {
		return domain.Validation("secondary approver must differ from primary")
	}
	found, err := w.approvers.CountUsersByIDs(ctx, []uuid.UUID{in.ApproverID, *in.SecondaryApproverID})
	if err != nil {
		return fmt.Errorf("look up approvers: %w", err)
	}
	if found != 2 {
		return domain.NotFound("approver(s) not found")
	}
	return nil
}

func derefOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
