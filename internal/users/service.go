// Package users onboards operator accounts. New accounts start pending and are
// activated only through a dual-control approval.
package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"otc-settlement/internal/audit"
	"otc-settlement/internal/domain"
	"otc-settlement/internal/dualcontrol"
	"otc-settlement/internal/storage"
)

const (
	// DefaultBcryptCost matches the cost used for operator passwords in production.
	DefaultBcryptCost = 12
	// ActivationAction names the dual-control action gating a pending user.
	ActivationAction = "user_activation"
	// EntityType is the dual-control and audit entity type for users.
	EntityType = "user"

	minPasswordLength = 8
	minReasonLength   = 5
)

// CreateInput describes a new operator.
type CreateInput struct {
	Email     string
	FirstName string
	LastName  string
	Password  string
	Role      string
	CreatedBy *uuid.UUID
}

// ApproveInput activates a pending user.
type ApproveInput struct {
	UserID              uuid.UUID
	ApproverID          uuid.UUID
	SecondaryApproverID uuid.UUID
	RequestID           uuid.UUID
	Reason              string
}

// RejectInput rejects a pending user.
type RejectInput struct {
	UserID     uuid.UUID
	ApproverID uuid.UUID
	RequestID  uuid.UUID
	Reason     string
}

// Options tunes a Service.
type Options struct {
	BcryptCost int
	Now        func() time.Time
}

// Service creates and activates users.
type Service struct {
	store    storage.UserStore
	workflow *dualcontrol.Workflow
	audit    *audit.Recorder
	cost     int
	now      func() time.Time
	logger   zerolog.Logger
}

func NewService(store storage.UserStore, workflow *dualcontrol.Workflow, recorder *audit.Recorder, opts Options, logger zerolog.Logger) *Service {
	if opts.BcryptCost == 0 {
		opts.BcryptCost = DefaultBcryptCost
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:    store,
		workflow: workflow,
		audit:    recorder,
		cost:     opts.BcryptCost,
		now:      opts.Now,
		logger:   logger.With().Str("component", "users").Logger(),
	}
}

// Create stores a pending user and opens its activation request.
func (s *Service) Create(ctx context.Context, in CreateInput) (storage.User, storage.DualControlRequest, error) {
	email, err := validateCreate(&in)
	if err != nil {
		return storage.User{}, storage.DualControlRequest{}, err
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return storage.User{}, storage.DualControlRequest{}, domain.Conflict("user %s already exists", email)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, storage.DualControlRequest{}, fmt.Errorf("look up user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return storage.User{}, storage.DualControlRequest{}, fmt.Errorf("hash password: %w", err)
	}

	now := s.now()
	user, err := s.store.InsertUser(ctx, storage.User{
		ID:             uuid.New(),
		Email:          email,
		FirstName:      strings.TrimSpace(in.FirstName),
		LastName:       strings.TrimSpace(in.LastName),
		Role:           in.Role,
		Status:         storage.UserStatusPending,
		HashedPassword: string(hash),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return storage.User{}, storage.DualControlRequest{}, domain.Conflict("user %s already exists", email)
	}
	if err != nil {
		return storage.User{}, storage.DualControlRequest{}, fmt.Errorf("insert user: %w", err)
	}

	requester := user.ID
	if in.CreatedBy != nil && *in.CreatedBy != uuid.Nil {
		requester = *in.CreatedBy
	}
	req, err := s.workflow.Create(ctx, dualcontrol.CreateInput{
		EntityType:  EntityType,
		EntityID:    user.ID,
		Action:      ActivationAction,
		RequestedBy: requester,
		Context:     map[string]any{"email": email},
	})
	if err != nil {
		return storage.User{}, storage.DualControlRequest{}, err
	}

	s.audit.Record(ctx, audit.ID(requester), "user_created", EntityType, audit.ID(user.ID), map[string]any{
		"role": user.Role,
	})
	s.logger.Info().Str("user_id", user.ID.String()).Str("role", user.Role).Msg("user created, awaiting activation")
	return user, req, nil
}

// Approve resolves the activation request and marks the user approved.
func (s *Service) Approve(ctx context.Context, in ApproveInput) (storage.User, error) {
	if err := checkReason(in.Reason, "approval"); err != nil {
		return storage.User{}, err
	}
	if _, err := s.pendingUser(ctx, in.UserID); err != nil {
		return storage.User{}, err
	}
	if err := s.checkRequest(ctx, in.RequestID, in.UserID); err != nil {
		return storage.User{}, err
	}

	secondary := in.SecondaryApproverID
	if _, err := s.workflow.Resolve(ctx, dualcontrol.ResolveInput{
		RequestID:           in.RequestID,
		ApproverID:          in.ApproverID,
		Approve:             true,
		ApprovalReason:      in.Reason,
		SecondaryApproverID: &secondary,
	}); err != nil {
		return storage.User{}, err
	}

	user, err := s.transition(ctx, in.UserID, storage.UserStatusApproved)
	if err != nil {
		return storage.User{}, err
	}
	s.audit.Record(ctx, audit.ID(in.ApproverID), "user_approved", EntityType, audit.ID(user.ID), map[string]any{
		"reason":              strings.TrimSpace(in.Reason),
		"secondaryApproverId": secondary.String(),
	})
	return user, nil
}

// Reject resolves the activation request as rejected.
func (s *Service) Reject(ctx context.Context, in RejectInput) (storage.User, error) {
	if err := checkReason(in.Reason, "rejection"); err != nil {
		return storage.User{}, err
	}
	if _, err := s.pendingUser(ctx, in.UserID); err != nil {
		return storage.User{}, err
	}
	if err := s.checkRequest(ctx, in.RequestID, in.UserID); err != nil {
		return storage.User{}, err
	}

	if _, err := s.workflow.Resolve(ctx, dualcontrol.ResolveInput{
		RequestID:       in.RequestID,
		ApproverID:      in.ApproverID,
		RejectionReason: in.Reason,
	}); err != nil {
		return storage.User{}, err
	}

	user, err := s.transition(ctx, in.UserID, storage.UserStatusRejected)
	if err != nil {
		return storage.User{}, err
	}
	s.audit.Record(ctx, audit.ID(in.ApproverID), "user_rejected", EntityType, audit.ID(user.ID), map[string]any{
		"reason": strings.TrimSpace(in.Reason),
	})
	return user, nil
}

// ListByStatus returns users in status, oldest first.
func (s *Service) ListByStatus(ctx context.Context, status string) ([]storage.User, error) {
	switch status {
	case storage.UserStatusPending, storage.UserStatusApproved, storage.UserStatusRejected, storage.UserStatusDisabled:
	default:
		return nil, domain.Validation("unknown user status %q", status)
	}
	return s.store.ListUsersByStatus(ctx, status)
}

// VerifyPassword reports whether plaintext matches the stored hash for email.
func (s *Service) VerifyPassword(ctx context.Context, email, plaintext string) (bool, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up user: %w", err)
	}
	err = bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(plaintext))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) pendingUser(ctx context.Context, id uuid.UUID) (storage.User, error) {
	user, err := s.store.GetUser(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, domain.NotFound("user %s not found", id)
	}
	if err != nil {
		return storage.User{}, fmt.Errorf("load user: %w", err)
	}
	if user.Status != storage.UserStatusPending {
		return storage.User{}, domain.Conflict("user %s already processed", id)
	}
	return user, nil
}

// checkRequest rejects a request id that gates some other entity.
func (s *Service) checkRequest(ctx context.Context, requestID, userID uuid.UUID) error {
	req, err := s.workflow.PendingForEntity(ctx, EntityType, userID)
	if err != nil {
		return err
	}
	if req.ID != requestID {
		return domain.Validation("dual-control request %s does not gate user %s", requestID, userID)
	}
	return nil
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to string) (storage.User, error) {
	user, err := s.store.UpdateUserStatus(ctx, id, storage.UserStatusPending, to, s.now())
	if errors.Is(err, storage.ErrStaleState) {
		return storage.User{}, domain.Conflict("user %s already processed", id)
	}
	if err != nil {
		return storage.User{}, fmt.Errorf("update user status: %w", err)
	}
	return user, nil
}

func validateCreate(in *CreateInput) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(in.Email))
	if err != nil {
		return "", domain.Validation("invalid email %q", in.Email)
	}
	if strings.TrimSpace(in.FirstName) == "" || strings.TrimSpace(in.LastName) == "" {
		return "", domain.Validation("first and last name are required")
	}
	if len(in.Password) < minPasswordLength {
		return "", domain.Validation("password must be at least %d characters", minPasswordLength)
	}
	if in.Role == "" {
		in.Role = storage.UserRoleViewer
	}
	switch in.Role {
	case storage.UserRoleAdmin, storage.UserRoleOps, storage.UserRoleViewer, storage.UserRoleSystem:
	default:
		return "", domain.Validation("unknown role %q", in.Role)
	}
	return strings.ToLower(addr.Address), nil
}

func checkReason(reason, kind string) error {
	if strings.TrimSpace(reason) == "" {
		return domain.Validation("%s reason is required", kind)
	}
	if len(strings.TrimSpace(reason)) < minReasonLength {
		return domain.Validation("%s reason must be at least %d characters", kind, minReasonLength)
	}
	return nil
}
