package dualcontrol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otc-settlement/internal/audit"
	"otc-settlement/internal/domain"
	"otc-settlement/internal/storage"
	"otc-settlement/internal/storage/memstore"
)

type workflowSuite struct {
	store     *memstore.Store
	workflow  *Workflow
	primary   uuid.UUID
	secondary uuid.UUID
	requester uuid.UUID
}

func newSuite(t *testing.T) *workflowSuite {
	t.Helper()
	store := memstore.New()
	recorder := audit.NewRecorder(store, nil, zerolog.Nop())
	s := &workflowSuite{
		store:    store,
		workflow: NewWorkflow(store, store, recorder, nil, zerolog.Nop()),
	}
	s.primary = s.user(t, "primary@example.com")
	s.secondary = s.user(t, "secondary@example.com")
	s.requester = s.user(t, "requester@example.com")
	return s
}

func (s *workflowSuite) user(t *testing.T, email string) uuid.UUID {
	t.Helper()
	u, err := s.store.InsertUser(context.Background(), storage.User{
		Email:  email,
		Role:   storage.UserRoleAdmin,
		Status: storage.UserStatusApproved,
	})
	require.NoError(t, err)
	return u.ID
}

func (s *workflowSuite) pending(t *testing.T, entityType string) storage.DualControlRequest {
	t.Helper()
	req, err := s.workflow.Create(context.Background(), CreateInput{
		EntityType:  entityType,
		EntityID:    uuid.New(),
		Action:      "activate",
		RequestedBy: s.requester,
	})
	require.NoError(t, err)
	return req
}

func ptr(id uuid.UUID) *uuid.UUID { return &id }

func TestCreateWritesPendingRequestAndAudit(t *testing.T) {
	s := newSuite(t)
	req := s.pending(t, "user")

	assert.Equal(t, storage.DualControlPending, req.Status)
	log := s.store.AuditLog()
	require.Len(t, log, 1)
	assert.Equal(t, ActionRequested, log[0].Action)
	assert.Equal(t, "activate", log[0].Metadata["action"])

	_, err := s.workflow.Create(context.Background(), CreateInput{EntityType: "user", Action: "x", RequestedBy: s.requester})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestApproveValidationFailures(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()

	for _, entityType := range []string{"user", "settlement", "wallet"} {
		req := s.pending(t, entityType)
		cases := []struct {
			name string
			in   ResolveInput
		}{
			{"blank reason", ResolveInput{RequestID: req.ID, ApproverID: s.primary, Approve: true, ApprovalReason: "   ", SecondaryApproverID: ptr(s.secondary)}},
			{"missing secondary", ResolveInput{RequestID: req.ID, ApproverID: s.primary, Approve: true, ApprovalReason: "ok"}},
			{"same approver", ResolveInput{RequestID: req.ID, ApproverID: s.primary, Approve: true, ApprovalReason: "ok", SecondaryApproverID: ptr(s.primary)}},
		}
		for _, tc := range cases {
			_, err := s.workflow.Resolve(ctx, tc.in)
			assert.ErrorIs(t, err, domain.ErrValidation, "%s/%s", entityType, tc.name)
		}

		current, err := s.store.GetDualControlRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.DualControlPending, current.Status, entityType)
	}
}

func TestApproveRequiresExistingApprovers(t *testing.T) {
	s := newSuite(t)
	req := s.pending(t, "user")

	_, err := s.workflow.Resolve(context.Background(), ResolveInput{
		RequestID:           req.ID,
		ApproverID:          s.primary,
		Approve:             true,
		ApprovalReason:      "coverage",
		SecondaryApproverID: ptr(uuid.New()),
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApproveThenSecondResolveFails(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	req := s.pending(t, "user")

	approved, err := s.workflow.Resolve(ctx, ResolveInput{
		RequestID:           req.ID,
		ApproverID:          s.primary,
		Approve:             true,
		ApprovalReason:      "Need ops coverage",
		SecondaryApproverID: ptr(s.secondary),
	})
	require.NoError(t, err)
	assert.Equal(t, storage.DualControlApproved, approved.Status)
	require.NotNil(t, approved.PrimaryApproverID)
	assert.Equal(t, s.primary, *approved.PrimaryApproverID)
	require.NotNil(t, approved.SecondaryApproverID)
	assert.Equal(t, s.secondary, *approved.SecondaryApproverID)
	assert.NotNil(t, approved.ApprovedAt)
	assert.NotNil(t, approved.SecondaryApprovedAt)
	require.NotNil(t, approved.ApprovalReason)
	assert.Equal(t, "Need ops coverage", *approved.ApprovalReason)

	_, err = s.workflow.Resolve(ctx, ResolveInput{RequestID: req.ID, ApproverID: s.secondary})
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	assert.Equal(t, 409, domain.StatusCode(err))

	log := s.store.AuditLog()
	last := log[len(log)-1]
	assert.Equal(t, ActionApproved, last.Action)
	assert.Equal(t, s.secondary.String(), last.Metadata["secondaryApproverId"])
	assert.Nil(t, last.Metadata["rejectionReason"])
}

func TestRejectDefaultsReason(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	req := s.pending(t, "settlement")

	rejected, err := s.workflow.Resolve(ctx, ResolveInput{RequestID: req.ID, ApproverID: s.primary})
	require.NoError(t, err)
	assert.Equal(t, storage.DualControlRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, DefaultRejectionReason, *rejected.RejectionReason)
	assert.NotNil(t, rejected.RejectedAt)
	assert.Nil(t, rejected.ApprovedAt)

	_, err = s.workflow.Resolve(ctx, ResolveInput{RequestID: req.ID, ApproverID: s.primary, Approve: true, ApprovalReason: "late", SecondaryApproverID: ptr(s.secondary)})
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)

	log := s.store.AuditLog()
	last := log[len(log)-1]
	assert.Equal(t, ActionRejected, last.Action)
	assert.Nil(t, last.Metadata["secondaryApprovedAt"])
}

func TestResolveUnknownRequest(t *testing.T) {
	s := newSuite(t)
	_, err := s.workflow.Resolve(context.Background(), ResolveInput{RequestID: uuid.New(), ApproverID: s.primary})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentResolveSucceedsOnce(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	req := s.pending(t, "user")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(approve bool) {
			defer wg.Done()
			_, err := s.workflow.Resolve(ctx, ResolveInput{
				RequestID:           req.ID,
				ApproverID:          s.primary,
				Approve:             approve,
				ApprovalReason:      "ok",
				SecondaryApproverID: ptr(s.secondary),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrAlreadyProcessed):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 7, conflicts)
}

func TestListPendingOldestFirst(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store := memstore.New()
	wf := NewWorkflow(store, store, audit.NewRecorder(store, nil, zerolog.Nop()), func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}, zerolog.Nop())
	ctx := context.Background()
	requester := uuid.New()

	var created []uuid.UUID
	for i := 0; i < 3; i++ {
		req, err := wf.Create(ctx, CreateInput{EntityType: "user", EntityID: uuid.New(), Action: "user_activation", RequestedBy: requester})
		require.NoError(t, err)
		created = append(created, req.ID)
	}

	pending, err := wf.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, req := range pending {
		assert.Equal(t, created[i], req.ID)
	}
}

func TestAuditFailureDoesNotBlockResolve(t *testing.T) {
	s := newSuite(t)
	req := s.pending(t, "user")
	s.store.AuditErr = errors.New("audit table locked")

	_, err := s.workflow.Resolve(context.Background(), ResolveInput{RequestID: req.ID, ApproverID: s.primary, RejectionReason: "duplicate account"})
	require.NoError(t, err)
}
