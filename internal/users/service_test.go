package users

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"otc-settlement/internal/audit"
	"otc-settlement/internal/domain"
	"otc-settlement/internal/dualcontrol"
	"otc-settlement/internal/storage"
	"otc-settlement/internal/storage/memstore"
)

type harness struct {
	store     *memstore.Store
	svc       *Service
	workflow  *dualcontrol.Workflow
	primary   uuid.UUID
	secondary uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New()
	recorder := audit.NewRecorder(store, nil, zerolog.Nop())
	wf := dualcontrol.NewWorkflow(store, store, recorder, nil, zerolog.Nop())
	h := &harness{
		store:    store,
		workflow: wf,
		svc:      NewService(store, wf, recorder, Options{BcryptCost: bcrypt.MinCost}, zerolog.Nop()),
	}
	for i, email := range []string{"admin1@example.com", "admin2@example.com"} {
		u, err := store.InsertUser(context.Background(), storage.User{Email: email, Role: storage.UserRoleAdmin, Status: storage.UserStatusApproved})
		if err != nil {
			t.Fatalf("插入审批人失败: %v", err)
		}
		if i == 0 {
			h.primary = u.ID
		} else {
			h.secondary = u.ID
		}
	}
	return h
}

func (h *harness) createOps(t *testing.T, email string) (storage.User, storage.DualControlRequest) {
	t.Helper()
	user, req, err := h.svc.Create(context.Background(), CreateInput{
		Email:     email,
		FirstName: "Ops",
		LastName:  "User",
		Password:  "Password123",
		Role:      storage.UserRoleOps,
	})
	if err != nil {
		t.Fatalf("创建用户失败: %v", err)
	}
	return user, req
}

func TestCreateOpsUserIsPendingWithOneRequest(t *testing.T) {
	h := newHarness(t)
	user, req := h.createOps(t, "Ops.User@Example.com")

	if user.Status != storage.UserStatusPending {
		t.Fatalf("期望状态 pending，实际 %s", user.Status)
	}
	if user.Email != "ops.user@example.com" {
		t.Fatalf("邮箱未规范化: %s", user.Email)
	}
	if user.HashedPassword == "Password123" || user.HashedPassword == "" {
		t.Fatalf("密码未被哈希")
	}

	pending, err := h.workflow.ListPending(context.Background())
	if err != nil {
		t.Fatalf("列出待审批失败: %v", err)
	}
	count := 0
	for _, p := range pending {
		if p.EntityType == EntityType && p.EntityID == user.ID {
			count++
			if p.Action != ActivationAction {
				t.Fatalf("期望 action %s，实际 %s", ActivationAction, p.Action)
			}
			if p.RequestedBy != user.ID {
				t.Fatalf("未指定创建人时请求人应为新用户本身")
			}
		}
	}
	if count != 1 || pending[0].ID != req.ID {
		t.Fatalf("期望恰好一个待审批请求，实际 %d", count)
	}
}

func TestCreateRejectsDuplicateAndBadInput(t *testing.T) {
	h := newHarness(t)
	h.createOps(t, "dup@example.com")

	_, _, err := h.svc.Create(context.Background(), CreateInput{Email: "DUP@example.com", FirstName: "a", LastName: "b", Password: "Password123"})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("期望冲突错误，实际 %v", err)
	}

	bad := []CreateInput{
		{Email: "not-an-email", FirstName: "a", LastName: "b", Password: "Password123"},
		{Email: "x@example.com", FirstName: "", LastName: "b", Password: "Password123"},
		{Email: "x@example.com", FirstName: "a", LastName: "b", Password: "short"},
		{Email: "x@example.com", FirstName: "a", LastName: "b", Password: "Password123", Role: "root"},
	}
	for i, in := range bad {
		if _, _, err := h.svc.Create(context.Background(), in); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("用例 %d 期望校验错误，实际 %v", i, err)
		}
	}
}

func TestCreateDefaultsRoleToViewer(t *testing.T) {
	h := newHarness(t)
	creator := h.primary
	user, req, err := h.svc.Create(context.Background(), CreateInput{
		Email: "viewer@example.com", FirstName: "V", LastName: "W", Password: "Password123", CreatedBy: &creator,
	})
	if err != nil {
		t.Fatalf("创建用户失败: %v", err)
	}
	if user.Role != storage.UserRoleViewer {
		t.Fatalf("期望默认角色 viewer，实际 %s", user.Role)
	}
	if req.RequestedBy != creator {
		t.Fatalf("请求人应为创建人")
	}
	log := h.store.AuditLog()
	last := log[len(log)-1]
	if last.Action != "user_created" || last.ActorUserID == nil || *last.ActorUserID != creator {
		t.Fatalf("审计记录不正确: %+v", last)
	}
}

func TestApproveActivatesUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user, req := h.createOps(t, "ops@example.com")

	approved, err := h.svc.Approve(ctx, ApproveInput{
		UserID:              user.ID,
		ApproverID:          h.primary,
		SecondaryApproverID: h.secondary,
		RequestID:           req.ID,
		Reason:              "Need ops coverage",
	})
	if err != nil {
		t.Fatalf("审批失败: %v", err)
	}
	if approved.Status != storage.UserStatusApproved {
		t.Fatalf("期望 approved，实际 %s", approved.Status)
	}

	resolved, err := h.store.GetDualControlRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("读取请求失败: %v", err)
	}
	if resolved.Status != storage.DualControlApproved {
		t.Fatalf("双人审批请求应为 approved，实际 %s", resolved.Status)
	}

	_, err = h.svc.Approve(ctx, ApproveInput{
		UserID: user.ID, ApproverID: h.primary, SecondaryApproverID: h.secondary, RequestID: req.ID, Reason: "again please",
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("重复审批应返回冲突，实际 %v", err)
	}
}

func TestApproveWithSameApproverLeavesUserPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user, req := h.createOps(t, "ops@example.com")

	_, err := h.svc.Approve(ctx, ApproveInput{
		UserID: user.ID, ApproverID: h.primary, SecondaryApproverID: h.primary, RequestID: req.ID, Reason: "coverage",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("期望校验错误，实际 %v", err)
	}
	_, err = h.svc.Approve(ctx, ApproveInput{
		UserID: user.ID, ApproverID: h.primary, SecondaryApproverID: h.secondary, RequestID: req.ID, Reason: "",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("空原因应返回校验错误，实际 %v", err)
	}

	current, _ := h.store.GetUser(ctx, user.ID)
	if current.Status != storage.UserStatusPending {
		t.Fatalf("用户应保持 pending，实际 %s", current.Status)
	}
}

func TestApproveRejectsForeignRequest(t *testing.T) {
	h := newHarness(t)
	userA, _ := h.createOps(t, "a@example.com")
	_, reqB := h.createOps(t, "b@example.com")

	_, err := h.svc.Approve(context.Background(), ApproveInput{
		UserID: userA.ID, ApproverID: h.primary, SecondaryApproverID: h.secondary, RequestID: reqB.ID, Reason: "coverage",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("错配的请求应被拒绝，实际 %v", err)
	}
}

func TestRejectUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user, req := h.createOps(t, "ops@example.com")

	if _, err := h.svc.Reject(ctx, RejectInput{UserID: user.ID, ApproverID: h.primary, RequestID: req.ID}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("缺少原因应返回校验错误，实际 %v", err)
	}

	rejected, err := h.svc.Reject(ctx, RejectInput{UserID: user.ID, ApproverID: h.primary, RequestID: req.ID, Reason: "duplicate account"})
	if err != nil {
		t.Fatalf("拒绝失败: %v", err)
	}
	if rejected.Status != storage.UserStatusRejected {
		t.Fatalf("期望 rejected，实际 %s", rejected.Status)
	}

	list, err := h.svc.ListByStatus(ctx, storage.UserStatusRejected)
	if err != nil || len(list) != 1 {
		t.Fatalf("期望一个 rejected 用户，实际 %d (%v)", len(list), err)
	}
	if _, err := h.svc.ListByStatus(ctx, "archived"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("未知状态应返回校验错误")
	}
}

func TestVerifyPassword(t *testing.T) {
	h := newHarness(t)
	h.createOps(t, "ops@example.com")
	ctx := context.Background()

	ok, err := h.svc.VerifyPassword(ctx, "OPS@example.com", "Password123")
	if err != nil || !ok {
		t.Fatalf("正确密码应通过: ok=%v err=%v", ok, err)
	}
	ok, err = h.svc.VerifyPassword(ctx, "ops@example.com", "wrong-password")
	if err != nil || ok {
		t.Fatalf("错误密码不应通过: ok=%v err=%v", ok, err)
	}
	ok, err = h.svc.VerifyPassword(ctx, "nobody@example.com", "Password123")
	if err != nil || ok {
		t.Fatalf("不存在的用户不应通过")
	}
}
