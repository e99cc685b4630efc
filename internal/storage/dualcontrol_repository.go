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
	dualControlColumns = `id, entity_type, entity_id, action, status, requested_by,
        primary_approver_id, secondary_approver_id, approval_reason, rejection_reason,
        secondary_approved_at, approved_at, rejected_at, context, created_at, updated_at`

	insertDualControlSQL = `INSERT INTO dual_control_requests (
        id, entity_type, entity_id, action, status, requested_by, context, created_at, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$8
    );`

	getDualControlSQL = `SELECT ` + dualControlColumns + ` FROM dual_control_requests WHERE id = $1;`

	getPendingDualControlForEntitySQL = `SELECT ` + dualControlColumns + `
    FROM dual_control_requests
    WHERE entity_type = $1
      AND entity_id = $2
      AND status = 'pending'
    ORDER BY created_at
    LIMIT 1;`

	resolveDualControlSQL = `UPDATE dual_control_requests
    SET status                = $2,
        primary_approver_id   = $3,
        secondary_approver_id = $4,
        approval_reason       = $5,
        rejection_reason      = $6,
        secondary_approved_at = $7,
        approved_at           = $8,
        rejected_at           = $9,
        updated_at            = $10
    WHERE id = $1
      AND status = 'pending'
    RETURNING ` + dualControlColumns + `;`

	listPendingDualControlSQL = `SELECT ` + dualControlColumns + `
    FROM dual_control_requests
    WHERE status = 'pending'
    ORDER BY created_at, id;`
)

// InsertDualControlRequest stores a new request.
func (s *Store) InsertDualControlRequest(ctx context.Context, req DualControlRequest) (DualControlRequest, error) {
	pool, err := s.getPool()
	if err != nil {
		return DualControlRequest{}, err
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.UpdatedAt = req.CreatedAt
	raw, err := marshalJSON(req.Context)
	if err != nil {
		return DualControlRequest{}, fmt.Errorf("marshal dual-control context: %w", err)
	}

	_, err = pool.Exec(ctx, insertDualControlSQL,
		req.ID, req.EntityType, req.EntityID, req.Action, req.Status, req.RequestedBy, raw, req.CreatedAt,
	)
	if err != nil {
		return DualControlRequest{}, fmt.Errorf("insert dual-control request: %w", err)
	}
	return req, nil
}

// GetDualControlRequest loads a request by id.
func (s *Store) GetDualControlRequest(ctx context.Context, id uuid.UUID) (DualControlRequest, error) {
	pool, err := s.getPool()
	if err != nil {
		return DualControlRequest{}, err
	}
	req, err := scanDualControl(pool.QueryRow(ctx, getDualControlSQL, id))
	if err != nil {
		return DualControlRequest{}, notFound("get dual-control request", err)
	}
	return req, nil
}

// GetPendingDualControlForEntity returns the oldest pending request for an entity.
func (s *Store) GetPendingDualControlForEntity(ctx context.Context, entityType string, entityID uuid.UUID) (DualControlRequest, error) {
	pool, err := s.getPool()
	if err != nil {
		return DualControlRequest{}, err
	}
	req, err := scanDualControl(pool.QueryRow(ctx, getPendingDualControlForEntitySQL, entityType, entityID))
	if err != nil {
		return DualControlRequest{}, notFound("get pending dual-control request", err)
	}
	return req, nil
}

// ResolveDualControlRequest applies res only while the request is pending.
// ErrStaleState is returned when another resolver got there first.
func (s *Store) ResolveDualControlRequest(ctx context.Context, id uuid.UUID, res DualControlResolution) (DualControlRequest, error) {
	pool, err := s.getPool()
	if err != nil {
		return DualControlRequest{}, err
	}

	var secondaryApprovedAt, approvedAt, rejectedAt *time.Time
	at := res.At
	switch res.Status {
	case DualControlApproved:
		approvedAt = &at
		if res.SecondaryApproverID != nil {
			secondaryApprovedAt = &at
		}
	case DualControlRejected:
		rejectedAt = &at
	default:
		return DualControlRequest{}, fmt.Errorf("resolve dual-control request: unsupported status %q", res.Status)
	}

	req, err := scanDualControl(pool.QueryRow(ctx, resolveDualControlSQL,
		id, res.Status, res.PrimaryApproverID, res.SecondaryApproverID, res.ApprovalReason, res.RejectionReason,
		secondaryApprovedAt, approvedAt, rejectedAt, at,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DualControlRequest{}, fmt.Errorf("resolve dual-control request: %w", ErrStaleState)
		}
		return DualControlRequest{}, fmt.Errorf("resolve dual-control request: %w", err)
	}
	return req, nil
}

// ListPendingDualControlRequests returns pending requests, oldest first.
func (s *Store) ListPendingDualControlRequests(ctx context.Context) ([]DualControlRequest, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listPendingDualControlSQL)
	if err != nil {
		return nil, fmt.Errorf("query pending dual-control requests: %w", err)
	}
	defer rows.Close()

	var out []DualControlRequest
	for rows.Next() {
		req, err := scanDualControl(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dual-control request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dual-control requests: %w", err)
	}
	return out, nil
}

func scanDualControl(row rowScanner) (DualControlRequest, error) {
	var (
		req DualControlRequest
		raw []byte
	)
	err := row.Scan(
		&req.ID, &req.EntityType, &req.EntityID, &req.Action, &req.Status, &req.RequestedBy,
		&req.PrimaryApproverID, &req.SecondaryApproverID, &req.ApprovalReason, &req.RejectionReason,
		&req.SecondaryApprovedAt, &req.ApprovedAt, &req.RejectedAt, &raw, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return DualControlRequest{}, err
	}
	if req.Context, err = unmarshalJSON(raw); err != nil {
		return DualControlRequest{}, fmt.Errorf("decode dual-control context: %w", err)
	}
	return req, nil
}
