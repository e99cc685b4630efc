package storage

import (
	"context"
	"fmt"
	"time"
)

const (
	insertAuditLogSQL = `INSERT INTO audit_logs (actor_user_id, action, entity_type, entity_id, metadata, created_at)
    VALUES ($1,$2,$3,$4,$5,$6);`

	getFeatureFlagSQL = `SELECT key, is_enabled, description, updated_at FROM feature_flags WHERE key = $1;`

	upsertFeatureFlagSQL = `INSERT INTO feature_flags (key, is_enabled, description, updated_at)
    VALUES ($1,$2,$3,$4)
    ON CONFLICT (key) DO UPDATE
    SET is_enabled  = EXCLUDED.is_enabled,
        description = CASE WHEN EXCLUDED.description = '' THEN feature_flags.description ELSE EXCLUDED.description END,
        updated_at  = EXCLUDED.updated_at
    RETURNING key, is_enabled, description, updated_at;`
)

// InsertAuditLog appends an audit entry.
func (s *Store) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	metadata, err := marshalJSON(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	if _, err := pool.Exec(ctx, insertAuditLogSQL,
		entry.ActorUserID, entry.Action, entry.EntityType, entry.EntityID, metadata, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// GetFeatureFlag loads a persisted flag.
func (s *Store) GetFeatureFlag(ctx context.Context, key string) (FeatureFlag, error) {
	pool, err := s.getPool()
	if err != nil {
		return FeatureFlag{}, err
	}
	var flag FeatureFlag
	if err := pool.QueryRow(ctx, getFeatureFlagSQL, key).Scan(&flag.Key, &flag.IsEnabled, &flag.Description, &flag.UpdatedAt); err != nil {
		return FeatureFlag{}, notFound("get feature flag", err)
	}
	return flag, nil
}

// UpsertFeatureFlag creates or updates a flag. An empty description keeps the stored one.
func (s *Store) UpsertFeatureFlag(ctx context.Context, flag FeatureFlag) (FeatureFlag, error) {
	pool, err := s.getPool()
	if err != nil {
		return FeatureFlag{}, err
	}
	if flag.UpdatedAt.IsZero() {
		flag.UpdatedAt = time.Now().UTC()
	}
	var out FeatureFlag
	err = pool.QueryRow(ctx, upsertFeatureFlagSQL, flag.Key, flag.IsEnabled, flag.Description, flag.UpdatedAt).
		Scan(&out.Key, &out.IsEnabled, &out.Description, &out.UpdatedAt)
	if err != nil {
		return FeatureFlag{}, fmt.Errorf("upsert feature flag: %w", err)
	}
	return out, nil
}
