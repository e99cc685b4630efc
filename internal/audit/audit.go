package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"otc-settlement/internal/storage"
)

// Recorder writes audit entries best-effort. Write failures are logged and
// never reach the caller.
type Recorder struct {
	store  storage.AuditStore
	now    func() time.Time
	logger zerolog.Logger
}

// NewRecorder builds a Recorder. A nil store turns every call into a log line.
func NewRecorder(store storage.AuditStore, now func() time.Time, logger zerolog.Logger) *Recorder {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Recorder{store: store, now: now, logger: logger.With().Str("component", "audit").Logger()}
}

// Record appends one entry.
func (r *Recorder) Record(ctx context.Context, actor *uuid.UUID, action, entityType string, entityID *uuid.UUID, metadata map[string]any) {
	if r == nil {
		return
	}
	entry := storage.AuditLogEntry{
		ActorUserID: actor,
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		Metadata:    metadata,
		CreatedAt:   r.now(),
	}
	if r.store == nil {
		r.logger.Debug().Str("action", action).Str("entity_type", entityType).Msg("audit store not configured")
		return
	}
	if err := r.store.InsertAuditLog(ctx, entry); err != nil {
		r.logger.Error().Err(err).Str("action", action).Str("entity_type", entityType).Msg("failed to write audit log")
	}
}

// ID returns a pointer to id, for the optional actor/entity fields.
func ID(id uuid.UUID) *uuid.UUID {
	return &id
}
