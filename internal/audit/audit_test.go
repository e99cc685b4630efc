package audit

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"otc-settlement/internal/storage/memstore"
)

func TestRecordWritesEntry(t *testing.T) {
	store := memstore.New()
	rec := NewRecorder(store, nil, zerolog.Nop())

	actor := uuid.New()
	rec.Record(context.Background(), ID(actor), "rfq_created", "rfq", ID(uuid.New()), map[string]any{"asset": "USDT"})

	log := store.AuditLog()
	if len(log) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(log))
	}
	if log[0].Action != "rfq_created" || *log[0].ActorUserID != actor {
		t.Fatalf("unexpected entry: %+v", log[0])
	}
}

func TestRecordSwallowsStoreFailure(t *testing.T) {
	store := memstore.New()
	store.AuditErr = errors.New("disk full")

	var buf bytes.Buffer
	rec := NewRecorder(store, nil, zerolog.New(&buf))
	rec.Record(context.Background(), nil, "user_created", "user", nil, nil)

	if !strings.Contains(buf.String(), "failed to write audit log") {
		t.Fatalf("failure should be logged, got %q", buf.String())
	}
}
