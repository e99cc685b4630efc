package bot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otc-settlement/internal/storage"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type stubApprovals struct {
	reqs []storage.DualControlRequest
	err  error
}

func (s stubApprovals) ListPending(context.Context) ([]storage.DualControlRequest, error) {
	return s.reqs, s.err
}

type stubJobs struct {
	jobs  []storage.SettlementJob
	limit int
}

func (s *stubJobs) ListQueued(_ context.Context, limit int) ([]storage.SettlementJob, error) {
	s.limit = limit
	return s.jobs, nil
}

type stubFlags bool

func (f stubFlags) Enabled(context.Context, string) (bool, error) { return bool(f), nil }

func pendingFixture() []storage.DualControlRequest {
	return []storage.DualControlRequest{
		{ID: uuid.New(), EntityType: "user", EntityID: uuid.New(), Action: "user_activation", RequestedBy: uuid.New(), CreatedAt: fixedNow.Add(-90 * time.Minute)},
		{ID: uuid.New(), EntityType: "wallet", EntityID: uuid.New(), Action: "withdrawal", RequestedBy: uuid.New(), CreatedAt: fixedNow.Add(-5 * time.Minute)},
	}
}

func TestFormatPendingKeepsOrder(t *testing.T) {
	reqs := pendingFixture()
	out := FormatPending(reqs, fixedNow)

	assert.Contains(t, out, "Pending dual-control requests (2)")
	first := strings.Index(out, "user_activation")
	second := strings.Index(out, "withdrawal")
	require.True(t, first >= 0 && second >= 0)
	assert.Less(t, first, second)
	assert.Contains(t, out, "waiting 1h30m0s")
	assert.Contains(t, out, reqs[0].ID.String())

	assert.Equal(t, "No pending dual-control requests.", FormatPending(nil, fixedNow))
}

func TestFormatQueue(t *testing.T) {
	jobs := []storage.SettlementJob{
		{ID: uuid.New(), Payload: map[string]any{"notional": "1000"}, CreatedAt: fixedNow.Add(-time.Minute)},
		{ID: uuid.New(), Payload: map[string]any{}, Attempts: 2, CreatedAt: fixedNow},
	}
	out := FormatQueue(jobs, fixedNow)
	assert.Contains(t, out, "notional 1000, attempts 0, queued 1m0s")
	assert.Contains(t, out, "notional ?, attempts 2")
	assert.Equal(t, "Settlement queue is empty.", FormatQueue(nil, fixedNow))
}

func TestHandleCommand(t *testing.T) {
	jobs := &stubJobs{}
	b := NewWithAPI(nil, Deps{
		Approvals: stubApprovals{reqs: pendingFixture()},
		Jobs:      jobs,
		Flags:     stubFlags(true),
		Health:    func(context.Context) error { return errors.New("connection refused") },
		Now:       func() time.Time { return fixedNow },
	}, Options{QueueLimit: 3}, zerolog.Nop())
	ctx := context.Background()

	health := b.HandleCommand(ctx, "health")
	assert.Contains(t, health, "Database: DOWN (connection refused)")
	assert.Contains(t, health, "Auto-settlement: on")

	assert.Contains(t, b.HandleCommand(ctx, "DualControl"), "user_activation")
	assert.Equal(t, "Settlement queue is empty.", b.HandleCommand(ctx, "queue"))
	assert.Equal(t, 3, jobs.limit)
	assert.Contains(t, b.HandleCommand(ctx, "approve"), "Unknown command /approve")

	bare := NewWithAPI(nil, Deps{}, Options{}, zerolog.Nop())
	assert.Contains(t, bare.HandleCommand(ctx, "health"), "Database: not configured")
	assert.Equal(t, "Dual-control store not configured.", bare.HandleCommand(ctx, "dualcontrol"))

	failing := NewWithAPI(nil, Deps{Approvals: stubApprovals{err: errors.New("boom")}}, Options{}, zerolog.Nop())
	assert.Equal(t, "Failed to load pending approvals.", failing.HandleCommand(ctx, "dualcontrol"))
}

type telegramStub struct {
	mu   sync.Mutex
	sent []string
}

func (s *telegramStub) handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"id": 1, "is_bot": true, "first_name": "otc", "username": "otc_bot"},
		})
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		_ = r.ParseForm()
		s.mu.Lock()
		s.sent = append(s.sent, r.FormValue("chat_id")+":"+r.FormValue("text"))
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 2, "date": 0, "chat": map[string]any{"id": 7, "type": "private"}},
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func commandUpdate(chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 1,
		Text:      text,
		Chat:      &tgbotapi.Chat{ID: chatID},
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}},
	}}
}

func TestHandleUpdateRepliesToAllowedChats(t *testing.T) {
	stub := &telegramStub{}
	srv := httptest.NewServer(http.HandlerFunc(stub.handler))
	defer srv.Close()

	api, err := tgbotapi.NewBotAPIWithClient("TOKEN", srv.URL+"/bot%s/%s", srv.Client())
	require.NoError(t, err)

	b := NewWithAPI(api, Deps{Jobs: &stubJobs{}}, Options{AllowedChats: []int64{7}}, zerolog.Nop())
	b.handleUpdate(context.Background(), commandUpdate(7, "/queue"))
	b.handleUpdate(context.Background(), commandUpdate(99, "/queue"))
	b.handleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{Text: "hello", Chat: &tgbotapi.Chat{ID: 7}}})

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.sent, 1)
	assert.Equal(t, "7:Settlement queue is empty.", stub.sent[0])
}
