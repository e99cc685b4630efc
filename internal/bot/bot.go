// Package bot serves read-only operator commands over Telegram.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"otc-settlement/internal/featureflag"
	"otc-settlement/internal/storage"
)

// PendingLister lists dual-control requests awaiting a decision.
type PendingLister interface {
	ListPending(ctx context.Context) ([]storage.DualControlRequest, error)
}

// QueueLister lists queued settlement jobs.
type QueueLister interface {
	ListQueued(ctx context.Context, limit int) ([]storage.SettlementJob, error)
}

// FlagSource answers feature toggles.
type FlagSource interface {
	Enabled(ctx context.Context, key string) (bool, error)
}

// Deps collects the data sources commands read from.
type Deps struct {
	Approvals PendingLister
	Jobs      QueueLister
	Flags     FlagSource
	// Health pings the backing store; nil means no store is configured.
	Health func(ctx context.Context) error
	Now    func() time.Time
}

// Options configure polling and output.
type Options struct {
	PollTimeout  int
	QueueLimit   int
	AllowedChats []int64
}

// Bot answers /health, /dualcontrol and /queue.
type Bot struct {
	api     *tgbotapi.BotAPI
	deps    Deps
	opts    Options
	allowed map[int64]struct{}
	logger  zerolog.Logger
}

// New authorises token against the Telegram API.
func New(token string, deps Deps, opts Options, logger zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return NewWithAPI(api, deps, opts, logger), nil
}

// NewWithAPI wraps an already authorised client.
func NewWithAPI(api *tgbotapi.BotAPI, deps Deps, opts Options, logger zerolog.Logger) *Bot {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 60
	}
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = 10
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	allowed := make(map[int64]struct{}, len(opts.AllowedChats))
	for _, id := range opts.AllowedChats {
		allowed[id] = struct{}{}
	}
	b := &Bot{api: api, deps: deps, opts: opts, allowed: allowed}
	b.logger = logger.With().Str("component", "telegram_bot").Logger()
	if api != nil {
		b.logger = b.logger.With().Str("bot", api.Self.UserName).Logger()
	}
	return b
}

// Run polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.opts.PollTimeout
	updates := b.api.GetUpdatesChan(u)
	b.logger.Info().Msg("telegram command bot started")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}
	if len(b.allowed) > 0 {
		if _, ok := b.allowed[msg.Chat.ID]; !ok {
			b.logger.Warn().Int64("chat_id", msg.Chat.ID).Str("command", msg.Command()).Msg("command from unknown chat ignored")
			return
		}
	}

	reply := tgbotapi.NewMessage(msg.Chat.ID, b.HandleCommand(ctx, msg.Command()))
	reply.ReplyToMessageID = msg.MessageID
	if _, err := b.api.Send(reply); err != nil {
		b.logger.Error().Err(err).Int64("chat_id", msg.Chat.ID).Msg("failed to send command reply")
	}
}

// HandleCommand renders the reply for command (without the leading slash).
func (b *Bot) HandleCommand(ctx context.Context, command string) string {
	switch strings.ToLower(command) {
	case "health":
		return b.health(ctx)
	case "dualcontrol":
		if b.deps.Approvals == nil {
			return "Dual-control store not configured."
		}
		pending, err := b.deps.Approvals.ListPending(ctx)
		if err != nil {
			b.logger.Error().Err(err).Msg("list pending approvals")
			return "Failed to load pending approvals."
		}
		return FormatPending(pending, b.deps.Now())
	case "queue":
		if b.deps.Jobs == nil {
			return "Settlement queue not configured."
		}
		jobs, err := b.deps.Jobs.ListQueued(ctx, b.opts.QueueLimit)
		if err != nil {
			b.logger.Error().Err(err).Msg("list queued jobs")
			return "Failed to load the settlement queue."
		}
		return FormatQueue(jobs, b.deps.Now())
	case "start", "help":
		return "Commands:\n/health - service status\n/dualcontrol - pending approvals\n/queue - queued settlement jobs"
	default:
		return fmt.Sprintf("Unknown command /%s. Try /help.", command)
	}
}

func (b *Bot) health(ctx context.Context) string {
	var sb strings.Builder
	sb.WriteString("OTC settlement: up\n")
	switch {
	case b.deps.Health == nil:
		sb.WriteString("Database: not configured\n")
	default:
		if err := b.deps.Health(ctx); err != nil {
			fmt.Fprintf(&sb, "Database: DOWN (%v)\n", err)
		} else {
			sb.WriteString("Database: ok\n")
		}
	}
	if b.deps.Flags != nil {
		enabled, err := b.deps.Flags.Enabled(ctx, featureflag.AutoSettlement)
		switch {
		case err != nil:
			sb.WriteString("Auto-settlement: unknown\n")
		case enabled:
			sb.WriteString("Auto-settlement: on\n")
		default:
			sb.WriteString("Auto-settlement: off\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatPending lists requests oldest first, one per line.
func FormatPending(reqs []storage.DualControlRequest, now time.Time) string {
	if len(reqs) == 0 {
		return "No pending dual-control requests."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Pending dual-control requests (%d):\n", len(reqs))
	for i, req := range reqs {
		fmt.Fprintf(&sb, "%d. %s %s/%s by %s, waiting %s\n",
			i+1, req.Action, req.EntityType, shortID(req.EntityID.String()),
			shortID(req.RequestedBy.String()), age(now, req.CreatedAt))
		fmt.Fprintf(&sb, "   id: %s\n", req.ID)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatQueue lists queued jobs oldest first.
func FormatQueue(jobs []storage.SettlementJob, now time.Time) string {
	if len(jobs) == 0 {
		return "Settlement queue is empty."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Queued settlement jobs (showing %d):\n", len(jobs))
	for i, job := range jobs {
		notional, _ := job.Payload["notional"].(string)
		if notional == "" {
			notional = "?"
		}
		fmt.Fprintf(&sb, "%d. %s notional %s, attempts %d, queued %s\n",
			i+1, shortID(job.ID.String()), notional, job.Attempts, age(now, job.CreatedAt))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func age(now, then time.Time) string {
	d := now.Sub(then)
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String()
}
