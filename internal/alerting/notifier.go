package alerting

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"otc-settlement/internal/storage"
)

// Notification 封装一次已落库的告警事件及其规则。
type Notification struct {
	Rule     storage.AlertRule
	Event    storage.AlertEvent
	Severity string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramSender 是 tgbotapi.BotAPI 中推送所需的部分。
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	api    TelegramSender
	chatID string
	logger zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。构造时不请求 getMe，token 错误会在首次推送时暴露。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	api := &tgbotapi.BotAPI{
		Token:  botToken,
		Client: &http.Client{Timeout: timeout},
	}
	endpoint := tgbotapi.APIEndpoint
	if baseURL != "" {
		endpoint = strings.TrimRight(baseURL, "/") + "/bot%s/%s"
	}
	api.SetAPIEndpoint(endpoint)
	return NewTelegramNotifierWithAPI(api, chatID, logger)
}

// NewTelegramNotifierWithAPI 复用已有的 Bot 客户端。
func NewTelegramNotifierWithAPI(api TelegramSender, chatID string, logger zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		api:    api,
		chatID: strings.TrimSpace(chatID),
		logger: logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage 推送文本。chatID 为数字时按会话发送，否则视为 @频道名。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var msg tgbotapi.MessageConfig
	if id, err := strconv.ParseInt(n.chatID, 10, 64); err == nil {
		msg = tgbotapi.NewMessage(id, RenderMessage(note))
	} else {
		msg = tgbotapi.NewMessageToChannel(n.chatID, RenderMessage(note))
	}

	if _, err := n.api.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}

	n.logger.Info().Str("rule", note.Rule.Name).
		Str("severity", note.Severity).
		Str("event_id", note.Event.ID.String()).
		Msg("告警已发送 (Telegram)")
	return nil
}

// RenderMessage 生成告警的纯文本描述，details 按键排序。
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[OTC Alert] %s\n", note.Rule.Name))
	builder.WriteString(fmt.Sprintf("Severity: %s\n", note.Severity))
	builder.WriteString(fmt.Sprintf("Metric: %s (threshold %s)\n", note.Rule.MetricKey, note.Rule.Threshold.String()))
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.Event.CreatedAt.UTC().Format(time.RFC3339)))

	keys := make([]string, 0, len(note.Event.Details))
	for k := range note.Event.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		builder.WriteString(fmt.Sprintf("%s: %v\n", k, note.Event.Details[k]))
	}
	if note.Rule.OwnerEmail != "" {
		builder.WriteString(fmt.Sprintf("Owner: %s", note.Rule.OwnerEmail))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
