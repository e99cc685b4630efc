package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel alert events are published on.
const DefaultChannel = "otc:alerts"

// alertMessage is the JSON body published for each emitted alert.
type alertMessage struct {
	EventID   string         `json:"eventId"`
	RuleID    string         `json:"ruleId"`
	Rule      string         `json:"rule"`
	MetricKey string         `json:"metricKey"`
	Severity  string         `json:"severity"`
	Owner     string         `json:"ownerEmail,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// RedisPublisher fans alert events out over Redis pub/sub.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher wraps an existing client.
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Channel returns the channel messages are published on.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

func (p *RedisPublisher) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(alertMessage{
		EventID:   note.Event.ID.String(),
		RuleID:    note.Rule.ID.String(),
		Rule:      note.Rule.Name,
		MetricKey: note.Rule.MetricKey,
		Severity:  note.Severity,
		Owner:     note.Rule.OwnerEmail,
		Details:   note.Event.Details,
		CreatedAt: note.Event.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal alert message: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("publish alert to %s: %w", p.channel, err)
	}
	return nil
}

var _ Notifier = (*RedisPublisher)(nil)
