package alerting

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPublisherPublishesJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	publisher := NewRedisPublisher(client, "")
	require.Equal(t, DefaultChannel, publisher.Channel())

	sub := client.Subscribe(ctx, publisher.Channel())
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	note := sampleNotification()
	require.NoError(t, publisher.Notify(ctx, note))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var body alertMessage
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &body))
	assert.Equal(t, note.Rule.Name, body.Rule)
	assert.Equal(t, note.Event.ID.String(), body.EventID)
	assert.Equal(t, "warning", body.Severity)
	assert.EqualValues(t, 12, body.Details["queueSize"])
}

func TestRedisPublisherReportsFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	publisher := NewRedisPublisher(client, "alerts")
	err = publisher.Notify(context.Background(), sampleNotification())
	require.Error(t, err)
}
