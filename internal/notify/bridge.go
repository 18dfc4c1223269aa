package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Bridge fans events out across process instances over redis pub/sub.
// Each instance owns a disjoint connection registry; Publish goes
// through the channel and every subscriber (including the publisher)
// delivers to its local connections.
type Bridge struct {
	client  *redis.Client
	channel string
	local   *Registry
	log     *slog.Logger
}

type envelope struct {
	UserID string `json:"user_id"`
	Event  Event  `json:"event"`
}

func NewBridge(client *redis.Client, channel string, local *Registry, log *slog.Logger) *Bridge {
	return &Bridge{client: client, channel: channel, local: local, log: log}
}

func (b *Bridge) Publish(userID string, ev Event) {
	payload, _ := json.Marshal(envelope{UserID: userID, Event: ev})
	if err := b.client.Publish(context.Background(), b.channel, payload).Err(); err != nil {
		b.log.Warn("event bridge publish failed, delivering locally only", "error", err)
		b.local.Publish(userID, ev)
	}
}

// Run consumes the channel until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("event bridge bad payload", "error", err)
				continue
			}
			b.local.Publish(env.UserID, env.Event)
		}
	}
}
