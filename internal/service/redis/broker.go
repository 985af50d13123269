package redis

import (
	"context"
	"encoding/json"

	"chat_sync/internal/model"
	"chat_sync/internal/utils/log"

	"go.uber.org/zap"
)

const messagesChannel = "chat_sync: messages"

// Broker fans accepted messages out to every relay process subscribed to
// the same Redis.
type Broker struct {
	redis *RedisService
}

func NewBroker(r *RedisService) *Broker {
	return &Broker{redis: r}
}

func (b *Broker) Publish(ctx context.Context, m model.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, messagesChannel, data)
}

// Run delivers every published message to deliver until ctx is done.
func (b *Broker) Run(ctx context.Context, deliver func(model.Message)) error {
	return b.redis.Subscribe(ctx, messagesChannel, func(payload string) {
		var m model.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			log.Error("Unmarshal message failed", zap.Error(err))
			return
		}
		deliver(m)
	})
}
