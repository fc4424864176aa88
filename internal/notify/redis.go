package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisChannel задаёт канал Redis, через который экземпляры обмениваются событиями.
const RedisChannel = "parking:changes"

type relayMessage struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisRelay связывает локальный Hub нескольких экземпляров сервиса через
// Redis Pub/Sub. Используется с хранилищами без собственных уведомлений.
// Pub/Sub не хранит сообщения, поэтому после переподключения подписчикам
// рассылается RESYNC.
type RedisRelay struct {
	client  *redis.Client
	hub     *Hub
	logger  *zap.Logger
	origin  string
	channel string
}

// NewRedisRelay создаёт ретранслятор поверх локального хаба.
func NewRedisRelay(client *redis.Client, hub *Hub, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		hub:     hub,
		logger:  logger,
		origin:  uuid.NewString(),
		channel: RedisChannel,
	}
}

// Publish доставляет событие локальным подписчикам и другим экземплярам.
func (r *RedisRelay) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	r.hub.Publish(ev)

	body, err := json.Marshal(relayMessage{Origin: r.origin, Event: ev})
	if err != nil {
		r.logger.Warn("marshal relay message", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.client.Publish(ctx, r.channel, body).Err(); err != nil {
		r.logger.Warn("redis publish failed", zap.Error(err), zap.String("table", ev.Table))
	}
}

// Subscribe подписывает на локальный хаб, куда попадают и удалённые события.
func (r *RedisRelay) Subscribe(ctx context.Context) (<-chan Event, error) {
	return r.hub.Subscribe(ctx)
}

// Run принимает события других экземпляров до отмены ctx.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	// Подтверждение первой подписки уже прочитано Receive. Каждая следующая
	// приходит после переподключения, когда часть сообщений могла пропасть.
	msgs := pubsub.ChannelWithSubscriptions()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.receive(msg)
		}
	}
}

func (r *RedisRelay) receive(msg any) {
	switch m := msg.(type) {
	case *redis.Subscription:
		if m.Kind == "subscribe" {
			r.logger.Info("redis relay resubscribed", zap.String("channel", m.Channel))
			r.hub.Publish(Event{Table: TableAll, Op: OpResync})
		}
	case *redis.Message:
		r.handle(m.Payload)
	}
}

func (r *RedisRelay) handle(payload string) {
	var m relayMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		r.logger.Warn("malformed relay message", zap.Error(err))
		r.hub.Publish(Event{Table: TableAll, Op: OpResync})
		return
	}
	if m.Origin == r.origin {
		return
	}
	r.hub.Publish(m.Event)
}
