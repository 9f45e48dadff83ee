package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"election-pulse/internal/domain"
	"election-pulse/internal/infra/metrics"
)

// RedisJobTransport доставляет уведомления о задачах через Redis lists.
// В отличие от AMQP здесь нет брокерского ack: неподтверждённое уведомление
// возвращается в список вручную, а потерянное чинится опросным обходом
// воркеров.
type RedisJobTransport struct {
	client *redis.Client
	key    string
}

// NewRedisJobTransport создаёт транспорт по указанному ключу.
func NewRedisJobTransport(client *redis.Client, key string) *RedisJobTransport {
	return &RedisJobTransport{client: client, key: key}
}

// Publish отправляет уведомление в список.
func (t *RedisJobTransport) Publish(ctx context.Context, notice domain.JobNotice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	start := time.Now()
	err = t.client.LPush(ctx, t.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", t.key, start, err)
	if err != nil {
		return fmt.Errorf("push notice: %w", err)
	}
	return nil
}

// Receive блокирующе читает уведомление из списка.
func (t *RedisJobTransport) Receive(ctx context.Context) (domain.JobNotice, domain.JobAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.JobNotice{}, nil, err
		}

		res, err := t.client.BRPop(ctx, time.Second, t.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.JobNotice{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.JobNotice{}, nil, err
		}
		if len(res) != 2 {
			return domain.JobNotice{}, nil, errors.New("redis queue: unexpected response")
		}
		raw := res[1]
		var notice domain.JobNotice
		if err := json.Unmarshal([]byte(raw), &notice); err != nil {
			return domain.JobNotice{}, nil, fmt.Errorf("decode notice: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return nil
			}
			return t.client.LPush(context.Background(), t.key, raw).Err()
		}
		return notice, ack, nil
	}
}
