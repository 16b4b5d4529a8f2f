package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-channel-digest/internal/domain"
)

// redisQueue реализует очередь сырых пейлоадов на базе Redis lists.
// Подтверждение обработки эмулируется: BRPOP снимает сообщение, неуспешный
// ack возвращает его в очередь повторной публикацией.
type redisQueue struct {
	client *redis.Client
	key    string
}

func (q *redisQueue) enqueue(ctx context.Context, payload []byte) error {
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

func (q *redisQueue) receive(ctx context.Context) ([]byte, domain.AckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return nil, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, nil, err
		}
		if len(res) != 2 {
			return nil, nil, errors.New("redis queue: unexpected response")
		}
		payload := []byte(res[1])
		ack := func(success bool) error {
			if success {
				return nil
			}
			return q.client.LPush(context.Background(), q.key, payload).Err()
		}
		return payload, ack, nil
	}
}

// RedisSummarizeQueue реализует очередь задач суммаризации на Redis.
type RedisSummarizeQueue struct {
	q redisQueue
}

// NewRedisSummarizeQueue создаёт очередь по указанному ключу.
func NewRedisSummarizeQueue(client *redis.Client, key string) *RedisSummarizeQueue {
	return &RedisSummarizeQueue{q: redisQueue{client: client, key: key}}
}

// Enqueue публикует задачу в очередь.
func (s *RedisSummarizeQueue) Enqueue(ctx context.Context, job domain.SummarizeJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return s.q.enqueue(ctx, payload)
}

// Receive блокирующе читает задачу из очереди.
func (s *RedisSummarizeQueue) Receive(ctx context.Context) (domain.SummarizeJob, domain.AckFunc, error) {
	payload, ack, err := s.q.receive(ctx)
	if err != nil {
		return domain.SummarizeJob{}, nil, err
	}
	var job domain.SummarizeJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return domain.SummarizeJob{}, nil, fmt.Errorf("decode job: %w", err)
	}
	return job, ack, nil
}

// RedisDeliveryQueue реализует очередь задач доставки на Redis.
type RedisDeliveryQueue struct {
	q redisQueue
}

// NewRedisDeliveryQueue создаёт очередь по указанному ключу.
func NewRedisDeliveryQueue(client *redis.Client, key string) *RedisDeliveryQueue {
	return &RedisDeliveryQueue{q: redisQueue{client: client, key: key}}
}

// Enqueue публикует задачу в очередь.
func (d *RedisDeliveryQueue) Enqueue(ctx context.Context, job domain.DeliveryJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return d.q.enqueue(ctx, payload)
}

// Receive блокирующе читает задачу из очереди.
func (d *RedisDeliveryQueue) Receive(ctx context.Context) (domain.DeliveryJob, domain.AckFunc, error) {
	payload, ack, err := d.q.receive(ctx)
	if err != nil {
		return domain.DeliveryJob{}, nil, err
	}
	var job domain.DeliveryJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return domain.DeliveryJob{}, nil, fmt.Errorf("decode job: %w", err)
	}
	return job, ack, nil
}

var (
	_ domain.SummarizeQueue = (*RedisSummarizeQueue)(nil)
	_ domain.DeliveryQueue  = (*RedisDeliveryQueue)(nil)
)
