package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-channel-digest/internal/domain"
	"tg-channel-digest/internal/infra/metrics"
)

// Rabbit держит соединение AMQP и раздаёт именованные очереди.
type Rabbit struct {
	conn *amqp.Connection
}

// NewRabbit подключается к RabbitMQ.
func NewRabbit(url string) (*Rabbit, error) {
	if url == "" {
		return nil, fmt.Errorf("amqp url is empty")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	return &Rabbit{conn: conn}, nil
}

// Close закрывает соединение.
func (r *Rabbit) Close() error {
	return r.conn.Close()
}

// rabbitQueue публикует и читает сырые JSON-пейлоады одной durable-очереди.
type rabbitQueue struct {
	name string

	mu         sync.Mutex
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

func (r *Rabbit) queue(name string) (*rabbitQueue, error) {
	if name == "" {
		return nil, fmt.Errorf("queue name is empty")
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}
	return &rabbitQueue{name: name, ch: ch}, nil
}

func (q *rabbitQueue) enqueue(ctx context.Context, payload []byte) error {
	start := time.Now()
	err := q.ch.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.name, start, err)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", q.name, err)
	}
	return nil
}

func (q *rabbitQueue) receive(ctx context.Context) ([]byte, domain.AckFunc, error) {
	q.mu.Lock()
	if q.deliveries == nil {
		deliveries, err := q.ch.Consume(q.name, "", false, false, false, false, nil)
		if err != nil {
			q.mu.Unlock()
			return nil, nil, fmt.Errorf("consume %s: %w", q.name, err)
		}
		q.deliveries = deliveries
	}
	deliveries := q.deliveries
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case d, ok := <-deliveries:
		if !ok {
			return nil, nil, fmt.Errorf("queue %s: consume channel closed", q.name)
		}
		ack := func(success bool) error {
			if success {
				return d.Ack(false)
			}
			return d.Nack(false, true)
		}
		return d.Body, ack, nil
	}
}

// RabbitSummarizeQueue реализует очередь задач суммаризации поверх AMQP.
type RabbitSummarizeQueue struct {
	q *rabbitQueue
}

// NewSummarizeQueue создаёт durable-очередь суммаризации.
func (r *Rabbit) NewSummarizeQueue(name string) (*RabbitSummarizeQueue, error) {
	q, err := r.queue(name)
	if err != nil {
		return nil, err
	}
	return &RabbitSummarizeQueue{q: q}, nil
}

// Enqueue публикует задачу в очередь.
func (s *RabbitSummarizeQueue) Enqueue(ctx context.Context, job domain.SummarizeJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return s.q.enqueue(ctx, payload)
}

// Receive блокирующе читает задачу из очереди.
func (s *RabbitSummarizeQueue) Receive(ctx context.Context) (domain.SummarizeJob, domain.AckFunc, error) {
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

// RabbitDeliveryQueue реализует очередь задач доставки поверх AMQP.
type RabbitDeliveryQueue struct {
	q *rabbitQueue
}

// NewDeliveryQueue создаёт durable-очередь доставки.
func (r *Rabbit) NewDeliveryQueue(name string) (*RabbitDeliveryQueue, error) {
	q, err := r.queue(name)
	if err != nil {
		return nil, err
	}
	return &RabbitDeliveryQueue{q: q}, nil
}

// Enqueue публикует задачу в очередь.
func (d *RabbitDeliveryQueue) Enqueue(ctx context.Context, job domain.DeliveryJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return d.q.enqueue(ctx, payload)
}

// Receive блокирующе читает задачу из очереди.
func (d *RabbitDeliveryQueue) Receive(ctx context.Context) (domain.DeliveryJob, domain.AckFunc, error) {
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
	_ domain.SummarizeQueue = (*RabbitSummarizeQueue)(nil)
	_ domain.DeliveryQueue  = (*RabbitDeliveryQueue)(nil)
)
