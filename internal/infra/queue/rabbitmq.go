package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"election-pulse/internal/domain"
	"election-pulse/internal/infra/metrics"
)

// RabbitJobTransport доставляет уведомления о задачах через AMQP.
// Очередь durable, сообщения persistent: уведомление переживает рестарт
// брокера, хотя источником истины всё равно остаётся таблица задач.
type RabbitJobTransport struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

// NewRabbitJobTransport подключается к брокеру и объявляет очередь.
func NewRabbitJobTransport(amqpURL, queue string) (*RabbitJobTransport, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &RabbitJobTransport{conn: conn, ch: ch, queue: queue}, nil
}

// Publish отправляет уведомление в очередь.
func (t *RabbitJobTransport) Publish(ctx context.Context, notice domain.JobNotice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	start := time.Now()
	err = t.ch.PublishWithContext(ctx, "", t.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", t.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	return nil
}

// Receive блокирующе читает уведомление. Подтверждение ручное: ack(true)
// снимает сообщение, ack(false) возвращает его в очередь.
func (t *RabbitJobTransport) Receive(ctx context.Context) (domain.JobNotice, domain.JobAckFunc, error) {
	deliveries, err := t.consumeChan()
	if err != nil {
		return domain.JobNotice{}, nil, err
	}
	select {
	case <-ctx.Done():
		return domain.JobNotice{}, nil, ctx.Err()
	case d, ok := <-deliveries:
		if !ok {
			return domain.JobNotice{}, nil, errors.New("delivery channel closed")
		}
		var notice domain.JobNotice
		if err := json.Unmarshal(d.Body, &notice); err != nil {
			_ = d.Nack(false, false)
			return domain.JobNotice{}, nil, fmt.Errorf("decode notice: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return d.Ack(false)
			}
			return d.Nack(false, true)
		}
		return notice, ack, nil
	}
}

func (t *RabbitJobTransport) consumeChan() (<-chan amqp.Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deliveries != nil {
		return t.deliveries, nil
	}
	deliveries, err := t.ch.Consume(t.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume queue: %w", err)
	}
	t.deliveries = deliveries
	return deliveries, nil
}

// Close закрывает канал и соединение.
func (t *RabbitJobTransport) Close() error {
	chErr := t.ch.Close()
	connErr := t.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}
