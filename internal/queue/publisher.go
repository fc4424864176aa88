// Package queue публикует события оплаты парковки в RabbitMQ и принимает их.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Ferdianto22/parking-system/internal/model"
)

// CheckoutQueue задаёт очередь событий о закрытых транзакциях.
const CheckoutQueue = "parking.checkout"

// CheckoutEvent описывает тело сообщения о выезде.
type CheckoutEvent struct {
	TransactionID string    `json:"transaction_id"`
	SessionID     string    `json:"session_id"`
	PlateNumber   string    `json:"plate_number"`
	VehicleType   string    `json:"vehicle_type"`
	EntryTime     time.Time `json:"entry_time"`
	ExitTime      time.Time `json:"exit_time"`
	BilledMinutes int64     `json:"billed_minutes"`
	AmountDue     int64     `json:"amount_due"`
}

// NewCheckoutEvent строит сообщение из записи журнала.
func NewCheckoutEvent(t model.ClosedTransaction) CheckoutEvent {
	return CheckoutEvent{
		TransactionID: t.ID,
		SessionID:     t.SessionID,
		PlateNumber:   t.PlateNumber,
		VehicleType:   string(t.VehicleType),
		EntryTime:     t.EntryTime.UTC(),
		ExitTime:      t.ExitTime.UTC(),
		BilledMinutes: t.BilledMinutes,
		AmountDue:     t.AmountDue,
	}
}

// Publisher держит одно соединение с брокером и переоткрывает его при обрыве.
type Publisher struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher подключается к брокеру и объявляет очередь.
func NewPublisher(url string) (*Publisher, error) {
	p := &Publisher{url: url}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(CheckoutQueue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}

	p.conn = conn
	p.ch = ch
	return nil
}

// PublishCheckout отправляет сохраняемое на диск сообщение о выезде.
func (p *Publisher) PublishCheckout(ctx context.Context, t model.ClosedTransaction) error {
	body, err := json.Marshal(NewCheckoutEvent(t))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() {
		if err := p.connect(); err != nil {
			return err
		}
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    t.ID,
		Body:         body,
	}

	if err := p.ch.PublishWithContext(ctx, "", CheckoutQueue, false, false, msg); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			p.conn = nil
		}
		return fmt.Errorf("publish checkout: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	err := p.conn.Close()
	p.conn = nil
	p.ch = nil
	return err
}
