package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ReceiptLogger читает очередь выездов и пишет по каждому событию запись
// в журнал приложения. Переподключается к брокеру до отмены ctx.
type ReceiptLogger struct {
	url    string
	logger *zap.Logger
}

// NewReceiptLogger создаёт потребителя очереди выездов.
func NewReceiptLogger(url string, logger *zap.Logger) *ReceiptLogger {
	return &ReceiptLogger{url: url, logger: logger}
}

// Run потребляет сообщения до отмены ctx.
func (c *ReceiptLogger) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Warn("checkout consumer stopped", zap.Error(err), zap.Duration("retry_in", backoff))
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *ReceiptLogger) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.logger.Warn("set qos failed", zap.Error(err))
	}

	if _, err := ch.QueueDeclare(CheckoutQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	msgs, err := ch.ConsumeWithContext(ctx, CheckoutQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := c.handle(d.Body); err != nil {
				c.logger.Warn("reject checkout message", zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *ReceiptLogger) handle(body []byte) error {
	var ev CheckoutEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("decode checkout event: %w", err)
	}
	if ev.SessionID == "" {
		return fmt.Errorf("checkout event without session id")
	}

	c.logger.Info("parking receipt",
		zap.String("transaction_id", ev.TransactionID),
		zap.String("session_id", ev.SessionID),
		zap.String("plate", ev.PlateNumber),
		zap.String("vehicle_type", ev.VehicleType),
		zap.Time("entry_time", ev.EntryTime),
		zap.Time("exit_time", ev.ExitTime),
		zap.Int64("billed_minutes", ev.BilledMinutes),
		zap.Int64("amount_due", ev.AmountDue),
	)
	return nil
}
