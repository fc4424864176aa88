package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresChannel задаёт канал NOTIFY, в который пишут триггеры миграции 00002.
const PostgresChannel = "parking_changes"

// listenConn соединение, на котором выполнен LISTEN.
type listenConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// PGListener получает события из триггеров PostgreSQL через LISTEN/NOTIFY
// и передаёт их в events. На процесс запускается один слушатель; клиенты
// подписываются на хаб, в который он пишет.
type PGListener struct {
	connect func(ctx context.Context) (listenConn, error)
	events  Publisher
	logger  *zap.Logger
}

// NewPGListener создаёт слушатель. Для LISTEN открывается отдельное
// соединение с параметрами пула, слоты пула оно не занимает.
func NewPGListener(pool *pgxpool.Pool, events Publisher, logger *zap.Logger) *PGListener {
	l := &PGListener{events: events, logger: logger}
	if pool != nil {
		cfg := pool.Config().ConnConfig
		l.connect = func(ctx context.Context) (listenConn, error) {
			return listen(ctx, cfg.Copy(), PostgresChannel)
		}
	}
	return l
}

func listen(ctx context.Context, cfg *pgx.ConnConfig, channel string) (listenConn, error) {
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen: %w", err)
	}
	return conn, nil
}

// Run слушает уведомления до отмены ctx, переподключаясь с нарастающей
// паузой. После каждого переподключения публикуется RESYNC, потому что
// уведомления за время разрыва потеряны.
func (l *PGListener) Run(ctx context.Context) error {
	if l.connect == nil {
		return ErrUnavailable
	}

	backoff := time.Second
	connected := false
	for {
		conn, err := l.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("change listener connect failed", zap.Error(err), zap.Duration("backoff", backoff))

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
			continue
		}

		backoff = time.Second
		if connected {
			l.events.Publish(Event{Table: TableAll, Op: OpResync, At: time.Now().UTC()})
		}
		connected = true

		err = l.forward(ctx, conn)
		_ = conn.Close(context.Background())

		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("change listener disconnected", zap.Error(err))
	}
}

func (l *PGListener) forward(ctx context.Context, conn listenConn) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}

		ev, err := decodeEvent([]byte(n.Payload))
		if err != nil {
			l.logger.Warn("malformed change notification", zap.Error(err), zap.String("payload", n.Payload))
			ev = Event{Table: TableAll, Op: OpResync, At: time.Now().UTC()}
		}
		l.events.Publish(ev)
	}
}

func decodeEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Table == "" || ev.Op == "" {
		return Event{}, errors.New("decode event: missing table or op")
	}
	return ev, nil
}
