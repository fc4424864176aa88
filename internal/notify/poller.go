package notify

import (
	"context"
	"time"
)

// Poller служит запасным источником: периодически выдаёт синтетическое событие
// RESYNC, по которому подписчик перечитывает данные целиком.
type Poller struct {
	interval time.Duration
}

// NewPoller создаёт источник опроса с заданным интервалом.
func NewPoller(interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{interval: interval}
}

// Subscribe запускает тикер до отмены ctx.
func (p *Poller) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 1)

	go func() {
		defer close(ch)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				select {
				case ch <- Event{Table: TableAll, Op: OpResync, At: t.UTC()}:
				default:
				}
			}
		}
	}()

	return ch, nil
}
