// Package notify реализует подписку на изменения данных парковки.
//
// Все источники удовлетворяют одному контракту Source: подписчик получает
// события как минимум один раз и в ответ перечитывает нужные представления.
// Событие служит подсказкой к обновлению и не содержит саму запись.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Таблицы, об изменениях которых сообщают источники.
const (
	TableActiveSessions     = "active_sessions"
	TableClosedTransactions = "closed_transactions"
	// TableAll используется синтетическими событиями (опрос, переподключение).
	TableAll = "*"
)

// Операции над записями.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
	OpResync = "RESYNC"
)

// ErrUnavailable возвращается источником, который не может доставлять события.
var ErrUnavailable = errors.New("change source unavailable")

// Event описывает одно изменение данных.
type Event struct {
	Table    string    `json:"table"`
	Op       string    `json:"op"`
	RecordID string    `json:"record_id,omitempty"`
	At       time.Time `json:"at"`
}

// Source выдаёт поток событий до отмены контекста, после чего канал закрывается.
type Source interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// Publisher принимает события от хранилища, которое само не умеет их рассылать.
type Publisher interface {
	Publish(ev Event)
}

const subscriberBuffer = 16

// Hub рассылает события внутри процесса всем подписчикам.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub создаёт пустой хаб.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe регистрирует подписчика до отмены ctx.
func (h *Hub) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, ch)
		close(ch)
		h.mu.Unlock()
	}()

	return ch, nil
}

// Publish отправляет событие всем подписчикам без блокировки. Если буфер
// подписчика заполнен, в нём уже есть необработанные события, и очередное
// обновление он всё равно выполнит.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers возвращает число активных подписчиков.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Merge объединяет источники в один поток. Недоступные источники
// пропускаются; ошибка возвращается, только если недоступны все. Так хаб
// дополняется опросом, когда хранилище меняют в обход этого процесса.
func Merge(sources ...Source) Source {
	return merged(sources)
}

type merged []Source

func (m merged) Subscribe(ctx context.Context) (<-chan Event, error) {
	chans := make([]<-chan Event, 0, len(m))
	errs := make([]error, 0, len(m))
	for _, src := range m {
		if src == nil {
			continue
		}
		ch, err := src.Subscribe(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		chans = append(chans, ch)
	}
	if len(chans) == 0 {
		return nil, errors.Join(append([]error{ErrUnavailable}, errs...)...)
	}
	if len(chans) == 1 {
		return chans[0], nil
	}

	out := make(chan Event, subscriberBuffer)
	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(ch <-chan Event) {
			defer wg.Done()
			for ev := range ch {
				select {
				case out <- ev:
				case <-ctx.Done():
				}
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}
