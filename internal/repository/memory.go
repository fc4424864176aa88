package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ferdianto22/parking-system/internal/model"
	"github.com/Ferdianto22/parking-system/internal/notify"
)

type memTxKey struct{}

// MemoryRepository хранит данные в памяти процесса. Используется в тестах и
// для локального запуска без базы данных.
type MemoryRepository struct {
	// txMu сериализует InTx: внутри блока никто другой не меняет данные
	// составными операциями.
	txMu sync.Mutex

	mu           sync.RWMutex
	sessions     map[string]model.VehicleSession
	transactions []model.ClosedTransaction
	bySession    map[string]int
	admins       map[string]model.Admin
	nextAdminID  int64

	events notify.Publisher
}

// NewMemoryRepository создаёт пустое хранилище. Если events не nil, каждое
// изменение публикуется в него.
func NewMemoryRepository(events notify.Publisher) *MemoryRepository {
	return &MemoryRepository{
		sessions:  make(map[string]model.VehicleSession),
		bySession: make(map[string]int),
		admins:    make(map[string]model.Admin),
		events:    events,
	}
}

func (r *MemoryRepository) publish(table, op, id string) {
	if r.events == nil {
		return
	}
	r.events.Publish(notify.Event{Table: table, Op: op, RecordID: id})
}

// InTx выполняет fn, не допуская параллельных InTx. Откат изменений не поддерживается.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}

	r.txMu.Lock()
	defer r.txMu.Unlock()

	return fn(context.WithValue(ctx, memTxKey{}, struct{}{}))
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error {
	return nil
}

// FindActiveSessionByID возвращает сессию со статусом PARKED по идентификатору.
func (r *MemoryRepository) FindActiveSessionByID(ctx context.Context, id string) (*model.VehicleSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok || s.Status != model.SessionParked {
		return nil, ErrNotFound
	}
	return &s, nil
}

// FindActiveSessionByPlate возвращает сессию со статусом PARKED по номерному знаку.
func (r *MemoryRepository) FindActiveSessionByPlate(ctx context.Context, plate string) (*model.VehicleSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.parkedByPlate(plate); ok {
		return &s, nil
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) parkedByPlate(plate string) (model.VehicleSession, bool) {
	for _, s := range r.sessions {
		if s.PlateNumber == plate && s.Status == model.SessionParked {
			return s, true
		}
	}
	return model.VehicleSession{}, false
}

// CreateSession регистрирует въезд.
func (r *MemoryRepository) CreateSession(ctx context.Context, plate string, vehicleType model.VehicleType, entry time.Time) (*model.VehicleSession, error) {
	r.mu.Lock()
	if _, ok := r.parkedByPlate(plate); ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, plate)
	}

	s := model.VehicleSession{
		ID:          uuid.NewString(),
		PlateNumber: plate,
		VehicleType: vehicleType,
		EntryTime:   entry.UTC(),
		Status:      model.SessionParked,
	}
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.publish(notify.TableActiveSessions, notify.OpInsert, s.ID)
	return &s, nil
}

// ListActiveSessions возвращает все сессии PARKED, новые первыми.
func (r *MemoryRepository) ListActiveSessions(ctx context.Context) ([]model.VehicleSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.VehicleSession
	for _, s := range r.sessions {
		if s.Status == model.SessionParked {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].EntryTime.After(res[j].EntryTime)
	})
	return res, nil
}

// ListOrphanedSessions возвращает сессии PARKED, для которых уже записана транзакция.
func (r *MemoryRepository) ListOrphanedSessions(ctx context.Context) ([]model.VehicleSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.VehicleSession
	for id := range r.bySession {
		if s, ok := r.sessions[id]; ok && s.Status == model.SessionParked {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].EntryTime.Before(res[j].EntryTime)
	})
	return res, nil
}

// MarkSessionExited переводит сессию в статус EXITED.
func (r *MemoryRepository) MarkSessionExited(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.Status != model.SessionParked {
		r.mu.Unlock()
		return ErrNotFound
	}
	s.Status = model.SessionExited
	r.sessions[id] = s
	r.mu.Unlock()

	r.publish(notify.TableActiveSessions, notify.OpUpdate, id)
	return nil
}

// AppendTransaction добавляет запись в журнал. На одну сессию допускается одна запись.
func (r *MemoryRepository) AppendTransaction(ctx context.Context, t model.ClosedTransaction) (*model.ClosedTransaction, error) {
	r.mu.Lock()
	if _, ok := r.bySession[t.SessionID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTransaction, t.SessionID)
	}

	t.ID = uuid.NewString()
	t.EntryTime = t.EntryTime.UTC()
	t.ExitTime = t.ExitTime.UTC()
	r.bySession[t.SessionID] = len(r.transactions)
	r.transactions = append(r.transactions, t)
	r.mu.Unlock()

	r.publish(notify.TableClosedTransactions, notify.OpInsert, t.ID)
	return &t, nil
}

// FindTransactionBySessionID возвращает транзакцию, закрывшую указанную сессию.
func (r *MemoryRepository) FindTransactionBySessionID(ctx context.Context, sessionID string) (*model.ClosedTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.bySession[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	t := r.transactions[i]
	return &t, nil
}

// ListTransactionsSince возвращает транзакции с временем выезда не раньше from, новые первыми.
func (r *MemoryRepository) ListTransactionsSince(ctx context.Context, from time.Time) ([]model.ClosedTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.ClosedTransaction
	for _, t := range r.transactions {
		if !t.ExitTime.Before(from) {
			res = append(res, t)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].ExitTime.After(res[j].ExitTime)
	})
	return res, nil
}

// GetAdminByEmail возвращает администратора по email.
func (r *MemoryRepository) GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.admins[email]
	if !ok {
		return nil, ErrAdminNotFound
	}
	return &a, nil
}

// CreateAdmin создаёт учётную запись администратора.
func (r *MemoryRepository) CreateAdmin(ctx context.Context, email string, passwordHash []byte, role string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.admins[email]; ok {
		return 0, fmt.Errorf("%w: %s", ErrAdminExists, email)
	}

	r.nextAdminID++
	r.admins[email] = model.Admin{
		ID:           r.nextAdminID,
		Email:        email,
		PasswordHash: append([]byte(nil), passwordHash...),
		Role:         role,
	}
	return r.nextAdminID, nil
}

// TouchAdminLogin обновляет время последнего входа администратора.
func (r *MemoryRepository) TouchAdminLogin(ctx context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for email, a := range r.admins {
		if a.ID == id {
			at := at.UTC()
			a.LastLogin = &at
			r.admins[email] = a
			return nil
		}
	}
	return ErrAdminNotFound
}
