// Package service реализует журнал парковочных сессий: въезд, поиск,
// расчёт стоимости, выезд и сверку.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Ferdianto22/parking-system/internal/billing"
	"github.com/Ferdianto22/parking-system/internal/model"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	FindActiveSessionByID(ctx context.Context, id string) (*model.VehicleSession, error)
	FindActiveSessionByPlate(ctx context.Context, plate string) (*model.VehicleSession, error)
	CreateSession(ctx context.Context, plate string, vehicleType model.VehicleType, entry time.Time) (*model.VehicleSession, error)
	ListActiveSessions(ctx context.Context) ([]model.VehicleSession, error)
	ListOrphanedSessions(ctx context.Context) ([]model.VehicleSession, error)
	MarkSessionExited(ctx context.Context, id string) error

	AppendTransaction(ctx context.Context, t model.ClosedTransaction) (*model.ClosedTransaction, error)
	FindTransactionBySessionID(ctx context.Context, sessionID string) (*model.ClosedTransaction, error)
	ListTransactionsSince(ctx context.Context, from time.Time) ([]model.ClosedTransaction, error)

	GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error)
	CreateAdmin(ctx context.Context, email string, passwordHash []byte, role string) (int64, error)
	TouchAdminLogin(ctx context.Context, id int64, at time.Time) error
}

// EventPublisher получает закрытые транзакции для внешних потребителей.
type EventPublisher interface {
	PublishCheckout(ctx context.Context, t model.ClosedTransaction) error
}

// DefaultTimeout ограничивает одно обращение к хранилищу.
const DefaultTimeout = 5 * time.Second

// Service содержит бизнес-логику парковки.
type Service struct {
	repo      Repository
	tariffs   billing.Tariffs
	logger    *zap.Logger
	now       func() time.Time
	loc       *time.Location
	timeout   time.Duration
	publisher EventPublisher
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт журнал сервиса.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation задаёт часовой пояс, в котором считаются сутки для отчёта.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithTimeout задаёт предельное время обращения к хранилищу.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithPublisher включает публикацию событий о выезде.
func WithPublisher(p EventPublisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// NewService создаёт сервис с указанным хранилищем и тарифами.
func NewService(repo Repository, tariffs billing.Tariffs, opts ...Option) *Service {
	if tariffs == nil {
		tariffs = billing.DefaultTariffs()
	}

	s := &Service{
		repo:    repo,
		tariffs: tariffs,
		logger:  zap.NewNop(),
		now:     time.Now,
		loc:     time.Local,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Tariffs возвращает действующие тарифы.
func (s *Service) Tariffs() billing.Tariffs {
	return s.tariffs
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}
