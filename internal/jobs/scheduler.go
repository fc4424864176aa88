// Package jobs запускает фоновые задачи сервиса по расписанию cron.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reconciler закрывает сессии, оставшиеся после прерванного выезда.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// Scheduler выполняет задачи по расписанию до отмены контекста Run.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
	ctx    context.Context
}

// NewScheduler создаёт планировщик. Задача не запускается повторно, пока
// не завершился предыдущий запуск.
func NewScheduler(logger *zap.Logger) *Scheduler {
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    context.Background(),
	}
}

// AddReconcile регистрирует сверку по расписанию spec, например "@every 5m".
func (s *Scheduler) AddReconcile(spec string, r Reconciler) error {
	if _, err := s.cron.AddFunc(spec, func() { s.reconcile(s.ctx, r) }); err != nil {
		return fmt.Errorf("schedule reconcile %q: %w", spec, err)
	}
	return nil
}

func (s *Scheduler) reconcile(ctx context.Context, r Reconciler) {
	start := time.Now()

	fixed, err := r.Reconcile(ctx)
	if err != nil {
		s.logger.Error("reconcile job failed", zap.Error(err), zap.Int("fixed", fixed))
		return
	}
	if fixed > 0 {
		s.logger.Warn("reconcile job fixed sessions", zap.Int("fixed", fixed), zap.Duration("took", time.Since(start)))
		return
	}
	s.logger.Debug("reconcile job found nothing", zap.Duration("took", time.Since(start)))
}

// Run запускает планировщик и блокируется до отмены ctx, после чего
// дожидается завершения выполняющихся задач.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()

	<-ctx.Done()

	<-s.cron.Stop().Done()
	return nil
}

// cronLogger направляет журнал cron в zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
