package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Ferdianto22/parking-system/internal/billing"
	"github.com/Ferdianto22/parking-system/internal/model"
	"github.com/Ferdianto22/parking-system/internal/repository"
	"github.com/Ferdianto22/parking-system/internal/validation"
)

const (
	msgTicketNotFound = "ticket not found or already completed"
	msgPlateNotFound  = "plate not found or already exited"
	msgAlreadyPaid    = "ticket not found or already paid"
)

func parsePlate(raw string) (string, error) {
	plate := validation.NormalizePlate(raw)
	if plate == "" {
		return "", validationError("plate number is required")
	}
	if !validation.IsValidPlate(plate) {
		return "", validationError(fmt.Sprintf("invalid plate number %q: expected 1-2 letters, 1-4 digits, 1-3 letters, e.g. B 1234 XYZ", plate))
	}
	return plate, nil
}

func parseTicketID(id string) error {
	if id == "" {
		return validationError("ticket id is required")
	}
	if !validation.IsValidTicketID(id) {
		return validationError(fmt.Sprintf("invalid ticket id %q: expected a UUID", id))
	}
	return nil
}

// Admit регистрирует въезд транспорта и возвращает созданную сессию.
func (s *Service) Admit(ctx context.Context, rawPlate, rawType string) (*model.VehicleSession, error) {
	plate, err := parsePlate(rawPlate)
	if err != nil {
		return nil, err
	}
	vt, ok := model.ParseVehicleType(rawType)
	if !ok {
		return nil, validationError(fmt.Sprintf("invalid vehicle type %q: expected Motorcycle or Car", rawType))
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// Предварительная проверка даёт понятную ошибку; окончательно дубликат
	// отсекается ограничением уникальности в хранилище.
	if _, err := s.repo.FindActiveSessionByPlate(ctx, plate); err == nil {
		return nil, duplicateError(plate, nil)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, infraError("admit", err)
	}

	sess, err := s.repo.CreateSession(ctx, plate, vt, s.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateSession) {
			return nil, duplicateError(plate, err)
		}
		return nil, infraError("admit", err)
	}

	s.logger.Info("vehicle admitted",
		zap.String("session_id", sess.ID),
		zap.String("plate", sess.PlateNumber),
		zap.String("vehicle_type", string(sess.VehicleType)),
	)
	return sess, nil
}

// GetSession возвращает активную сессию по идентификатору билета.
func (s *Service) GetSession(ctx context.Context, id string) (*model.VehicleSession, error) {
	if err := parseTicketID(id); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sess, err := s.repo.FindActiveSessionByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFoundError(msgTicketNotFound)
		}
		return nil, infraError("get session", err)
	}
	return sess, nil
}

// FindByPlate возвращает активную сессию по номерному знаку.
func (s *Service) FindByPlate(ctx context.Context, rawPlate string) (*model.VehicleSession, error) {
	plate, err := parsePlate(rawPlate)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sess, err := s.repo.FindActiveSessionByPlate(ctx, plate)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &Error{Kind: ErrNotFound, Message: msgPlateNotFound, Plate: plate}
		}
		return nil, infraError("find by plate", err)
	}
	return sess, nil
}

// Quote рассчитывает стоимость стоянки на текущий момент без закрытия сессии.
func (s *Service) Quote(ctx context.Context, id string) (*model.Quote, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.quoteSession(sess)
}

// QuoteByPlate рассчитывает стоимость для активной сессии с указанным номером.
// Расчёт строится по найденной сессии без повторного чтения по билету.
func (s *Service) QuoteByPlate(ctx context.Context, rawPlate string) (*model.Quote, error) {
	sess, err := s.FindByPlate(ctx, rawPlate)
	if err != nil {
		return nil, err
	}
	return s.quoteSession(sess)
}

func (s *Service) quoteSession(sess *model.VehicleSession) (*model.Quote, error) {
	now := s.now()
	rate, fee, err := s.computeFee(sess, now)
	if err != nil {
		return nil, err
	}

	return &model.Quote{
		Session:     *sess,
		Fee:         fee,
		RatePerHour: rate,
		QuotedAt:    now.UTC(),
	}, nil
}

func (s *Service) computeFee(sess *model.VehicleSession, at time.Time) (int64, model.Fee, error) {
	rate, err := s.tariffs.Rate(sess.VehicleType)
	if err != nil {
		return 0, model.Fee{}, fmt.Errorf("resolve tariff: %w", err)
	}

	fee, err := billing.Compute(sess.EntryTime, at, rate)
	if err != nil {
		if errors.Is(err, billing.ErrClockSkew) {
			s.logger.Error("negative parking duration",
				zap.String("session_id", sess.ID),
				zap.Time("entry_time", sess.EntryTime),
				zap.Time("now", at),
			)
			return 0, model.Fee{}, &Error{Kind: ErrClockSkew, Message: "fee computation failed", Err: err}
		}
		return 0, model.Fee{}, fmt.Errorf("compute fee: %w", err)
	}
	return rate, fee, nil
}

// Checkout закрывает сессию: записывает транзакцию и переводит сессию в EXITED.
// Транзакция всегда записывается раньше смены статуса. Если предыдущая
// попытка успела записать транзакцию, повторный вызов завершает выезд
// с уже начисленной суммой.
func (s *Service) Checkout(ctx context.Context, id string) (*model.CheckoutResult, error) {
	if err := parseTicketID(id); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		res *model.CheckoutResult
		tx  *model.ClosedTransaction
	)
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		sess, err := s.repo.FindActiveSessionByID(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return notFoundError(msgAlreadyPaid)
			}
			return infraError("checkout", err)
		}

		existing, err := s.repo.FindTransactionBySessionID(ctx, sess.ID)
		switch {
		case err == nil:
			s.logger.Warn("resuming partially completed checkout",
				zap.String("session_id", sess.ID),
				zap.String("transaction_id", existing.ID),
			)
			tx = existing
			return s.markExited(ctx, sess.ID, false)
		case !errors.Is(err, repository.ErrNotFound):
			return infraError("checkout", err)
		}

		exit := s.now().UTC()
		_, fee, err := s.computeFee(sess, exit)
		if err != nil {
			return err
		}

		saved, err := s.repo.AppendTransaction(ctx, model.ClosedTransaction{
			SessionID:     sess.ID,
			PlateNumber:   sess.PlateNumber,
			VehicleType:   sess.VehicleType,
			EntryTime:     sess.EntryTime,
			ExitTime:      exit,
			BilledMinutes: fee.ElapsedMinutes,
			AmountDue:     fee.AmountDue,
		})
		if err != nil {
			if errors.Is(err, repository.ErrDuplicateTransaction) {
				// Параллельный выезд записал транзакцию раньше нас.
				return notFoundError(msgAlreadyPaid)
			}
			return infraError("append transaction", err)
		}
		tx = saved

		return s.markExited(ctx, sess.ID, true)
	})
	if err != nil {
		return nil, err
	}

	res, err = s.checkoutResult(tx)
	if err != nil {
		return nil, err
	}

	s.logger.Info("vehicle checked out",
		zap.String("session_id", res.SessionID),
		zap.String("transaction_id", res.TransactionID),
		zap.String("plate", res.PlateNumber),
		zap.Int64("billed_minutes", res.BilledMinutes),
		zap.Int64("amount_due", res.AmountDue),
	)
	s.publishCheckout(ctx, *tx)

	return res, nil
}

// markExited переводит сессию в EXITED. ownTx означает, что транзакцию
// записал текущий вызов: тогда исчезновение сессии из PARKED означает, что
// выезд уже завершён, и ошибкой не считается.
func (s *Service) markExited(ctx context.Context, id string, ownTx bool) error {
	err := s.repo.MarkSessionExited(ctx, id)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		if ownTx {
			return nil
		}
		return notFoundError(msgAlreadyPaid)
	default:
		return infraError("mark session exited", err)
	}
}

func (s *Service) checkoutResult(tx *model.ClosedTransaction) (*model.CheckoutResult, error) {
	// Число часов выводится из сохранённых времён, чтобы повтор вернул те же цифры.
	sess := &model.VehicleSession{ID: tx.SessionID, VehicleType: tx.VehicleType, EntryTime: tx.EntryTime}
	_, fee, err := s.computeFee(sess, tx.ExitTime)
	if err != nil {
		return nil, err
	}

	return &model.CheckoutResult{
		SessionID:     tx.SessionID,
		TransactionID: tx.ID,
		PlateNumber:   tx.PlateNumber,
		VehicleType:   tx.VehicleType,
		EntryTime:     tx.EntryTime,
		ExitTime:      tx.ExitTime,
		BilledMinutes: tx.BilledMinutes,
		BillableHours: fee.BillableHours,
		AmountDue:     tx.AmountDue,
	}, nil
}

func (s *Service) publishCheckout(ctx context.Context, tx model.ClosedTransaction) {
	if s.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.publisher.PublishCheckout(ctx, tx); err != nil {
		s.logger.Warn("publish checkout event failed",
			zap.Error(err),
			zap.String("transaction_id", tx.ID),
		)
	}
}

// ActiveSessions возвращает все сессии на парковке, новые первыми.
func (s *Service) ActiveSessions(ctx context.Context) ([]model.VehicleSession, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sessions, err := s.repo.ListActiveSessions(ctx)
	if err != nil {
		return nil, infraError("list active sessions", err)
	}
	return sessions, nil
}

// TodayTransactions возвращает транзакции с выездом за текущие сутки
// в настроенном часовом поясе, новые первыми, с количеством и выручкой.
func (s *Service) TodayTransactions(ctx context.Context) (*model.DailySummary, error) {
	now := s.now().In(s.loc)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	next := day.AddDate(0, 0, 1)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	txs, err := s.repo.ListTransactionsSince(ctx, day)
	if err != nil {
		return nil, infraError("list transactions", err)
	}

	summary := &model.DailySummary{Day: day, Transactions: make([]model.ClosedTransaction, 0, len(txs))}
	for _, t := range txs {
		if !t.ExitTime.Before(next) {
			continue
		}
		summary.Transactions = append(summary.Transactions, t)
		summary.Count++
		summary.Revenue += t.AmountDue
	}
	return summary, nil
}

// Reconcile переводит в EXITED сессии, для которых транзакция уже записана,
// а смена статуса не состоялась. Возвращает число исправленных сессий.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	orphans, err := s.repo.ListOrphanedSessions(ctx)
	if err != nil {
		return 0, infraError("list orphaned sessions", err)
	}

	fixed := 0
	for _, sess := range orphans {
		err := s.repo.MarkSessionExited(ctx, sess.ID)
		switch {
		case err == nil:
			fixed++
			s.logger.Warn("reconciled half-closed session",
				zap.String("session_id", sess.ID),
				zap.String("plate", sess.PlateNumber),
			)
		case errors.Is(err, repository.ErrNotFound):
			// Уже закрыта параллельным выездом.
		default:
			return fixed, infraError("reconcile session", err)
		}
	}
	return fixed, nil
}
