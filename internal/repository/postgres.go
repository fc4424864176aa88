package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/Ferdianto22/parking-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	parkedPlateIndex     = "active_sessions_one_parked_per_plate"
	transactionSessionUK = "closed_transactions_session_id_key"
)

const sessionColumns = `id::text, plate_number, vehicle_type, entry_time, status`

const transactionColumns = `id::text, session_id::text, plate_number, vehicle_type,
	entry_time, exit_time, billed_minutes, amount_due`

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Pool возвращает пул соединений; используется слушателем LISTEN/NOTIFY.
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return r.pool
}

// InTx выполняет fn в одной транзакции. Все методы репозитория, вызванные с
// переданным в fn контекстом, работают внутри этой транзакции.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	return r.withRetry(ctx, func() error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			return fn(context.WithValue(ctx, txKey{}, tx))
		})
	})
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Повторяем только конфликты сериализации, взаимоблокировки и обрывы соединения.
		var pgErr *pgconn.PgError
		retryable := errors.As(err, &pgErr) &&
			(pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected)
		if !retryable && !isConnectionError(err) {
			break
		}
		if i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func scanSession(row pgx.Row) (*model.VehicleSession, error) {
	var (
		s           model.VehicleSession
		vehicleType string
		status      string
	)
	if err := row.Scan(&s.ID, &s.PlateNumber, &vehicleType, &s.EntryTime, &status); err != nil {
		return nil, err
	}
	s.VehicleType = model.VehicleType(vehicleType)
	s.Status = model.SessionStatus(status)
	s.EntryTime = s.EntryTime.UTC()
	return &s, nil
}

func scanTransaction(row pgx.Row) (*model.ClosedTransaction, error) {
	var (
		t           model.ClosedTransaction
		vehicleType string
	)
	err := row.Scan(&t.ID, &t.SessionID, &t.PlateNumber, &vehicleType,
		&t.EntryTime, &t.ExitTime, &t.BilledMinutes, &t.AmountDue)
	if err != nil {
		return nil, err
	}
	t.VehicleType = model.VehicleType(vehicleType)
	t.EntryTime = t.EntryTime.UTC()
	t.ExitTime = t.ExitTime.UTC()
	return &t, nil
}

// selectSessionSQL строит запрос активной сессии. Внутри InTx строка
// блокируется, чтобы параллельные выезды по одной сессии шли по очереди.
func selectSessionSQL(where string, lock bool) string {
	query := `SELECT ` + sessionColumns + ` FROM active_sessions WHERE ` + where
	if lock {
		query += ` FOR UPDATE`
	}
	return query
}

func (r *PostgresRepository) findSession(ctx context.Context, op, where string, args ...any) (*model.VehicleSession, error) {
	_, inTx := ctx.Value(txKey{}).(pgx.Tx)
	row := r.q(ctx).QueryRow(ctx, selectSessionSQL(where, inTx), args...)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

// FindActiveSessionByID возвращает сессию со статусом PARKED по идентификатору.
func (r *PostgresRepository) FindActiveSessionByID(ctx context.Context, id string) (*model.VehicleSession, error) {
	return r.findSession(ctx, "select session by id", `id = $1 AND status = $2`, id, string(model.SessionParked))
}

// FindActiveSessionByPlate возвращает сессию со статусом PARKED по номерному знаку.
func (r *PostgresRepository) FindActiveSessionByPlate(ctx context.Context, plate string) (*model.VehicleSession, error) {
	return r.findSession(ctx, "select session by plate", `plate_number = $1 AND status = $2`, plate, string(model.SessionParked))
}

// CreateSession регистрирует въезд. Идентификатор назначает база данных.
func (r *PostgresRepository) CreateSession(ctx context.Context, plate string, vehicleType model.VehicleType, entry time.Time) (*model.VehicleSession, error) {
	row := r.q(ctx).QueryRow(ctx,
		`INSERT INTO active_sessions (plate_number, vehicle_type, entry_time, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+sessionColumns,
		plate, string(vehicleType), entry, string(model.SessionParked),
	)
	s, err := scanSession(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == parkedPlateIndex {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, plate)
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

// ListActiveSessions возвращает все сессии PARKED, новые первыми.
func (r *PostgresRepository) ListActiveSessions(ctx context.Context) ([]model.VehicleSession, error) {
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM active_sessions
		 WHERE status = $1
		 ORDER BY entry_time DESC`,
		string(model.SessionParked),
	)
	if err != nil {
		return nil, fmt.Errorf("select active sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListOrphanedSessions возвращает сессии PARKED, для которых уже записана транзакция.
func (r *PostgresRepository) ListOrphanedSessions(ctx context.Context) ([]model.VehicleSession, error) {
	rows, err := r.q(ctx).Query(ctx,
		`SELECT s.id::text, s.plate_number, s.vehicle_type, s.entry_time, s.status
		 FROM active_sessions s
		 JOIN closed_transactions t ON t.session_id = s.id
		 WHERE s.status = $1
		 ORDER BY s.entry_time`,
		string(model.SessionParked),
	)
	if err != nil {
		return nil, fmt.Errorf("select orphaned sessions: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]model.VehicleSession, error) {
	defer rows.Close()

	var sessions []model.VehicleSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return sessions, nil
}

// MarkSessionExited переводит сессию в статус EXITED. Возвращает ErrNotFound,
// если сессия уже не в статусе PARKED.
func (r *PostgresRepository) MarkSessionExited(ctx context.Context, id string) error {
	cmdTag, err := r.q(ctx).Exec(ctx,
		`UPDATE active_sessions SET status = $2 WHERE id = $1 AND status = $3`,
		id, string(model.SessionExited), string(model.SessionParked),
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTransaction добавляет запись в журнал закрытых транзакций.
func (r *PostgresRepository) AppendTransaction(ctx context.Context, t model.ClosedTransaction) (*model.ClosedTransaction, error) {
	row := r.q(ctx).QueryRow(ctx,
		`INSERT INTO closed_transactions
		 (session_id, plate_number, vehicle_type, entry_time, exit_time, billed_minutes, amount_due)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+transactionColumns,
		t.SessionID, t.PlateNumber, string(t.VehicleType), t.EntryTime, t.ExitTime, t.BilledMinutes, t.AmountDue,
	)
	saved, err := scanTransaction(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == transactionSessionUK {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTransaction, t.SessionID)
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	return saved, nil
}

// FindTransactionBySessionID возвращает транзакцию, закрывшую указанную сессию.
func (r *PostgresRepository) FindTransactionBySessionID(ctx context.Context, sessionID string) (*model.ClosedTransaction, error) {
	row := r.q(ctx).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM closed_transactions WHERE session_id = $1`,
		sessionID,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select transaction: %w", err)
	}
	return t, nil
}

// ListTransactionsSince возвращает транзакции с временем выезда не раньше from, новые первыми.
func (r *PostgresRepository) ListTransactionsSince(ctx context.Context, from time.Time) ([]model.ClosedTransaction, error) {
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM closed_transactions
		 WHERE exit_time >= $1
		 ORDER BY exit_time DESC`,
		from,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.ClosedTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetAdminByEmail возвращает администратора по email.
func (r *PostgresRepository) GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error) {
	row := r.q(ctx).QueryRow(ctx,
		`SELECT id, email, password_hash, role, last_login FROM admins WHERE email = $1`,
		email,
	)

	var (
		a    model.Admin
		hash string
	)
	err := row.Scan(&a.ID, &a.Email, &hash, &a.Role, &a.LastLogin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAdminNotFound
		}
		return nil, fmt.Errorf("get admin: %w", err)
	}
	a.PasswordHash = []byte(hash)

	return &a, nil
}

// CreateAdmin создаёт учётную запись администратора.
func (r *PostgresRepository) CreateAdmin(ctx context.Context, email string, passwordHash []byte, role string) (int64, error) {
	var id int64
	err := r.q(ctx).QueryRow(ctx,
		`INSERT INTO admins (email, password_hash, role) VALUES ($1, $2, $3) RETURNING id`,
		email, string(passwordHash), role,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrAdminExists, email)
		}
		return 0, fmt.Errorf("create admin: %w", err)
	}
	return id, nil
}

// TouchAdminLogin обновляет время последнего входа администратора.
func (r *PostgresRepository) TouchAdminLogin(ctx context.Context, id int64, at time.Time) error {
	_, err := r.q(ctx).Exec(ctx, `UPDATE admins SET last_login = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}
