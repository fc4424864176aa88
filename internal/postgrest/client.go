// Package postgrest реализует шлюз хранения поверх REST API PostgREST
// (в том числе размещённого в Supabase).
package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/Ferdianto22/parking-system/internal/model"
	"github.com/Ferdianto22/parking-system/internal/notify"
	"github.com/Ferdianto22/parking-system/internal/repository"
)

const (
	tableSessions     = "active_sessions"
	tableTransactions = "closed_transactions"
	tableAdmins       = "admins"

	uniqueViolation = "23505"
)

// Client инкапсулирует HTTP-взаимодействие с PostgREST. Транзакций API не
// предоставляет, поэтому InTx просто вызывает функцию.
type Client struct {
	baseURL string
	apiKey  string
	http    *retryablehttp.Client
	events  notify.Publisher
}

type sessionRow struct {
	ID          string    `json:"id,omitempty"`
	PlateNumber string    `json:"plate_number"`
	VehicleType string    `json:"vehicle_type"`
	EntryTime   time.Time `json:"entry_time"`
	Status      string    `json:"status"`
}

type transactionRow struct {
	ID            string    `json:"id,omitempty"`
	SessionID     string    `json:"session_id"`
	PlateNumber   string    `json:"plate_number"`
	VehicleType   string    `json:"vehicle_type"`
	EntryTime     time.Time `json:"entry_time"`
	ExitTime      time.Time `json:"exit_time"`
	BilledMinutes int64     `json:"billed_minutes"`
	AmountDue     int64     `json:"amount_due"`
}

type adminRow struct {
	ID           int64      `json:"id,omitempty"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"password_hash"`
	Role         string     `json:"role"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
}

// NewClient создаёт клиент для PostgREST по указанному адресу. apiKey
// передаётся в заголовках apikey и Authorization, если задан.
func NewClient(baseURL, apiKey string, logger *zap.Logger, events notify.Publisher) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil
	if logger != nil {
		rc.Logger = leveledLogger{logger.Sugar()}
	}

	return &Client{
		baseURL: base,
		apiKey:  apiKey,
		http:    rc,
		events:  events,
	}
}

// InTx вызывает fn без транзакции.
func (c *Client) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Close освобождает простаивающие соединения.
func (c *Client) Close() error {
	c.http.HTTPClient.CloseIdleConnections()
	return nil
}

func (c *Client) publish(table, op, id string) {
	if c.events == nil {
		return
	}
	c.events.Publish(notify.Event{Table: table, Op: op, RecordID: id})
}

func (c *Client) do(ctx context.Context, method, table string, query url.Values, body, out any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("postgrest client not configured")
	}

	u := c.baseURL + "/" + table
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var payload any
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		payload = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, payload)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp.StatusCode, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusError описывает неуспешный ответ PostgREST.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("postgrest: status %d: %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("postgrest: status %d", e.StatusCode)
}

func statusError(status int, body []byte) error {
	e := &StatusError{StatusCode: status}
	var ae apiError
	if json.Unmarshal(body, &ae) == nil {
		e.Code = ae.Code
		e.Message = ae.Message
	}
	return e
}

func isConflict(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && (se.StatusCode == http.StatusConflict || se.Code == uniqueViolation)
}

func eq(v string) string {
	return "eq." + v
}

func parkedByID(id string) url.Values {
	return url.Values{
		"id":     {eq(id)},
		"status": {eq(string(model.SessionParked))},
	}
}

func (r sessionRow) toModel() model.VehicleSession {
	return model.VehicleSession{
		ID:          r.ID,
		PlateNumber: r.PlateNumber,
		VehicleType: model.VehicleType(r.VehicleType),
		EntryTime:   r.EntryTime.UTC(),
		Status:      model.SessionStatus(r.Status),
	}
}

func (r transactionRow) toModel() model.ClosedTransaction {
	return model.ClosedTransaction{
		ID:            r.ID,
		SessionID:     r.SessionID,
		PlateNumber:   r.PlateNumber,
		VehicleType:   model.VehicleType(r.VehicleType),
		EntryTime:     r.EntryTime.UTC(),
		ExitTime:      r.ExitTime.UTC(),
		BilledMinutes: r.BilledMinutes,
		AmountDue:     r.AmountDue,
	}
}

func (c *Client) findSession(ctx context.Context, query url.Values) (*model.VehicleSession, error) {
	query.Set("limit", "1")

	var rows []sessionRow
	if err := c.do(ctx, http.MethodGet, tableSessions, query, nil, &rows); err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	if len(rows) == 0 {
		return nil, repository.ErrNotFound
	}
	s := rows[0].toModel()
	return &s, nil
}

// FindActiveSessionByID возвращает сессию со статусом PARKED по идентификатору.
func (c *Client) FindActiveSessionByID(ctx context.Context, id string) (*model.VehicleSession, error) {
	return c.findSession(ctx, parkedByID(id))
}

// FindActiveSessionByPlate возвращает сессию со статусом PARKED по номерному знаку.
func (c *Client) FindActiveSessionByPlate(ctx context.Context, plate string) (*model.VehicleSession, error) {
	return c.findSession(ctx, url.Values{
		"plate_number": {eq(plate)},
		"status":       {eq(string(model.SessionParked))},
	})
}

// CreateSession регистрирует въезд. Идентификатор назначает база данных.
func (c *Client) CreateSession(ctx context.Context, plate string, vehicleType model.VehicleType, entry time.Time) (*model.VehicleSession, error) {
	body := sessionRow{
		PlateNumber: plate,
		VehicleType: string(vehicleType),
		EntryTime:   entry.UTC(),
		Status:      string(model.SessionParked),
	}

	var rows []sessionRow
	if err := c.do(ctx, http.MethodPost, tableSessions, nil, body, &rows); err != nil {
		if isConflict(err) {
			return nil, fmt.Errorf("%w: %s", repository.ErrDuplicateSession, plate)
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert session: empty representation")
	}

	s := rows[0].toModel()
	c.publish(notify.TableActiveSessions, notify.OpInsert, s.ID)
	return &s, nil
}

func (c *Client) listSessions(ctx context.Context, query url.Values) ([]model.VehicleSession, error) {
	var rows []sessionRow
	if err := c.do(ctx, http.MethodGet, tableSessions, query, nil, &rows); err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}

	res := make([]model.VehicleSession, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.toModel())
	}
	return res, nil
}

// ListActiveSessions возвращает все сессии PARKED, новые первыми.
func (c *Client) ListActiveSessions(ctx context.Context) ([]model.VehicleSession, error) {
	return c.listSessions(ctx, url.Values{
		"status": {eq(string(model.SessionParked))},
		"order":  {"entry_time.desc"},
	})
}

// ListOrphanedSessions возвращает сессии PARKED, для которых уже записана транзакция.
func (c *Client) ListOrphanedSessions(ctx context.Context) ([]model.VehicleSession, error) {
	active, err := c.listSessions(ctx, url.Values{
		"status": {eq(string(model.SessionParked))},
		"order":  {"entry_time.asc"},
	})
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(active))
	for _, s := range active {
		ids = append(ids, s.ID)
	}

	var rows []transactionRow
	query := url.Values{
		"select":     {"session_id"},
		"session_id": {"in.(" + strings.Join(ids, ",") + ")"},
	}
	if err := c.do(ctx, http.MethodGet, tableTransactions, query, nil, &rows); err != nil {
		return nil, fmt.Errorf("select closed session ids: %w", err)
	}

	closed := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		closed[r.SessionID] = struct{}{}
	}

	var res []model.VehicleSession
	for _, s := range active {
		if _, ok := closed[s.ID]; ok {
			res = append(res, s)
		}
	}
	return res, nil
}

// MarkSessionExited переводит сессию в статус EXITED. Возвращает
// repository.ErrNotFound, если сессия уже не в статусе PARKED.
func (c *Client) MarkSessionExited(ctx context.Context, id string) error {
	body := map[string]string{"status": string(model.SessionExited)}

	var rows []sessionRow
	if err := c.do(ctx, http.MethodPatch, tableSessions, parkedByID(id), body, &rows); err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if len(rows) == 0 {
		return repository.ErrNotFound
	}

	c.publish(notify.TableActiveSessions, notify.OpUpdate, id)
	return nil
}

// AppendTransaction добавляет запись в журнал закрытых транзакций.
func (c *Client) AppendTransaction(ctx context.Context, t model.ClosedTransaction) (*model.ClosedTransaction, error) {
	body := transactionRow{
		SessionID:     t.SessionID,
		PlateNumber:   t.PlateNumber,
		VehicleType:   string(t.VehicleType),
		EntryTime:     t.EntryTime.UTC(),
		ExitTime:      t.ExitTime.UTC(),
		BilledMinutes: t.BilledMinutes,
		AmountDue:     t.AmountDue,
	}

	var rows []transactionRow
	if err := c.do(ctx, http.MethodPost, tableTransactions, nil, body, &rows); err != nil {
		if isConflict(err) {
			return nil, fmt.Errorf("%w: %s", repository.ErrDuplicateTransaction, t.SessionID)
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert transaction: empty representation")
	}

	saved := rows[0].toModel()
	c.publish(notify.TableClosedTransactions, notify.OpInsert, saved.ID)
	return &saved, nil
}

// FindTransactionBySessionID возвращает транзакцию, закрывшую указанную сессию.
func (c *Client) FindTransactionBySessionID(ctx context.Context, sessionID string) (*model.ClosedTransaction, error) {
	var rows []transactionRow
	query := url.Values{"session_id": {eq(sessionID)}, "limit": {"1"}}
	if err := c.do(ctx, http.MethodGet, tableTransactions, query, nil, &rows); err != nil {
		return nil, fmt.Errorf("select transaction: %w", err)
	}
	if len(rows) == 0 {
		return nil, repository.ErrNotFound
	}
	t := rows[0].toModel()
	return &t, nil
}

// ListTransactionsSince возвращает транзакции с временем выезда не раньше from, новые первыми.
func (c *Client) ListTransactionsSince(ctx context.Context, from time.Time) ([]model.ClosedTransaction, error) {
	var rows []transactionRow
	query := url.Values{
		"exit_time": {"gte." + from.UTC().Format(time.RFC3339Nano)},
		"order":     {"exit_time.desc"},
	}
	if err := c.do(ctx, http.MethodGet, tableTransactions, query, nil, &rows); err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}

	res := make([]model.ClosedTransaction, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.toModel())
	}
	return res, nil
}

// GetAdminByEmail возвращает администратора по email.
func (c *Client) GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error) {
	var rows []adminRow
	query := url.Values{"email": {eq(email)}, "limit": {"1"}}
	if err := c.do(ctx, http.MethodGet, tableAdmins, query, nil, &rows); err != nil {
		return nil, fmt.Errorf("get admin: %w", err)
	}
	if len(rows) == 0 {
		return nil, repository.ErrAdminNotFound
	}

	r := rows[0]
	return &model.Admin{
		ID:           r.ID,
		Email:        r.Email,
		PasswordHash: []byte(r.PasswordHash),
		Role:         r.Role,
		LastLogin:    r.LastLogin,
	}, nil
}

// CreateAdmin создаёт учётную запись администратора.
func (c *Client) CreateAdmin(ctx context.Context, email string, passwordHash []byte, role string) (int64, error) {
	body := adminRow{Email: email, PasswordHash: string(passwordHash), Role: role}

	var rows []adminRow
	if err := c.do(ctx, http.MethodPost, tableAdmins, nil, body, &rows); err != nil {
		if isConflict(err) {
			return 0, fmt.Errorf("%w: %s", repository.ErrAdminExists, email)
		}
		return 0, fmt.Errorf("create admin: %w", err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("create admin: empty representation")
	}
	return rows[0].ID, nil
}

// TouchAdminLogin обновляет время последнего входа администратора.
func (c *Client) TouchAdminLogin(ctx context.Context, id int64, at time.Time) error {
	body := map[string]time.Time{"last_login": at.UTC()}
	query := url.Values{"id": {eq(strconv.FormatInt(id, 10))}}
	if err := c.do(ctx, http.MethodPatch, tableAdmins, query, body, nil); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// leveledLogger направляет журнал повторов retryablehttp в zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.s.Warnw(msg, keysAndValues...)
}
