// Package handler содержит HTTP-обработчики API сервиса парковки.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Ferdianto22/parking-system/internal/billing"
	"github.com/Ferdianto22/parking-system/internal/middleware"
	"github.com/Ferdianto22/parking-system/internal/model"
	"github.com/Ferdianto22/parking-system/internal/notify"
	"github.com/Ferdianto22/parking-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Admit(ctx context.Context, plate, vehicleType string) (*model.VehicleSession, error)
	GetSession(ctx context.Context, id string) (*model.VehicleSession, error)
	QuoteByPlate(ctx context.Context, plate string) (*model.Quote, error)
	Quote(ctx context.Context, id string) (*model.Quote, error)
	Checkout(ctx context.Context, id string) (*model.CheckoutResult, error)
	ActiveSessions(ctx context.Context) ([]model.VehicleSession, error)
	TodayTransactions(ctx context.Context) (*model.DailySummary, error)
	Reconcile(ctx context.Context) (int, error)
	AuthenticateAdmin(ctx context.Context, email, password string) (*model.Admin, error)
}

// Handler реализует HTTP-обработчики API сервиса парковки.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	changes        notify.Source
	validate       *validator.Validate
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов. changes
// может быть nil, тогда поток изменений недоступен.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, changes notify.Source) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		changes:        changes,
		validate:       v,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Plate string `json:"plate,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит ошибку сервиса в HTTP-ответ.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	resp := errorResponse{Error: service.Message(err)}

	var se *service.Error
	if errors.As(err, &se) {
		resp.Plate = se.Plate
	}

	var status int
	switch {
	case errors.Is(err, service.ErrValidation):
		status, resp.Kind = http.StatusBadRequest, "validation"
	case errors.Is(err, service.ErrDuplicateSession):
		status, resp.Kind = http.StatusConflict, "duplicate_session"
	case errors.Is(err, service.ErrNotFound):
		status, resp.Kind = http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrInvalidCredentials):
		status, resp.Kind = http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, service.ErrInfrastructure):
		h.logger.Warn(op+" storage error", zap.Error(err))
		status, resp.Kind = http.StatusServiceUnavailable, "infrastructure"
	default:
		h.logger.Error(op+" error", zap.Error(err))
		status = http.StatusInternalServerError
		resp = errorResponse{Error: "internal error"}
	}

	writeJSON(w, status, resp)
}

// decode читает JSON-тело запроса и проверяет его по тегам validate.
func (h *Handler) decode(r *http.Request, dst any) error {
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &service.Error{Kind: service.ErrValidation, Message: "malformed JSON body", Err: err}
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &service.Error{Kind: service.ErrValidation, Message: describeFieldError(verrs[0]), Err: err}
		}
		return &service.Error{Kind: service.ErrValidation, Message: "invalid request", Err: err}
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " must be a valid email"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fe.Field() + " is invalid"
	}
}

type sessionResponse struct {
	ID          string    `json:"id"`
	PlateNumber string    `json:"plate_number"`
	VehicleType string    `json:"vehicle_type"`
	EntryTime   time.Time `json:"entry_time"`
	Status      string    `json:"status"`
}

func newSessionResponse(s model.VehicleSession) sessionResponse {
	return sessionResponse{
		ID:          s.ID,
		PlateNumber: s.PlateNumber,
		VehicleType: string(s.VehicleType),
		EntryTime:   s.EntryTime,
		Status:      string(s.Status),
	}
}

type ticketResponse struct {
	sessionResponse
	ElapsedMinutes int64     `json:"elapsed_minutes"`
	Duration       string    `json:"duration"`
	BillableHours  int64     `json:"billable_hours"`
	RatePerHour    int64     `json:"rate_per_hour"`
	AmountDue      int64     `json:"amount_due"`
	QuotedAt       time.Time `json:"quoted_at"`
}

func newTicketResponse(q *model.Quote) ticketResponse {
	return ticketResponse{
		sessionResponse: newSessionResponse(q.Session),
		ElapsedMinutes:  q.Fee.ElapsedMinutes,
		Duration:        billing.FormatDuration(q.Fee.ElapsedMinutes),
		BillableHours:   q.Fee.BillableHours,
		RatePerHour:     q.RatePerHour,
		AmountDue:       q.Fee.AmountDue,
		QuotedAt:        q.QuotedAt,
	}
}

type admitRequest struct {
	PlateNumber string `json:"plate_number" validate:"required,max=32"`
	VehicleType string `json:"vehicle_type" validate:"required"`
}

// AdmitVehicle регистрирует въезд и возвращает билет.
func (h *Handler) AdmitVehicle(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, "admit", err)
		return
	}

	sess, err := h.service.Admit(r.Context(), req.PlateNumber, req.VehicleType)
	if err != nil {
		h.writeError(w, "admit", err)
		return
	}

	w.Header().Set("Location", "/api/sessions/"+sess.ID)
	writeJSON(w, http.StatusCreated, newSessionResponse(*sess))
}

// GetTicket показывает билет водителю вместе с текущей стоимостью.
func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	h.writeQuote(w, r, chi.URLParam(r, "id"))
}

// GetExitQuote возвращает предварительный расчёт для выезда.
func (h *Handler) GetExitQuote(w http.ResponseWriter, r *http.Request) {
	h.writeQuote(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) writeQuote(w http.ResponseWriter, r *http.Request, id string) {
	q, err := h.service.Quote(r.Context(), id)
	if err != nil {
		h.writeError(w, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, newTicketResponse(q))
}

type activeSessionsResponse struct {
	Count    int               `json:"count"`
	Sessions []sessionResponse `json:"sessions"`
}

// ListSessions возвращает активные сессии. С параметром plate ищет одну
// сессию по номеру и возвращает расчёт для выезда.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if plate := r.URL.Query().Get("plate"); plate != "" {
		q, err := h.service.QuoteByPlate(r.Context(), plate)
		if err != nil {
			h.writeError(w, "find by plate", err)
			return
		}
		writeJSON(w, http.StatusOK, newTicketResponse(q))
		return
	}

	sessions, err := h.service.ActiveSessions(r.Context())
	if err != nil {
		h.writeError(w, "list sessions", err)
		return
	}

	resp := activeSessionsResponse{Count: len(sessions), Sessions: make([]sessionResponse, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, newSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

type checkoutResponse struct {
	SessionID     string    `json:"session_id"`
	TransactionID string    `json:"transaction_id"`
	PlateNumber   string    `json:"plate_number"`
	VehicleType   string    `json:"vehicle_type"`
	EntryTime     time.Time `json:"entry_time"`
	ExitTime      time.Time `json:"exit_time"`
	BilledMinutes int64     `json:"billed_minutes"`
	Duration      string    `json:"duration"`
	BillableHours int64     `json:"billable_hours"`
	AmountDue     int64     `json:"amount_due"`
}

// CheckoutSession закрывает сессию и возвращает итоговую сумму.
func (h *Handler) CheckoutSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := h.service.Checkout(r.Context(), id)
	if err != nil {
		h.writeError(w, "checkout", err)
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{
		SessionID:     res.SessionID,
		TransactionID: res.TransactionID,
		PlateNumber:   res.PlateNumber,
		VehicleType:   string(res.VehicleType),
		EntryTime:     res.EntryTime,
		ExitTime:      res.ExitTime,
		BilledMinutes: res.BilledMinutes,
		Duration:      billing.FormatDuration(res.BilledMinutes),
		BillableHours: res.BillableHours,
		AmountDue:     res.AmountDue,
	})
}

type transactionResponse struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	PlateNumber   string    `json:"plate_number"`
	VehicleType   string    `json:"vehicle_type"`
	EntryTime     time.Time `json:"entry_time"`
	ExitTime      time.Time `json:"exit_time"`
	BilledMinutes int64     `json:"billed_minutes"`
	AmountDue     int64     `json:"amount_due"`
}

type dailySummaryResponse struct {
	Day          string                `json:"day"`
	Count        int                   `json:"count"`
	Revenue      int64                 `json:"revenue"`
	Transactions []transactionResponse `json:"transactions"`
}

// TodayTransactions возвращает транзакции за текущие сутки и выручку.
func (h *Handler) TodayTransactions(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.TodayTransactions(r.Context())
	if err != nil {
		h.writeError(w, "today transactions", err)
		return
	}

	resp := dailySummaryResponse{
		Day:          summary.Day.Format(time.DateOnly),
		Count:        summary.Count,
		Revenue:      summary.Revenue,
		Transactions: make([]transactionResponse, 0, len(summary.Transactions)),
	}
	for _, t := range summary.Transactions {
		resp.Transactions = append(resp.Transactions, transactionResponse{
			ID:            t.ID,
			SessionID:     t.SessionID,
			PlateNumber:   t.PlateNumber,
			VehicleType:   string(t.VehicleType),
			EntryTime:     t.EntryTime,
			ExitTime:      t.ExitTime,
			BilledMinutes: t.BilledMinutes,
			AmountDue:     t.AmountDue,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Reconcile запускает сверку вручную.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	fixed, err := h.service.Reconcile(r.Context())
	if err != nil {
		h.writeError(w, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"fixed": fixed})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type adminResponse struct {
	ID        int64      `json:"id"`
	Email     string     `json:"email"`
	Role      string     `json:"role"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

type loginResponse struct {
	Token string        `json:"token"`
	Admin adminResponse `json:"admin"`
}

// Login выполняет аутентификацию администратора и устанавливает cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, "login", err)
		return
	}

	a, err := h.service.AuthenticateAdmin(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, "login", err)
		return
	}

	token, err := h.authMiddleware.SetAuthCookie(w, middleware.Identity{AdminID: a.ID, Email: a.Email, Role: a.Role})
	if err != nil {
		h.writeError(w, "login", err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token: token,
		Admin: adminResponse{ID: a.ID, Email: a.Email, Role: a.Role, LastLogin: a.LastLogin},
	})
}

// Logout удаляет cookie авторизации.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.authMiddleware.ClearAuthCookie(w)
	w.WriteHeader(http.StatusNoContent)
}
