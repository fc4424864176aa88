package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Ferdianto22/parking-system/internal/billing"
	"github.com/Ferdianto22/parking-system/internal/middleware"
	"github.com/Ferdianto22/parking-system/internal/model"
	"github.com/Ferdianto22/parking-system/internal/notify"
	"github.com/Ferdianto22/parking-system/internal/service"
)

const ticketID = "3f2c1a9e-4b7d-4c2e-9a1f-0d6b8e5c7a21"

var entry = time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

type stubService struct {
	admitPlate string
	admitType  string
	admitResp  *model.VehicleSession
	admitErr   error

	plateQuery string
	plateResp  *model.Quote
	plateErr   error

	quoteID   string
	quoteResp *model.Quote
	quoteErr  error

	checkoutResp *model.CheckoutResult
	checkoutErr  error

	activeResp []model.VehicleSession
	activeErr  error

	todayResp *model.DailySummary
	todayErr  error

	reconcileFixed int
	reconcileErr   error

	authResp *model.Admin
	authErr  error
}

func (s *stubService) Admit(ctx context.Context, plate, vehicleType string) (*model.VehicleSession, error) {
	s.admitPlate, s.admitType = plate, vehicleType
	return s.admitResp, s.admitErr
}

func (s *stubService) GetSession(ctx context.Context, id string) (*model.VehicleSession, error) {
	return nil, nil
}

func (s *stubService) QuoteByPlate(ctx context.Context, plate string) (*model.Quote, error) {
	s.plateQuery = plate
	return s.plateResp, s.plateErr
}

func (s *stubService) Quote(ctx context.Context, id string) (*model.Quote, error) {
	s.quoteID = id
	return s.quoteResp, s.quoteErr
}

func (s *stubService) Checkout(ctx context.Context, id string) (*model.CheckoutResult, error) {
	return s.checkoutResp, s.checkoutErr
}

func (s *stubService) ActiveSessions(ctx context.Context) ([]model.VehicleSession, error) {
	return s.activeResp, s.activeErr
}

func (s *stubService) TodayTransactions(ctx context.Context) (*model.DailySummary, error) {
	return s.todayResp, s.todayErr
}

func (s *stubService) Reconcile(ctx context.Context) (int, error) {
	return s.reconcileFixed, s.reconcileErr
}

func (s *stubService) AuthenticateAdmin(ctx context.Context, email, password string) (*model.Admin, error) {
	return s.authResp, s.authErr
}

func parkedSession() *model.VehicleSession {
	return &model.VehicleSession{
		ID:          ticketID,
		PlateNumber: "B 1234 XYZ",
		VehicleType: model.VehicleMotorcycle,
		EntryTime:   entry,
		Status:      model.SessionParked,
	}
}

func sampleQuote() *model.Quote {
	return &model.Quote{
		Session:     *parkedSession(),
		Fee:         model.Fee{ElapsedMinutes: 90, BillableHours: 2, AmountDue: 4000},
		RatePerHour: 2000,
		QuotedAt:    entry.Add(90 * time.Minute),
	}
}

type testEnv struct {
	router http.Handler
	auth   *middleware.AuthMiddleware
	token  string
}

func newTestEnv(t *testing.T, svc Service, changes notify.Source) *testEnv {
	t.Helper()
	auth := middleware.NewAuthMiddleware("test-secret")
	token, _, err := auth.IssueToken(middleware.Identity{AdminID: 1, Email: "admin@parking.local", Role: model.RoleAdmin})
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}

	h := NewHandler(svc, zap.NewNop(), auth, changes)
	return &testEnv{router: h.SetupRouter(), auth: auth, token: token}
}

func (e *testEnv) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if authed {
		r.Header.Set("Authorization", "Bearer "+e.token)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(dst); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func TestAdmitVehicle(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		svcErr     error
		wantStatus int
		wantKind   string
	}{
		{name: "created", body: `{"plate_number":"b 1234 xyz","vehicle_type":"Motor"}`, wantStatus: http.StatusCreated},
		{name: "malformed json", body: `{"plate_number":`, wantStatus: http.StatusBadRequest, wantKind: "validation"},
		{name: "missing plate", body: `{"vehicle_type":"Car"}`, wantStatus: http.StatusBadRequest, wantKind: "validation"},
		{
			name:       "duplicate",
			body:       `{"plate_number":"B 1234 XYZ","vehicle_type":"Car"}`,
			svcErr:     &service.Error{Kind: service.ErrDuplicateSession, Message: "vehicle B 1234 XYZ is already parked", Plate: "B 1234 XYZ"},
			wantStatus: http.StatusConflict,
			wantKind:   "duplicate_session",
		},
		{
			name:       "storage down",
			body:       `{"plate_number":"B 1234 XYZ","vehicle_type":"Car"}`,
			svcErr:     &service.Error{Kind: service.ErrInfrastructure, Message: "admit: storage unavailable"},
			wantStatus: http.StatusServiceUnavailable,
			wantKind:   "infrastructure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{admitResp: parkedSession(), admitErr: tt.svcErr}
			env := newTestEnv(t, svc, nil)

			w := env.do(http.MethodPost, "/api/sessions", tt.body, false)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body %s", w.Code, tt.wantStatus, w.Body.String())
			}

			if tt.wantStatus == http.StatusCreated {
				var resp sessionResponse
				decodeBody(t, w, &resp)
				if resp.ID != ticketID || resp.Status != "PARKED" {
					t.Fatalf("unexpected response: %+v", resp)
				}
				if loc := w.Header().Get("Location"); loc != "/api/sessions/"+ticketID {
					t.Fatalf("Location = %q", loc)
				}
				if svc.admitPlate != "b 1234 xyz" || svc.admitType != "Motor" {
					t.Fatalf("service got plate %q type %q", svc.admitPlate, svc.admitType)
				}
				return
			}

			var resp errorResponse
			decodeBody(t, w, &resp)
			if resp.Kind != tt.wantKind {
				t.Fatalf("kind = %q, want %q", resp.Kind, tt.wantKind)
			}
			if tt.wantKind == "duplicate_session" && resp.Plate != "B 1234 XYZ" {
				t.Fatalf("plate = %q, want B 1234 XYZ", resp.Plate)
			}
		})
	}
}

func TestGetTicket(t *testing.T) {
	svc := &stubService{quoteResp: sampleQuote()}
	env := newTestEnv(t, svc, nil)

	w := env.do(http.MethodGet, "/api/sessions/"+ticketID, "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp ticketResponse
	decodeBody(t, w, &resp)
	if resp.ID != ticketID || resp.Duration != "1h 30m" || resp.AmountDue != 4000 || resp.BillableHours != 2 {
		t.Fatalf("unexpected ticket: %+v", resp)
	}
	if svc.quoteID != ticketID {
		t.Fatalf("Quote called with %q", svc.quoteID)
	}
}

func TestGetTicket_NotFound(t *testing.T) {
	svc := &stubService{quoteErr: &service.Error{Kind: service.ErrNotFound, Message: "ticket not found or already completed"}}
	env := newTestEnv(t, svc, nil)

	w := env.do(http.MethodGet, "/api/sessions/"+ticketID, "", false)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}

	var resp errorResponse
	decodeBody(t, w, &resp)
	if resp.Error != "ticket not found or already completed" {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t, &stubService{}, nil)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/admin/sessions"},
		{http.MethodGet, "/api/admin/sessions/" + ticketID},
		{http.MethodPost, "/api/admin/sessions/" + ticketID + "/checkout"},
		{http.MethodGet, "/api/admin/transactions/today"},
		{http.MethodPost, "/api/admin/reconcile"},
		{http.MethodGet, "/api/admin/live"},
	}

	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			w := env.do(rt.method, rt.path, "", false)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestCheckoutSession(t *testing.T) {
	exit := entry.Add(90 * time.Minute)
	svc := &stubService{checkoutResp: &model.CheckoutResult{
		SessionID:     ticketID,
		TransactionID: "tx-1",
		PlateNumber:   "B 1234 XYZ",
		VehicleType:   model.VehicleMotorcycle,
		EntryTime:     entry,
		ExitTime:      exit,
		BilledMinutes: 90,
		BillableHours: 2,
		AmountDue:     4000,
	}}
	env := newTestEnv(t, svc, nil)

	w := env.do(http.MethodPost, "/api/admin/sessions/"+ticketID+"/checkout", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp checkoutResponse
	decodeBody(t, w, &resp)
	if resp.AmountDue != 4000 || resp.BillableHours != 2 || resp.BilledMinutes != 90 || resp.Duration != "1h 30m" {
		t.Fatalf("unexpected checkout: %+v", resp)
	}
}

func TestCheckoutSession_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "already paid",
			err:        &service.Error{Kind: service.ErrNotFound, Message: "ticket not found or already paid"},
			wantStatus: http.StatusNotFound,
			wantError:  "ticket not found or already paid",
		},
		{
			name:       "bad id",
			err:        &service.Error{Kind: service.ErrValidation, Message: "invalid ticket id"},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid ticket id",
		},
		{
			name:       "clock skew",
			err:        &service.Error{Kind: service.ErrClockSkew, Message: "fee computation failed", Err: billing.ErrClockSkew},
			wantStatus: http.StatusInternalServerError,
			wantError:  "internal error",
		},
		{
			name:       "unexpected",
			err:        fmt.Errorf("resolve tariff: no tariff"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &stubService{checkoutErr: tt.err}, nil)

			w := env.do(http.MethodPost, "/api/admin/sessions/"+ticketID+"/checkout", "", true)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}

			var resp errorResponse
			decodeBody(t, w, &resp)
			if resp.Error != tt.wantError {
				t.Fatalf("error = %q, want %q", resp.Error, tt.wantError)
			}
		})
	}
}

func TestListSessions(t *testing.T) {
	second := *parkedSession()
	second.ID = "9b1e0c4d-2a3f-4e5b-8c7d-6f0a1b2c3d4e"
	second.PlateNumber = "B 5678 AB"

	svc := &stubService{activeResp: []model.VehicleSession{second, *parkedSession()}}
	env := newTestEnv(t, svc, nil)

	w := env.do(http.MethodGet, "/api/admin/sessions", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp activeSessionsResponse
	decodeBody(t, w, &resp)
	if resp.Count != 2 || len(resp.Sessions) != 2 || resp.Sessions[0].PlateNumber != "B 5678 AB" {
		t.Fatalf("unexpected list: %+v", resp)
	}
}

func TestListSessions_Empty(t *testing.T) {
	env := newTestEnv(t, &stubService{}, nil)

	w := env.do(http.MethodGet, "/api/admin/sessions", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"sessions":[]`) {
		t.Fatalf("empty list must encode as [], got %s", w.Body.String())
	}
}

func TestListSessions_ByPlate(t *testing.T) {
	svc := &stubService{plateResp: sampleQuote()}
	env := newTestEnv(t, svc, nil)

	w := env.do(http.MethodGet, "/api/admin/sessions?plate=b+1234+xyz", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if svc.plateQuery != "b 1234 xyz" {
		t.Fatalf("QuoteByPlate called with %q", svc.plateQuery)
	}
	// Повторного чтения по билету нет.
	if svc.quoteID != "" {
		t.Fatalf("Quote called with %q", svc.quoteID)
	}

	var resp ticketResponse
	decodeBody(t, w, &resp)
	if resp.AmountDue != 4000 {
		t.Fatalf("unexpected quote: %+v", resp)
	}
}

func TestListSessions_ByPlateNotFound(t *testing.T) {
	svc := &stubService{plateErr: &service.Error{Kind: service.ErrNotFound, Message: "plate not found or already exited", Plate: "B 1234 XYZ"}}
	env := newTestEnv(t, svc, nil)

	w := env.do(http.MethodGet, "/api/admin/sessions?plate=B+1234+XYZ", "", true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}

	var resp errorResponse
	decodeBody(t, w, &resp)
	if resp.Error != "plate not found or already exited" || resp.Plate != "B 1234 XYZ" {
		t.Fatalf("unexpected error response: %+v", resp)
	}
}

func TestTodayTransactions(t *testing.T) {
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	svc := &stubService{todayResp: &model.DailySummary{
		Day: day,
		Transactions: []model.ClosedTransaction{
			{ID: "tx-2", SessionID: "s-2", AmountDue: 5000, ExitTime: day.Add(10 * time.Hour)},
			{ID: "tx-1", SessionID: "s-1", AmountDue: 4000, ExitTime: day.Add(9 * time.Hour)},
		},
		Count:   2,
		Revenue: 9000,
	}}
	env := newTestEnv(t, svc, nil)

	w := env.do(http.MethodGet, "/api/admin/transactions/today", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp dailySummaryResponse
	decodeBody(t, w, &resp)
	if resp.Day != "2025-03-14" || resp.Count != 2 || resp.Revenue != 9000 || resp.Transactions[0].ID != "tx-2" {
		t.Fatalf("unexpected summary: %+v", resp)
	}
}

func TestReconcile(t *testing.T) {
	env := newTestEnv(t, &stubService{reconcileFixed: 3}, nil)

	w := env.do(http.MethodPost, "/api/admin/reconcile", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"fixed":3`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestLogin(t *testing.T) {
	svc := &stubService{authResp: &model.Admin{ID: 7, Email: "admin@parking.local", Role: model.RoleAdmin}}
	env := newTestEnv(t, svc, nil)

	w := env.do(http.MethodPost, "/api/admin/login", `{"email":"admin@parking.local","password":"s3cret"}`, false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp loginResponse
	decodeBody(t, w, &resp)
	if resp.Token == "" || resp.Admin.ID != 7 || resp.Admin.Role != model.RoleAdmin {
		t.Fatalf("unexpected login response: %+v", resp)
	}

	cookies := w.Result().Cookies()
	if len(cookies) == 0 || cookies[0].Value != resp.Token {
		t.Fatalf("auth cookie not set")
	}

	// Выданный токен открывает защищённые маршруты.
	r := httptest.NewRequest(http.MethodGet, "/api/admin/sessions", nil)
	r.AddCookie(cookies[0])
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("protected route status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestLogin_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "bad email", body: `{"email":"admin","password":"x"}`, wantStatus: http.StatusBadRequest},
		{name: "missing password", body: `{"email":"admin@parking.local"}`, wantStatus: http.StatusBadRequest},
		{
			name:       "wrong password",
			body:       `{"email":"admin@parking.local","password":"wrong"}`,
			err:        &service.Error{Kind: service.ErrInvalidCredentials, Message: "invalid email or password"},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &stubService{authErr: tt.err}, nil)

			w := env.do(http.MethodPost, "/api/admin/login", tt.body, false)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if len(w.Result().Cookies()) != 0 {
				t.Fatalf("no cookie expected on failure")
			}
		})
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, &stubService{}, nil)

	w := env.do(http.MethodPost, "/api/admin/logout", "", false)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("auth cookie not cleared: %+v", cookies)
	}
}

func TestLive(t *testing.T) {
	hub := notify.NewHub()
	env := newTestEnv(t, &stubService{}, hub)

	ts := httptest.NewServer(env.router)
	defer ts.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.token)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/admin/live"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first notify.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial event: %v", err)
	}
	if first.Op != notify.OpResync {
		t.Fatalf("first event = %+v, want RESYNC", first)
	}

	// Подписка оформлена до отправки RESYNC, поэтому событие не потеряется.
	hub.Publish(notify.Event{Table: notify.TableClosedTransactions, Op: notify.OpInsert, RecordID: "tx-1"})

	var ev notify.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Table != notify.TableClosedTransactions || ev.RecordID != "tx-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestLive_Unavailable(t *testing.T) {
	env := newTestEnv(t, &stubService{}, nil)

	w := env.do(http.MethodGet, "/api/admin/live", "", true)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}
