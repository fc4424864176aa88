package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/Ferdianto22/parking-system/internal/middleware"
	"github.com/Ferdianto22/parking-system/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса парковки.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", h.AdmitVehicle)
		r.Get("/sessions/{id}", h.GetTicket)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/login", h.Login)
			r.Post("/logout", h.Logout)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)
				r.Use(custommiddleware.RequireRole(model.RoleAdmin))

				r.Get("/sessions", h.ListSessions)
				r.Get("/sessions/{id}", h.GetExitQuote)
				r.Post("/sessions/{id}/checkout", h.CheckoutSession)

				r.Get("/transactions/today", h.TodayTransactions)
				r.Post("/reconcile", h.Reconcile)

				r.Get("/live", h.Live)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
