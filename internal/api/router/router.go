package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/telehealth-booking/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/telehealth-booking/internal/http/middleware"
	"github.com/wolfman30/telehealth-booking/internal/lifecycle"
	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Booking            *handlers.BookingHandler
	Admin              *handlers.AdminHandler
	Realtime           http.HandlerFunc
	MetricsHandler     http.Handler
	AuthSecret         string
	CORSAllowedOrigins []string
	RateLimiter        *httpmiddleware.RateLimiter
	// Ready reports whether storage is reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	r.Get("/health", health(cfg.Ready))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}
	if cfg.Realtime != nil {
		r.With(httpmiddleware.Authenticate(cfg.AuthSecret, true)).Get("/ws", cfg.Realtime)
	}

	r.Route("/api/v1", func(api chi.Router) {
		if cfg.RateLimiter != nil {
			api.Use(cfg.RateLimiter.Middleware)
		}
		api.Use(httpmiddleware.Authenticate(cfg.AuthSecret, false))

		if b := cfg.Booking; b != nil {
			api.Get("/slots/{slotID}/availability", b.CheckAvailability)
			api.Get("/consultations/{id}", b.GetConsultation)
			api.Post("/consultations/{id}/cancel", b.Cancel)
			api.Post("/consultations/{id}/room/enter", b.EnterRoom)
			api.Post("/consultations/{id}/force-majeure", b.RequestForceMajeure)

			api.Group(func(patient chi.Router) {
				patient.Use(httpmiddleware.RequireRole(lifecycle.RolePatient))
				patient.Post("/reservations", b.Reserve)
				patient.Get("/patients/me/consultations", b.ListMyConsultations)
				patient.Get("/patients/me/balance", b.GetMyBalance)
				patient.Post("/consultations/{id}/reschedule", b.Reschedule)
			})
			api.Group(func(provider chi.Router) {
				provider.Use(httpmiddleware.RequireRole(lifecycle.RoleProvider))
				provider.Post("/providers/me/reservations", b.ReserveForPatient)
				provider.Post("/consultations/{id}/room/reschedule", b.RoomReschedule)
				provider.Post("/consultations/{id}/room/cancel", b.RoomCancel)
			})
		}

		if a := cfg.Admin; a != nil {
			api.Route("/admin", func(admin chi.Router) {
				admin.Use(httpmiddleware.RequireRole(lifecycle.RoleAdmin))
				admin.Post("/cancellation-records/{id}/decision", a.DecideRecord)
				admin.Post("/sweeps/completion", a.SweepCompletion)
				admin.Get("/consultations/{id}/audit", a.ListAudit)
			})
		}
	})

	return r
}

func health(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
