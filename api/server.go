/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the web client
  5. Auth:       Bearer token on everything under /api

ROUTE GROUPS:
  /healthz              Liveness, no auth
  /api/*                Authenticated client routes
  /api/appointments GET Staff only (admin, professor)
  /api/admin/*          Admin only

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/studio-engine/studio"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Get("/me", h.Me)
		r.Get("/packages", h.ListPackages)

		r.Route("/availability", func(r chi.Router) {
			r.Get("/", h.DayAvailability)
			r.Get("/slot", h.SlotAvailability)
		})

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", h.Book)
			r.With(RequireRole(studio.RoleAdmin, studio.RoleProfessor)).Get("/", h.ListAppointments)
			r.Get("/{id}", h.GetAppointment)
			r.Post("/{id}/cancel", h.CancelAppointment)
		})

		r.Route("/waitlist", func(r chi.Router) {
			r.Post("/", h.JoinWaitlist)
			r.Post("/claim", h.ClaimWaitlist)
			r.Delete("/{id}", h.WithdrawWaitlist)
		})

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/appointments", h.ListUserAppointments)
			r.Get("/waitlist", h.ListUserWaitlist)
			r.Get("/credits", h.GetBalance)
			r.Get("/transactions", h.GetTransactions)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireRole(studio.RoleAdmin))

			r.Route("/users", func(r chi.Router) {
				r.Get("/", h.ListUsers)
				r.Post("/", h.CreateUser)
				r.Delete("/{id}", h.DeleteUser)
				r.Post("/{id}/suspend", h.SuspendUser)
				r.Post("/{id}/medical-clearance", h.RecordMedicalClearance)
				r.Put("/{id}/membership", h.SetMembership)
				r.Post("/{id}/credits", h.GrantCredits)
				r.Post("/{id}/purchases", h.PurchasePackage)
			})

			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", h.ListTasks)
				r.Post("/{name}/run", h.RunTask)
			})

			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		})
	})

	return r
}
