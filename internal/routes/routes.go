package routes

import (
	"log/slog"
	"net/http"

	"github.com/BradenHooton/propguard/internal/handlers"
	"github.com/BradenHooton/propguard/internal/middleware"
	"github.com/BradenHooton/propguard/internal/models"
	pkghttp "github.com/BradenHooton/propguard/pkg/http"
	"github.com/go-chi/chi/v5"
)

// Dependencies carries everything the router needs.
type Dependencies struct {
	Auth  *handlers.AuthHandler
	Admin *handlers.AdminHandler
	Audit *handlers.AuditHandler

	Sessions middleware.Authenticator
	Limits   middleware.LimitChecker
	IPConfig *pkghttp.IPConfig
	Logger   *slog.Logger

	AdminAPIKey string
	IPPerMinute int
	ExportCost  int

	Metrics http.Handler
	Health  http.HandlerFunc
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, deps Dependencies) {
	if deps.Health != nil {
		router.Get("/health", deps.Health)
	}
	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// Public routes - the coarse IP guard runs before the sliding window
	// login rule inside the auth service.
	router.With(middleware.RateLimitByIP(deps.IPPerMinute)).Post("/auth/login", deps.Auth.Login)

	// Session routes
	router.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(deps.Sessions, deps.IPConfig))
		r.Use(middleware.SlidingWindow(deps.Limits, models.RuleAPI, 1, middleware.KeyBySessionUser, deps.IPConfig))

		r.Get("/auth/session", deps.Auth.CurrentSession)
		r.Post("/auth/logout", deps.Auth.Logout)
		r.Post("/auth/logout-all", deps.Auth.LogoutAll)
	})

	// Operator routes
	router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequireAdminKey(deps.AdminAPIKey, deps.Logger))

		r.Get("/stats", deps.Admin.Stats)

		r.Get("/lockouts", deps.Admin.LockedAccounts)
		r.Get("/lockouts/{identifier}", deps.Admin.LockoutStatus)
		r.Post("/lockouts/{identifier}/unlock", deps.Admin.Unlock)
		r.Get("/stuffing/{ip}", deps.Admin.CredentialStuffing)

		r.Get("/users/{id}/sessions", deps.Admin.UserSessions)
		r.Delete("/users/{id}/sessions", deps.Admin.TerminateUserSessions)
		r.Delete("/sessions/{id}", deps.Admin.TerminateSession)
		r.Post("/users", deps.Admin.CreateUser)
		r.Patch("/users/{id}/status", deps.Admin.UpdateUserStatus)

		r.Post("/limits/reset", deps.Admin.ResetLimit)

		// Audit export is the expensive read; it spends the weighted export
		// budget per operator.
		r.With(middleware.SlidingWindow(deps.Limits, models.RuleExport, deps.ExportCost, keyByAdmin, deps.IPConfig)).
			Get("/audit", deps.Audit.Query)
		r.Post("/audit/verify", deps.Audit.Verify)
	})
}

func keyByAdmin(r *http.Request) (string, string) {
	return middleware.AdminFromContext(r.Context()), ""
}
