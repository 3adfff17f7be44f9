package router

import (
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"metergate/internal/api/v1/handler"
	"metergate/internal/bootstrap"
	"metergate/internal/middleware"
)

// New mounts the v1 API for app under /v1.
func New(app *bootstrap.App, logger zerolog.Logger) http.Handler {
	cfg := app.Config
	logger.Info().Str("environment", cfg.Environment).Str("ledger", cfg.LedgerBackend).Msg("Router initialized")

	validate := validator.New(validator.WithRequiredStructEnabled())

	accountHandler := handler.NewAccountHandler(app.Quota, validate, logger)
	interpretationHandler := handler.NewInterpretationHandler(app.Metered, validate, logger)
	adminHandler := handler.NewAdminHandler(app.Quota, app.Scheduler, validate, logger)
	billingHandler := handler.NewBillingHandler(app.Billing, app.Gateway, validate, logger)

	authMiddleware := middleware.AuthMiddleware(cfg.JWTSecret, logger)
	adminMiddleware := middleware.RequireAdmin(app.RoleLookup, logger)

	mux := http.NewServeMux()

	apiV1Mux := http.NewServeMux()
	accountHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	interpretationHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	adminHandler.RegisterRoutes(apiV1Mux, authMiddleware, adminMiddleware)
	billingHandler.RegisterRoutes(apiV1Mux, authMiddleware)

	mux.Handle("/v1/", http.StripPrefix("/v1", apiV1Mux))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Redirect /api/* to /v1/* for older clients
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/")
		http.Redirect(w, r, "/v1/"+rest, http.StatusMovedPermanently)
	})

	origins := []string{"*"}
	if cfg.Environment != "development" && cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	})

	return middleware.LoggerMiddleware(logger)(c.Handler(mux))
}
