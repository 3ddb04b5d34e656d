package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"byorlhub-license-api/internal/handler"
	"byorlhub-license-api/internal/middleware"
)

// Config holds the configuration for creating a router.
type Config struct {
	Handler         *handler.Handler
	LicenseHandler  *handler.LicenseHandler
	ProductsHandler *handler.ProductsHandler
	AdminHandler    *handler.AdminHandler
	AdminKey        string
	RateLimitRPS    float64 // 0 disables per-client throttling
	RateLimitBurst  int
	Logger          *logrus.Logger
}

// New creates and configures the HTTP router.
func New(cfg Config) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware stack (applies to ALL routes)
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.AccountContext)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "X-Account-ID", "X-Admin-Key"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// PUBLIC routes
	if cfg.Handler != nil {
		r.Get("/api/status", cfg.Handler.Status)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Handler != nil {
			r.Get("/health", cfg.Handler.Health)
		}

		if cfg.ProductsHandler != nil {
			r.Get("/products", cfg.ProductsHandler.List)
		}

		if cfg.LicenseHandler != nil {
			r.Group(func(r chi.Router) {
				if cfg.RateLimitRPS > 0 {
					r.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
				}
				r.Route("/purchase", func(r chi.Router) {
					r.Post("/start", cfg.LicenseHandler.StartPurchase)
					r.Post("/check-gamepass", cfg.LicenseHandler.CheckGamepass)
				})
				r.Get("/purchase-history", cfg.LicenseHandler.PurchaseHistory)
			})
		}

		if cfg.AdminHandler != nil {
			r.Route("/admin", func(r chi.Router) {
				r.Use(adminKeyAuth(cfg.AdminKey))
				r.Get("/stats", cfg.AdminHandler.GetStats)
				r.Get("/issuances", cfg.AdminHandler.RecentIssuances)
				r.Post("/cache/clear", cfg.AdminHandler.ClearCaches)
				r.Post("/ledger/refresh", cfg.AdminHandler.RefreshLedger)
			})
		}
	})

	return r
}

// adminKeyAuth guards operator endpoints with a shared key header. An
// empty configured key disables the admin surface entirely.
func adminKeyAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" || r.Header.Get("X-Admin-Key") != key {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"success":false,"error":{"code":"UNAUTHORIZED","message":"Invalid admin key"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
