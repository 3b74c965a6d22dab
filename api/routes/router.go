package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ratolabs/rato-license-server/api/controllers"
	"github.com/ratolabs/rato-license-server/api/middleware"
	"github.com/ratolabs/rato-license-server/internal/licenses"
	"github.com/ratolabs/rato-license-server/pkg/config"
	"github.com/ratolabs/rato-license-server/pkg/logger"
	"github.com/ratolabs/rato-license-server/pkg/redis"
)

// Pinger is the readiness contract for backing stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter wires every HTTP surface: liveness/readiness, Prometheus
// metrics, the public validation endpoint and the JWT-guarded admin API.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP Pinger,
	redisClient *redis.Client,
	licenseService licenses.Service,
	registry *prometheus.Registry,
) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	validatePolicy := middleware.NewValidateRateLimitPolicy(
		"validate",
		cfg.RateLimit.ValidateWindow,
		cfg.RateLimit.ValidateIPLimit,
		cfg.RateLimit.ValidateKeyLimit,
	)

	// A nil *redis.Client must stay nil once boxed into the interface
	// params below, otherwise the nil checks downstream never fire.
	var cacheP Pinger
	if redisClient != nil {
		cacheP = redisClient
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, dbP, cacheP, logg))
	})

	if registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/public", func(r chi.Router) {
		r.Get("/ping", controllers.PublicPing())
		r.With(middleware.ValidateRateLimit(validatePolicy, redisClient, logg)).
			Post("/validate", controllers.LicenseValidate(licenseService, logg))
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Get("/ping", controllers.AdminPing())

		r.Route("/licenses", func(r chi.Router) {
			r.Post("/", controllers.LicenseCreate(licenseService, logg))
			r.Get("/", controllers.LicenseList(licenseService, logg))
			r.Get("/stats", controllers.LicenseStats(licenseService, logg))

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", controllers.LicenseGet(licenseService, logg))
				r.Patch("/", controllers.LicenseUpdate(licenseService, logg))
				r.Post("/revoke", controllers.LicenseRevoke(licenseService, logg))
				r.Post("/reset-machines", controllers.LicenseResetMachines(licenseService, logg))
				r.Get("/logs", controllers.LicenseLogs(licenseService, logg))
			})
		})
	})

	return r
}
