package web

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/paygate/adapters/metrics"
	"github.com/artpar/paygate/app"
)

// RouterConfig wires the HTTP surface together.
type RouterConfig struct {
	Gateway  *app.GatewayService
	Admin    *AdminHandler
	Metrics  *metrics.Collector // nil disables /metrics and request metrics
	Upstream http.Handler       // the protected API behind the paywall
	Logger   zerolog.Logger
}

// NewRouter creates the main HTTP router: health and metrics endpoints,
// the admin API under /paygate, and everything else guarded by the
// payment middleware in front of the upstream.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}

	if cfg.Admin != nil {
		r.Mount("/paygate", cfg.Admin.Router())
	}

	// Everything else goes through the paywall.
	guarded := NewPaymentMiddleware(cfg.Gateway, cfg.Metrics, cfg.Logger)(cfg.Upstream)
	r.NotFound(guarded.ServeHTTP)

	return r
}

// NewUpstreamProxy builds a reverse proxy to the protected API.
// The timeout bounds how long the upstream may take to start
// responding; zero means no bound.
func NewUpstreamProxy(upstreamURL string, timeout time.Duration, logger zerolog.Logger) (http.Handler, error) {
	target, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, err
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = &http.Transport{
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn().Err(err).Str("path", r.URL.Path).Msg("upstream request failed")
		writeError(w, http.StatusBadGateway, "upstream unavailable")
	}
	return proxy, nil
}
