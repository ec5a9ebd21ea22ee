// Package web provides the HTTP surface of the gateway: the payment
// admission middleware in front of the protected API, and the admin
// endpoints for stats, payments, and operational controls.
package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/artpar/paygate/adapters/metrics"
	"github.com/artpar/paygate/app"
	"github.com/artpar/paygate/domain/payment"
)

// NewPaymentMiddleware gates requests behind the x402 payment flow.
// Free routes pass through untouched; priced routes are admitted only
// with a verified payment and an open rate limit window.
func NewPaymentMiddleware(gateway *app.GatewayService, m *metrics.Collector, logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := gateway.Evaluate(r.Context(), r.Method, r.URL.Path, r.Header.Get(payment.HeaderPayment))
			route := r.Method + " " + r.URL.Path

			if decision.RateLimit != nil {
				w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.RateLimit.Limit, 10))
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.RateLimit.Remaining, 10))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.RateLimit.ResetAt.Unix(), 10))
			}

			if !decision.Admit {
				if m != nil {
					observeRejection(m, route, decision)
				}
				if decision.Kind == payment.KindRateLimited && decision.RateLimit != nil {
					w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(decision.RateLimit.RetryAfter), 10))
				}
				writeDecision(w, decision, logger)
				return
			}

			if decision.PaymentResponse != "" {
				r = r.WithContext(withPayment(r.Context(), decision.Record))
				w.Header().Set(payment.HeaderPaymentResponse, decision.PaymentResponse)
				if m != nil {
					m.PaymentsAccepted.WithLabelValues(route, decision.Record.Network).Inc()
					m.RevenueUnits.WithLabelValues(route, decision.Price.Currency).Add(float64(decision.Price.Units))
					m.Verifications.WithLabelValues("valid", decision.Record.Network).Inc()
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func observeRejection(m *metrics.Collector, route string, d app.Decision) {
	switch d.Kind {
	case payment.KindRateLimited:
		m.RateLimitHits.WithLabelValues(route).Inc()
	case payment.KindVerifierUnavailable:
		m.Verifications.WithLabelValues("unavailable", "").Inc()
	default:
		m.PaymentsRejected.WithLabelValues(route, string(d.Kind)).Inc()
		m.Verifications.WithLabelValues("invalid", "").Inc()
	}
}

// retryAfterSeconds rounds a wait up to whole seconds, minimum 1.
func retryAfterSeconds(d time.Duration) int64 {
	s := int64((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func writeDecision(w http.ResponseWriter, d app.Decision, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.Status)
	if d.Body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(d.Body); err != nil {
		logger.Error().Err(err).Msg("failed to write rejection body")
	}
}

// NewLoggingMiddleware logs one line per request.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			// Skip logging for health checks and metrics
			if strings.HasPrefix(r.URL.Path, "/healthz") || r.URL.Path == "/metrics" {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

// NewMetricsMiddleware records request counts and latencies.
func NewMetricsMiddleware(m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip metrics for internal endpoints
			if strings.HasPrefix(r.URL.Path, "/healthz") || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start).Seconds()
			status := statusLabel(ww.Status())

			m.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			m.RequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(duration)
		})
	}
}

// statusLabel returns a string label for the status code.
func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}
