package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/artpar/paygate/adapters/metrics"
	"github.com/artpar/paygate/app"
	"github.com/artpar/paygate/ports"
)

// AdminHandler serves the operational JSON API under /paygate.
type AdminHandler struct {
	metering *app.MeteringService
	pricing  *app.PricingEngine
	webhooks *app.WebhookService
	metrics  *metrics.Collector
	apiKey   string
	logger   zerolog.Logger
}

// NewAdminHandler creates the admin handler. A non-empty apiKey gates
// every admin route behind X-API-Key or bearer auth; an empty key
// leaves the surface open, which only development setups should do.
func NewAdminHandler(metering *app.MeteringService, pricing *app.PricingEngine, webhooks *app.WebhookService, m *metrics.Collector, apiKey string, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		metering: metering,
		pricing:  pricing,
		webhooks: webhooks,
		metrics:  m,
		apiKey:   apiKey,
		logger:   logger,
	}
}

// Router returns the admin routes.
func (h *AdminHandler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireKey)
	r.Get("/stats", h.Stats)
	r.Get("/payments", h.ListPayments)
	r.Get("/payments/{id}", h.GetPayment)
	r.Post("/payments/{id}/settle", h.SettlePayment)
	r.Get("/load", h.GetLoad)
	r.Put("/load", h.SetLoad)
	r.Get("/webhooks/deadletters", h.DeadLetters)
	return r
}

// requireKey checks the admin credential on every request. The
// comparison is constant-time.
func (h *AdminHandler) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stats returns the revenue snapshot.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metering.Snapshot())
}

// ListPayments returns recent payment records, newest first.
func (h *AdminHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	recs, err := h.metering.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list payments")
		writeError(w, http.StatusInternalServerError, "failed to list payments")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": recs})
}

// GetPayment returns one payment record by id.
func (h *AdminHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.metering.Get(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "payment not found")
			return
		}
		h.logger.Error().Err(err).Str("payment_id", id).Msg("failed to get payment")
		writeError(w, http.StatusInternalServerError, "failed to get payment")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// SettlePayment marks a payment settled; called by the settlement
// pipeline once funds finalize.
func (h *AdminHandler) SettlePayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.metering.Settle(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "payment not found")
			return
		}
		h.logger.Error().Err(err).Str("payment_id", id).Msg("failed to settle payment")
		writeError(w, http.StatusInternalServerError, "failed to settle payment")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetLoad reports the pricing load gauge.
func (h *AdminHandler) GetLoad(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]float64{"load": h.pricing.Load()})
}

// SetLoad updates the pricing load gauge. Operators or an external
// autoscaler feed this to drive load-sensitive pricing.
func (h *AdminHandler) SetLoad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Load float64 `json:"load"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Load < 0 || body.Load > 1 {
		writeError(w, http.StatusBadRequest, "load must be between 0 and 1")
		return
	}

	h.pricing.SetLoad(body.Load)
	if h.metrics != nil {
		h.metrics.LoadFactor.Set(body.Load)
	}
	writeJSON(w, http.StatusOK, map[string]float64{"load": body.Load})
}

// DeadLetters lists webhook deliveries that exhausted their retries.
func (h *AdminHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	type deadLetter struct {
		EventID   string `json:"eventId"`
		EventType string `json:"eventType"`
		Attempts  int    `json:"attempts"`
		LastError string `json:"lastError"`
	}

	var out []deadLetter
	if h.webhooks != nil {
		for _, d := range h.webhooks.DeadLetters() {
			out = append(out, deadLetter{
				EventID:   d.EventID,
				EventType: string(d.EventType),
				Attempts:  d.Attempt,
				LastError: d.LastError,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": out})
}

func isNotFound(err error) bool {
	return errors.Is(err, ports.ErrNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
