package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/paygate/domain/payment"
	"github.com/artpar/paygate/domain/webhook"
	"github.com/artpar/paygate/ports"
)

// WebhookConfig configures outbound payment notifications.
type WebhookConfig struct {
	URL         string        // endpoint; empty disables dispatch
	Secret      string        // HMAC secret; empty sends unsigned
	MaxAttempts int           // default 3
	RetryBase   time.Duration // first backoff step (default 1s)
	RetryMax    time.Duration // backoff cap (default 1m)
	Timeout     time.Duration // per-request timeout (default 10s)
	QueueSize   int           // dispatch buffer (default 256)
}

func (c WebhookConfig) withDefaults() WebhookConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// WebhookService signs and delivers payment events to the configured
// endpoint. Dispatch never blocks the request path: events go through
// a bounded queue and a delivery worker, and failed deliveries are
// retried with exponential backoff until dead-lettered.
type WebhookService struct {
	cfg    WebhookConfig
	ids    ports.IDGenerator
	clock  ports.Clock
	logger zerolog.Logger
	client *http.Client

	// OnDelivery, when set before Start, observes each attempt outcome
	// ("success", "retry", "dead_letter"). Used to feed metrics.
	OnDelivery func(outcome string)

	queue chan webhook.Delivery

	mu      sync.Mutex
	waiting []webhook.Delivery // failed deliveries awaiting their NextRetry
	dead    []webhook.Delivery

	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
}

// NewWebhookService creates a webhook service. Call Start to begin
// delivering.
func NewWebhookService(cfg WebhookConfig, ids ports.IDGenerator, clock ports.Clock, logger zerolog.Logger) *WebhookService {
	cfg = cfg.withDefaults()
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	return &WebhookService{
		cfg:    cfg,
		ids:    ids,
		clock:  clock,
		logger: logger,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		queue:       make(chan webhook.Delivery, cfg.QueueSize),
		stopCh:      make(chan struct{}),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
}

// Start launches the delivery worker and the retry scanner.
func (s *WebhookService) Start(retryInterval time.Duration) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	if retryInterval <= 0 {
		retryInterval = time.Second
	}

	s.wg.Add(2)
	go s.deliverLoop()
	go s.retryLoop(retryInterval)
}

// Dispatch queues a payment event for delivery. A full queue drops the
// event with a log line rather than blocking the caller.
func (s *WebhookService) Dispatch(eventType string, rec payment.Record) {
	if s.cfg.URL == "" {
		return
	}

	event := webhook.NewEvent(s.ids.New(), webhook.EventType(eventType), rec, s.clock.Now())
	signed, err := webhook.Sign(event, s.cfg.Secret)
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", event.ID).Msg("failed to sign webhook event")
		return
	}
	payload, err := json.Marshal(signed)
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", event.ID).Msg("failed to serialize webhook event")
		return
	}

	delivery := webhook.NewDelivery(signed, payload, s.cfg.MaxAttempts, s.clock.Now())
	select {
	case s.queue <- delivery:
	default:
		s.logger.Warn().
			Str("event_id", event.ID).
			Str("event_type", eventType).
			Msg("webhook queue full, event dropped")
	}
}

// Close stops the workers and abandons pending deliveries.
func (s *WebhookService) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.shutdownFn()
	s.wg.Wait()
	return nil
}

// DeadLetters returns deliveries that exhausted their attempts.
func (s *WebhookService) DeadLetters() []webhook.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webhook.Delivery, len(s.dead))
	copy(out, s.dead)
	return out
}

func (s *WebhookService) deliverLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case d := <-s.queue:
			s.attempt(d)
		}
	}
}

func (s *WebhookService) retryLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.requeueReady()
		}
	}
}

// requeueReady moves waiting deliveries whose backoff has elapsed back
// onto the queue.
func (s *WebhookService) requeueReady() {
	now := s.clock.Now()

	s.mu.Lock()
	var ready []webhook.Delivery
	var still []webhook.Delivery
	for _, d := range s.waiting {
		if !d.NextRetry.After(now) {
			ready = append(ready, d)
		} else {
			still = append(still, d)
		}
	}
	s.waiting = still
	s.mu.Unlock()

	for _, d := range ready {
		select {
		case s.queue <- d:
		default:
			// Queue full: push back and try next tick.
			s.mu.Lock()
			s.waiting = append(s.waiting, d)
			s.mu.Unlock()
		}
	}
}

func (s *WebhookService) attempt(d webhook.Delivery) {
	err := s.send(d)
	updated := webhook.MarkAttempt(d, err == nil, errString(err), s.cfg.RetryBase, s.cfg.RetryMax, s.clock.Now())

	switch updated.Status {
	case webhook.DeliverySuccess:
		s.observe("success")
		s.logger.Debug().
			Str("event_id", d.EventID).
			Int("attempt", updated.Attempt).
			Msg("webhook delivered")

	case webhook.DeliveryPending:
		s.observe("retry")
		s.logger.Info().
			Str("event_id", d.EventID).
			Int("attempt", updated.Attempt).
			Time("next_retry", updated.NextRetry).
			Str("error", updated.LastError).
			Msg("webhook delivery scheduled for retry")
		s.mu.Lock()
		s.waiting = append(s.waiting, updated)
		s.mu.Unlock()

	case webhook.DeliveryFailed:
		s.observe("dead_letter")
		s.logger.Warn().
			Str("event_id", d.EventID).
			Int("attempt", updated.Attempt).
			Str("error", updated.LastError).
			Msg("webhook delivery dead-lettered")
		s.mu.Lock()
		s.dead = append(s.dead, updated)
		s.mu.Unlock()
	}
}

// send performs one HTTP delivery attempt.
func (s *WebhookService) send(d webhook.Delivery) error {
	ctx, cancel := context.WithTimeout(s.shutdownCtx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Paygate-Webhook/1.0")
	req.Header.Set("X-Event-ID", d.EventID)
	req.Header.Set("X-Event-Type", string(d.EventType))
	// The header carries the same HMAC as the embedded signature field:
	// computed over the canonical event bytes, signature excluded, so a
	// consumer can verify either without re-deriving our serialization.
	if d.Signature != "" {
		req.Header.Set("X-Webhook-Signature", d.Signature)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &deliveryError{status: resp.StatusCode}
	}
	return nil
}

func (s *WebhookService) observe(outcome string) {
	if s.OnDelivery != nil {
		s.OnDelivery(outcome)
	}
}

type deliveryError struct {
	status int
}

func (e *deliveryError) Error() string {
	return "endpoint returned " + http.StatusText(e.status)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ ports.WebhookDispatcher = (*WebhookService)(nil)
