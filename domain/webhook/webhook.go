// Package webhook provides value types and pure functions for payment
// webhook notification: event payloads, HMAC-SHA256 signing, and the
// retry/backoff math used by the delivery worker.
// All types are immutable values; all functions are pure.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/artpar/paygate/domain/payment"
)

// EventType identifies a payment lifecycle transition.
type EventType string

const (
	EventPaymentReceived EventType = "payment.received"
	EventPaymentSettled  EventType = "payment.settled"
	EventPaymentFailed   EventType = "payment.failed"
)

// AllEventTypes returns the supported event types.
func AllEventTypes() []EventType {
	return []EventType{EventPaymentReceived, EventPaymentSettled, EventPaymentFailed}
}

// Event is a webhook event payload (value type).
// Signature is empty until signing at dispatch time and is excluded
// from the signed bytes.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Payment   payment.Record `json:"payment"`
	Timestamp time.Time      `json:"timestamp"`
	Signature string         `json:"signature,omitempty"`
}

// NewEvent builds an unsigned event for a payment transition.
func NewEvent(id string, t EventType, rec payment.Record, now time.Time) Event {
	return Event{ID: id, Type: t, Payment: rec, Timestamp: now.UTC()}
}

// CanonicalBytes serializes an event for signing: the JSON encoding
// with the signature field removed.
func CanonicalBytes(e Event) ([]byte, error) {
	e.Signature = ""
	return json.Marshal(e)
}

// Sign computes the hex HMAC-SHA256 of the canonical event bytes.
// Returns the event with Signature set. An empty secret leaves the
// event unsigned.
func Sign(e Event, secret string) (Event, error) {
	if secret == "" {
		return e, nil
	}
	body, err := CanonicalBytes(e)
	if err != nil {
		return e, err
	}
	e.Signature = SignBytes(body, secret)
	return e, nil
}

// SignBytes computes the hex HMAC-SHA256 signature of a payload.
func SignBytes(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature against a payload in constant
// time.
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := SignBytes(payload, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// DeliveryStatus tracks the state of one delivery attempt chain.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed" // dead-lettered after max attempts
)

// Delivery tracks attempts to deliver one event to the configured
// endpoint (value type).
type Delivery struct {
	EventID     string
	EventType   EventType
	Payload     []byte
	Signature   string // hex HMAC over the canonical event bytes; empty when unsigned
	Attempt     int
	MaxAttempts int
	Status      DeliveryStatus
	LastError   string
	NextRetry   time.Time
	CreatedAt   time.Time
}

// NewDelivery builds a pending delivery for a signed event.
func NewDelivery(e Event, payload []byte, maxAttempts int, now time.Time) Delivery {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return Delivery{
		EventID:     e.ID,
		EventType:   e.Type,
		Payload:     payload,
		Signature:   e.Signature,
		Attempt:     0,
		MaxAttempts: maxAttempts,
		Status:      DeliveryPending,
		CreatedAt:   now,
	}
}

// Backoff returns the wait before retry number attempt (1-based),
// growing exponentially from base and capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// MarkAttempt records an attempt outcome and schedules the next retry
// or dead-letters the delivery.
func MarkAttempt(d Delivery, ok bool, errMsg string, base, maxBackoff time.Duration, now time.Time) Delivery {
	d.Attempt++
	if ok {
		d.Status = DeliverySuccess
		d.LastError = ""
		return d
	}

	d.LastError = errMsg
	if d.Attempt >= d.MaxAttempts {
		d.Status = DeliveryFailed
		return d
	}
	d.Status = DeliveryPending
	d.NextRetry = now.Add(Backoff(d.Attempt, base, maxBackoff))
	return d
}
