package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/artpar/paygate/domain/payment"
	"github.com/artpar/paygate/ports"
)

// ErrNotFound is returned for missing payment records.
var ErrNotFound = fmt.Errorf("memory: payment record %w", ports.ErrNotFound)

// PaymentStore is an in-memory implementation of ports.PaymentStore.
type PaymentStore struct {
	mu      sync.RWMutex
	records []payment.Record
	byID    map[string]int
}

// NewPaymentStore creates a new in-memory payment store.
func NewPaymentStore() *PaymentStore {
	return &PaymentStore{byID: make(map[string]int)}
}

// Create stores a new payment record.
func (s *PaymentStore) Create(ctx context.Context, rec payment.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[rec.ID]; exists {
		return fmt.Errorf("memory: duplicate payment record id %s", rec.ID)
	}
	s.byID[rec.ID] = len(s.records)
	s.records = append(s.records, rec)
	return nil
}

// Get retrieves a record by ID.
func (s *PaymentStore) Get(ctx context.Context, id string) (payment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return payment.Record{}, ErrNotFound
	}
	return s.records[idx], nil
}

// MarkSettled flips the settled flag on a record.
func (s *PaymentStore) MarkSettled(ctx context.Context, id string) (payment.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return payment.Record{}, ErrNotFound
	}
	s.records[idx] = payment.MarkSettled(s.records[idx])
	return s.records[idx], nil
}

// ListRecent returns the most recent records, newest first.
func (s *PaymentStore) ListRecent(ctx context.Context, limit int) ([]payment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]payment.Record, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

// CountByPayerRoute returns how many accepted payments a payer has
// made against a route.
func (s *PaymentStore) CountByPayerRoute(ctx context.Context, payer, route string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, r := range s.records {
		if r.Payer == payer && r.Route == route && r.Failure == "" {
			count++
		}
	}
	return count, nil
}

// Clear removes all records (for testing).
func (s *PaymentStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.byID = make(map[string]int)
}

// Ensure interface compliance.
var _ ports.PaymentStore = (*PaymentStore)(nil)
