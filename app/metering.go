package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/paygate/domain/money"
	"github.com/artpar/paygate/domain/payment"
	"github.com/artpar/paygate/domain/webhook"
	"github.com/artpar/paygate/ports"
)

// defaultRetainDays is how much daily revenue history the snapshot
// keeps when no retention is configured.
const defaultRetainDays = 30

// RouteStats aggregates accepted payments for one route.
type RouteStats struct {
	Route    string `json:"route"`
	Count    int64  `json:"count"`
	Revenue  string `json:"revenue"`
	Currency string `json:"currency"`
}

// PayerStats aggregates accepted payments from one payer.
type PayerStats struct {
	Payer    string `json:"payer"`
	Count    int64  `json:"count"`
	Revenue  string `json:"revenue"`
	Currency string `json:"currency"`
}

// DailyStats is one day of revenue history.
type DailyStats struct {
	Date     string `json:"date"` // "2006-01-02" UTC
	Count    int64  `json:"count"`
	Revenue  string `json:"revenue"`
	Currency string `json:"currency"`
}

// StatsSnapshot is a point-in-time view of the gateway's revenue.
type StatsSnapshot struct {
	TotalPayments  int64        `json:"totalPayments"`
	FailedAttempts int64        `json:"failedAttempts"`
	TotalRevenue   []RouteStats `json:"totalRevenue"` // one entry per currency, route ""
	UniquePayers   int          `json:"uniquePayers"`
	Routes         []RouteStats `json:"routes"`
	TopPayers      []PayerStats `json:"topPayers"`
	Daily          []DailyStats `json:"daily"`
}

type agg struct {
	count    int64
	units    int64
	currency string
}

// aggFamily is one keyed aggregate with its own lock, so folding into
// one family never contends with the others.
type aggFamily struct {
	mu sync.Mutex
	m  map[string]*agg
}

func newAggFamily() *aggFamily {
	return &aggFamily{m: make(map[string]*agg)}
}

// bump folds an amount into a bucket. A bucket keeps the currency of
// its first entry; later mismatched currencies count but do not add
// units, so a bucket never mixes denominations.
func (f *aggFamily) bump(key string, amount money.Amount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.m[key]
	if !ok {
		a = &agg{currency: amount.Currency}
		f.m[key] = a
	}
	a.count++
	if a.currency == amount.Currency {
		a.units += amount.Units
	}
}

// each visits every bucket under the family lock.
func (f *aggFamily) each(fn func(key string, a agg)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, a := range f.m {
		fn(key, *a)
	}
}

func (f *aggFamily) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.m)
}

// dropBefore deletes buckets whose key sorts below cutoff. Keys in the
// daily family are "2006-01-02" dates, so string order is date order.
func (f *aggFamily) dropBefore(cutoff string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.m {
		if key < cutoff {
			delete(f.m, key)
		}
	}
}

// MeteringService records payment outcomes, maintains revenue
// aggregates, and emits lifecycle webhook events. Aggregates live in
// memory and rebuild empty on restart; the durable record of truth is
// the payment store. Each aggregate family carries its own lock, so a
// hot route does not serialize against payer or daily bookkeeping.
type MeteringService struct {
	payments   ports.PaymentStore
	ids        ports.IDGenerator
	clock      ports.Clock
	dispatcher ports.WebhookDispatcher
	logger     zerolog.Logger
	retainDays int

	total  *aggFamily // by currency
	routes *aggFamily
	payers *aggFamily
	daily  *aggFamily // by "2006-01-02"

	failMu   sync.Mutex
	failures int64
}

// NewMeteringService creates a metering service. retainDays bounds the
// daily revenue history; 0 keeps the default 30 days.
func NewMeteringService(payments ports.PaymentStore, ids ports.IDGenerator, clock ports.Clock, dispatcher ports.WebhookDispatcher, retainDays int, logger zerolog.Logger) *MeteringService {
	if retainDays <= 0 {
		retainDays = defaultRetainDays
	}
	return &MeteringService{
		payments:   payments,
		ids:        ids,
		clock:      clock,
		dispatcher: dispatcher,
		logger:     logger,
		retainDays: retainDays,
		total:      newAggFamily(),
		routes:     newAggFamily(),
		payers:     newAggFamily(),
		daily:      newAggFamily(),
	}
}

// RecordPayment stores an accepted payment, folds it into the
// aggregates, and emits payment.received.
func (s *MeteringService) RecordPayment(ctx context.Context, route string, v payment.VerificationResult, asset, network string) (payment.Record, error) {
	now := s.clock.Now()
	rec := payment.NewRecord(s.ids.New(), route, v, asset, network, now)

	if err := s.payments.Create(ctx, rec); err != nil {
		return payment.Record{}, err
	}

	s.total.bump(rec.Amount.Currency, rec.Amount)
	s.routes.bump(route, rec.Amount)
	s.payers.bump(rec.Payer, rec.Amount)
	s.daily.bump(now.UTC().Format("2006-01-02"), rec.Amount)
	s.pruneDaily(now)

	s.dispatcher.Dispatch(string(webhook.EventPaymentReceived), rec)

	s.logger.Info().
		Str("payment_id", rec.ID).
		Str("payer", rec.Payer).
		Str("route", route).
		Str("amount", rec.AmountStr).
		Msg("payment recorded")
	return rec, nil
}

// RecordFailure stores a rejected payment attempt and emits
// payment.failed. Failures never count toward revenue or tiers.
func (s *MeteringService) RecordFailure(ctx context.Context, route string, proof payment.Proof, kind payment.ErrorKind, currency string) (payment.Record, error) {
	rec := payment.NewFailedRecord(s.ids.New(), route, proof, kind, currency, s.clock.Now())

	if err := s.payments.Create(ctx, rec); err != nil {
		return payment.Record{}, err
	}

	s.failMu.Lock()
	s.failures++
	s.failMu.Unlock()

	s.dispatcher.Dispatch(string(webhook.EventPaymentFailed), rec)
	return rec, nil
}

// Settle marks a payment settled and emits payment.settled. Used by
// the settlement callback once funds finalize downstream.
func (s *MeteringService) Settle(ctx context.Context, id string) (payment.Record, error) {
	rec, err := s.payments.MarkSettled(ctx, id)
	if err != nil {
		return payment.Record{}, err
	}
	s.dispatcher.Dispatch(string(webhook.EventPaymentSettled), rec)
	return rec, nil
}

// Recent returns the most recent payment records.
func (s *MeteringService) Recent(ctx context.Context, limit int) ([]payment.Record, error) {
	return s.payments.ListRecent(ctx, limit)
}

// Get returns one payment record by id.
func (s *MeteringService) Get(ctx context.Context, id string) (payment.Record, error) {
	return s.payments.Get(ctx, id)
}

// Snapshot returns current aggregates: totals, per-route and per-payer
// revenue, and the retained daily history. Each family is read under
// its own lock, so the snapshot is consistent per family rather than
// across families.
func (s *MeteringService) Snapshot() StatsSnapshot {
	s.failMu.Lock()
	failures := s.failures
	s.failMu.Unlock()

	snap := StatsSnapshot{
		FailedAttempts: failures,
		UniquePayers:   s.payers.size(),
	}

	s.total.each(func(currency string, a agg) {
		snap.TotalPayments += a.count
		snap.TotalRevenue = append(snap.TotalRevenue, RouteStats{
			Count:    a.count,
			Revenue:  money.Format(money.FromUnits(a.units, currency)),
			Currency: currency,
		})
	})
	sort.Slice(snap.TotalRevenue, func(i, j int) bool {
		return snap.TotalRevenue[i].Currency < snap.TotalRevenue[j].Currency
	})

	s.routes.each(func(route string, a agg) {
		snap.Routes = append(snap.Routes, RouteStats{
			Route:    route,
			Count:    a.count,
			Revenue:  money.Format(money.FromUnits(a.units, a.currency)),
			Currency: a.currency,
		})
	})
	sort.Slice(snap.Routes, func(i, j int) bool {
		if snap.Routes[i].Count != snap.Routes[j].Count {
			return snap.Routes[i].Count > snap.Routes[j].Count
		}
		return snap.Routes[i].Route < snap.Routes[j].Route
	})

	s.payers.each(func(payer string, a agg) {
		snap.TopPayers = append(snap.TopPayers, PayerStats{
			Payer:    payer,
			Count:    a.count,
			Revenue:  money.Format(money.FromUnits(a.units, a.currency)),
			Currency: a.currency,
		})
	})
	sort.Slice(snap.TopPayers, func(i, j int) bool {
		pi, pj := snap.TopPayers[i], snap.TopPayers[j]
		if pi.Count != pj.Count {
			return pi.Count > pj.Count
		}
		return pi.Payer < pj.Payer
	})
	if len(snap.TopPayers) > 10 {
		snap.TopPayers = snap.TopPayers[:10]
	}

	s.daily.each(func(date string, a agg) {
		snap.Daily = append(snap.Daily, DailyStats{
			Date:     date,
			Count:    a.count,
			Revenue:  money.Format(money.FromUnits(a.units, a.currency)),
			Currency: a.currency,
		})
	})
	sort.Slice(snap.Daily, func(i, j int) bool {
		return snap.Daily[i].Date < snap.Daily[j].Date
	})

	return snap
}

func (s *MeteringService) pruneDaily(now time.Time) {
	cutoff := now.UTC().AddDate(0, 0, -s.retainDays).Format("2006-01-02")
	s.daily.dropBefore(cutoff)
}
