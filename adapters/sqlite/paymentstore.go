package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/paygate/domain/money"
	"github.com/artpar/paygate/domain/payment"
	"github.com/artpar/paygate/ports"
)

// ErrNotFound is returned when a payment record does not exist.
var ErrNotFound = fmt.Errorf("sqlite: payment %w", ports.ErrNotFound)

// PaymentStore implements ports.PaymentStore using SQLite.
type PaymentStore struct {
	db *DB
}

// NewPaymentStore creates a new SQLite payment store.
func NewPaymentStore(db *DB) *PaymentStore {
	return &PaymentStore{db: db}
}

// Create stores a new payment record.
func (s *PaymentStore) Create(ctx context.Context, rec payment.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, payer, route, amount_units, currency, asset, network,
			tx_hash, timestamp, settled, failure
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.Payer, rec.Route, rec.Amount.Units, rec.Amount.Currency,
		rec.Asset, rec.Network, rec.TxHash, rec.Timestamp.UTC(),
		boolToInt(rec.Settled), rec.Failure,
	)
	if err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

// Get retrieves a record by ID.
func (s *PaymentStore) Get(ctx context.Context, id string) (payment.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, payer, route, amount_units, currency, asset, network,
		       tx_hash, timestamp, settled, failure
		FROM payments WHERE id = ?
	`, id)
	return scanRecord(row)
}

// MarkSettled flips the settled flag on a record.
func (s *PaymentStore) MarkSettled(ctx context.Context, id string) (payment.Record, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE payments SET settled = 1 WHERE id = ?", id)
	if err != nil {
		return payment.Record{}, fmt.Errorf("mark settled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return payment.Record{}, err
	}
	if n == 0 {
		return payment.Record{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

// ListRecent returns the most recent records, newest first.
func (s *PaymentStore) ListRecent(ctx context.Context, limit int) ([]payment.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payer, route, amount_units, currency, asset, network,
		       tx_hash, timestamp, settled, failure
		FROM payments ORDER BY timestamp DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var recs []payment.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountByPayerRoute returns how many accepted payments a payer has made
// against a route. Failed attempts do not count toward volume tiers.
func (s *PaymentStore) CountByPayerRoute(ctx context.Context, payer, route string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM payments
		WHERE payer = ? AND route = ? AND failure = ''
	`, payer, route).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count payments: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (payment.Record, error) {
	var (
		rec      payment.Record
		units    int64
		currency string
		settled  int
		ts       time.Time
	)
	err := row.Scan(
		&rec.ID, &rec.Payer, &rec.Route, &units, &currency,
		&rec.Asset, &rec.Network, &rec.TxHash, &ts, &settled, &rec.Failure,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Record{}, ErrNotFound
	}
	if err != nil {
		return payment.Record{}, fmt.Errorf("scan payment: %w", err)
	}
	rec.Amount = money.FromUnits(units, currency)
	rec.AmountStr = money.Format(rec.Amount)
	rec.Timestamp = ts
	rec.Settled = settled != 0
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ ports.PaymentStore = (*PaymentStore)(nil)
