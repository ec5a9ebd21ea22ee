package sqlite_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/artpar/paygate/adapters/sqlite"
	"github.com/artpar/paygate/domain/money"
	"github.com/artpar/paygate/domain/payment"
)

func setupTestDB(t *testing.T) *sqlite.DB {
	t.Helper()

	f, err := os.CreateTemp("", "paygate-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	path := f.Name()
	f.Close()

	db, err := sqlite.Open(path)
	if err != nil {
		os.Remove(path)
		t.Fatalf("open database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		os.Remove(path)
		t.Fatalf("migrate: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
		os.Remove(path)
	})
	return db
}

func record(id, payer, route string, units int64, ts time.Time) payment.Record {
	amount := money.FromUnits(units, "USD")
	return payment.Record{
		ID:        id,
		Payer:     payer,
		Route:     route,
		Amount:    amount,
		AmountStr: money.Format(amount),
		Asset:     "USDC",
		Network:   "eip155:8453",
		TxHash:    "0x" + id,
		Timestamp: ts,
	}
}

func TestPaymentStoreCreateGet(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewPaymentStore(db)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := record("pay_1", "0xaaa", "GET /api/data", 10000, now)

	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "pay_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Payer != "0xaaa" || got.Route != "GET /api/data" {
		t.Errorf("got %+v", got)
	}
	if got.Amount.Units != 10000 || got.Amount.Currency != "USD" {
		t.Errorf("amount = %+v", got.Amount)
	}
	if got.AmountStr != "$0.01" {
		t.Errorf("amount string = %q", got.AmountStr)
	}
	if !got.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, now)
	}
	if got.Settled {
		t.Error("new record should not be settled")
	}
}

func TestPaymentStoreGetMissing(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewPaymentStore(db)

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, sqlite.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPaymentStoreDuplicateID(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewPaymentStore(db)
	ctx := context.Background()

	rec := record("pay_1", "0xaaa", "GET /a", 10000, time.Now().UTC())
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, rec); err == nil {
		t.Error("expected duplicate id to fail")
	}
}

func TestPaymentStoreMarkSettled(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewPaymentStore(db)
	ctx := context.Background()

	rec := record("pay_1", "0xaaa", "GET /a", 10000, time.Now().UTC())
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := store.MarkSettled(ctx, "pay_1")
	if err != nil {
		t.Fatalf("MarkSettled: %v", err)
	}
	if !updated.Settled {
		t.Error("expected settled")
	}

	if _, err := store.MarkSettled(ctx, "missing"); !errors.Is(err, sqlite.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPaymentStoreCountByPayerRoute(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewPaymentStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, rec := range []payment.Record{
		record("pay_1", "0xaaa", "GET /a", 10000, now),
		record("pay_2", "0xaaa", "GET /a", 10000, now),
		record("pay_3", "0xaaa", "GET /b", 10000, now),
		record("pay_4", "0xbbb", "GET /a", 10000, now),
	} {
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	// Failed attempts are excluded from tier counting.
	failed := record("pay_5", "0xaaa", "GET /a", 0, now)
	failed.Failure = string(payment.KindPaymentInsufficient)
	if err := store.Create(ctx, failed); err != nil {
		t.Fatalf("Create failed record: %v", err)
	}

	count, err := store.CountByPayerRoute(ctx, "0xaaa", "GET /a")
	if err != nil {
		t.Fatalf("CountByPayerRoute: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	count, err = store.CountByPayerRoute(ctx, "0xccc", "GET /a")
	if err != nil {
		t.Fatalf("CountByPayerRoute: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestPaymentStoreListRecent(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewPaymentStore(db)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec := record(
			string(rune('a'+i)),
			"0xaaa", "GET /a", 10000,
			base.Add(time.Duration(i)*time.Minute),
		)
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	recs, err := store.ListRecent(ctx, 3)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	if recs[0].ID != "e" || recs[1].ID != "d" || recs[2].ID != "c" {
		t.Errorf("order = %s %s %s", recs[0].ID, recs[1].ID, recs[2].ID)
	}
}
