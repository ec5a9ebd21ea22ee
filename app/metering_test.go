package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/paygate/adapters/clock"
	"github.com/artpar/paygate/adapters/idgen"
	"github.com/artpar/paygate/adapters/memory"
	"github.com/artpar/paygate/app"
	"github.com/artpar/paygate/domain/money"
	"github.com/artpar/paygate/domain/payment"
)

// recordingDispatcher captures dispatched events for assertions.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []string
}

func (d *recordingDispatcher) Dispatch(eventType string, _ payment.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, eventType)
}

func (d *recordingDispatcher) Close() error { return nil }

func (d *recordingDispatcher) all() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.events))
	copy(out, d.events)
	return out
}

func newMetering(t *testing.T) (*app.MeteringService, *recordingDispatcher, *clock.Fake) {
	t.Helper()
	dispatcher := &recordingDispatcher{}
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := app.NewMeteringService(memory.NewPaymentStore(), idgen.NewSequential("pay_"), clk, dispatcher, 0, zerolog.Nop())
	return svc, dispatcher, clk
}

func verified(payer string, units int64) payment.VerificationResult {
	return payment.VerificationResult{
		Valid:  true,
		Payer:  payer,
		Amount: money.FromUnits(units, "USD"),
		TxHash: "0xabc",
	}
}

func TestRecordPaymentEmitsReceived(t *testing.T) {
	svc, dispatcher, _ := newMetering(t)

	rec, err := svc.RecordPayment(context.Background(), "GET /api/data", verified("0xaaa", 10000), "USDC", "eip155:8453")
	if err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	if rec.ID != "pay_1" {
		t.Errorf("id = %q", rec.ID)
	}
	if rec.AmountStr != "$0.01" {
		t.Errorf("amount = %q", rec.AmountStr)
	}

	events := dispatcher.all()
	if len(events) != 1 || events[0] != "payment.received" {
		t.Errorf("events = %v", events)
	}
}

func TestRecordFailureEmitsFailed(t *testing.T) {
	svc, dispatcher, _ := newMetering(t)

	proof := payment.Proof{Payer: "0xaaa", TxHash: "0x1", Network: "eip155:8453", Asset: "USDC"}
	rec, err := svc.RecordFailure(context.Background(), "GET /api/data", proof, payment.KindPaymentInsufficient, "USD")
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if rec.Failure != "payment_insufficient" {
		t.Errorf("failure = %q", rec.Failure)
	}

	events := dispatcher.all()
	if len(events) != 1 || events[0] != "payment.failed" {
		t.Errorf("events = %v", events)
	}
}

func TestSettleEmitsSettled(t *testing.T) {
	svc, dispatcher, _ := newMetering(t)
	ctx := context.Background()

	rec, err := svc.RecordPayment(ctx, "GET /api/data", verified("0xaaa", 10000), "USDC", "eip155:8453")
	if err != nil {
		t.Fatal(err)
	}

	settled, err := svc.Settle(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !settled.Settled {
		t.Error("expected settled flag")
	}

	events := dispatcher.all()
	if len(events) != 2 || events[1] != "payment.settled" {
		t.Errorf("events = %v", events)
	}
}

func TestSnapshotAggregates(t *testing.T) {
	svc, _, clk := newMetering(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.RecordPayment(ctx, "GET /api/data", verified("0xaaa", 10000), "USDC", "eip155:8453"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.RecordPayment(ctx, "GET /api/other", verified("0xbbb", 50000), "USDC", "eip155:8453"); err != nil {
		t.Fatal(err)
	}
	proof := payment.Proof{Payer: "0xccc", TxHash: "0x1", Network: "eip155:8453", Asset: "USDC"}
	if _, err := svc.RecordFailure(ctx, "GET /api/data", proof, payment.KindTxNotFound, "USD"); err != nil {
		t.Fatal(err)
	}

	snap := svc.Snapshot()

	if snap.TotalPayments != 4 {
		t.Errorf("totalPayments = %d, want 4", snap.TotalPayments)
	}
	if snap.FailedAttempts != 1 {
		t.Errorf("failedAttempts = %d, want 1", snap.FailedAttempts)
	}
	if snap.UniquePayers != 2 {
		t.Errorf("uniquePayers = %d, want 2", snap.UniquePayers)
	}

	if len(snap.TotalRevenue) != 1 || snap.TotalRevenue[0].Revenue != "$0.08" {
		t.Errorf("totalRevenue = %+v", snap.TotalRevenue)
	}

	if len(snap.Routes) != 2 {
		t.Fatalf("routes = %+v", snap.Routes)
	}
	// Sorted by count descending.
	if snap.Routes[0].Route != "GET /api/data" || snap.Routes[0].Count != 3 || snap.Routes[0].Revenue != "$0.03" {
		t.Errorf("top route = %+v", snap.Routes[0])
	}

	if len(snap.TopPayers) != 2 || snap.TopPayers[0].Payer != "0xaaa" {
		t.Errorf("topPayers = %+v", snap.TopPayers)
	}

	today := clk.Now().UTC().Format("2006-01-02")
	if len(snap.Daily) != 1 || snap.Daily[0].Date != today || snap.Daily[0].Count != 4 {
		t.Errorf("daily = %+v", snap.Daily)
	}
}

func TestSnapshotPrunesOldDays(t *testing.T) {
	svc, _, clk := newMetering(t)
	ctx := context.Background()

	if _, err := svc.RecordPayment(ctx, "GET /a", verified("0xaaa", 10000), "USDC", "eip155:8453"); err != nil {
		t.Fatal(err)
	}

	clk.Advance(40 * 24 * time.Hour)
	if _, err := svc.RecordPayment(ctx, "GET /a", verified("0xaaa", 10000), "USDC", "eip155:8453"); err != nil {
		t.Fatal(err)
	}

	snap := svc.Snapshot()
	if len(snap.Daily) != 1 {
		t.Errorf("daily buckets = %+v, want only the recent day", snap.Daily)
	}
}

func TestSnapshotHonorsConfiguredRetention(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := app.NewMeteringService(memory.NewPaymentStore(), idgen.NewSequential("pay_"), clk, dispatcher, 7, zerolog.Nop())
	ctx := context.Background()

	if _, err := svc.RecordPayment(ctx, "GET /a", verified("0xaaa", 10000), "USDC", "eip155:8453"); err != nil {
		t.Fatal(err)
	}

	// Eight days later the first bucket is past the 7-day retention,
	// though well inside the 30-day default.
	clk.Advance(8 * 24 * time.Hour)
	if _, err := svc.RecordPayment(ctx, "GET /a", verified("0xaaa", 10000), "USDC", "eip155:8453"); err != nil {
		t.Fatal(err)
	}

	snap := svc.Snapshot()
	if len(snap.Daily) != 1 {
		t.Errorf("daily buckets = %+v, want only the recent day", snap.Daily)
	}
}

func TestAggregatesUnderConcurrentRecording(t *testing.T) {
	svc, _, _ := newMetering(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			payer := "0x" + string(rune('a'+n))
			for j := 0; j < 25; j++ {
				svc.RecordPayment(ctx, "GET /a", verified(payer, 10000), "USDC", "eip155:8453")
				svc.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	snap := svc.Snapshot()
	if snap.TotalPayments != 200 {
		t.Errorf("total payments = %d, want 200", snap.TotalPayments)
	}
	if snap.UniquePayers != 8 {
		t.Errorf("unique payers = %d, want 8", snap.UniquePayers)
	}
}
