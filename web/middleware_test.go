package web_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/paygate/adapters/clock"
	"github.com/artpar/paygate/adapters/idgen"
	"github.com/artpar/paygate/adapters/memory"
	"github.com/artpar/paygate/app"
	"github.com/artpar/paygate/domain/money"
	"github.com/artpar/paygate/domain/payment"
	"github.com/artpar/paygate/domain/pricing"
	"github.com/artpar/paygate/domain/ratelimit"
	"github.com/artpar/paygate/web"
)

type fakeVerifier struct {
	result payment.VerificationResult
}

func (f *fakeVerifier) Verify(_ context.Context, proof payment.Proof, _ payment.Requirement) (payment.VerificationResult, error) {
	r := f.result
	if r.Valid {
		r.Payer = proof.Payer
		r.TxHash = proof.TxHash
	}
	return r, nil
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(string, payment.Record) {}
func (nopDispatcher) Close() error                    { return nil }

type fixture struct {
	router   http.Handler
	gateway  *app.GatewayService
	metering *app.MeteringService
	pricing  *app.PricingEngine
	clk      *clock.Fake
}

func mustAmount(t *testing.T, s string) money.Amount {
	t.Helper()
	a, err := money.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func newFixture(t *testing.T, verifier *fakeVerifier, limit int64) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	payments := memory.NewPaymentStore()
	limits := memory.NewRateLimitStore(memory.RateLimitConfig{})
	t.Cleanup(func() { limits.Close() })

	engine, err := app.NewPricingEngine([]pricing.Rule{
		{Method: "GET", Pattern: "/api/data", Price: mustAmount(t, "$0.01")},
	}, payments, clk, logger)
	if err != nil {
		t.Fatal(err)
	}

	metering := app.NewMeteringService(payments, idgen.NewSequential("pay_"), clk, nopDispatcher{}, 0, logger)

	cfg := app.GatewayConfig{
		PayTo:             "0x1111111111111111111111111111111111111111",
		Network:           "eip155:8453",
		Asset:             "USDC",
		Currency:          "USD",
		MaxTimeoutSeconds: 60,
	}
	if limit > 0 {
		cfg.RateLimit = ratelimit.Config{Limit: limit, Window: time.Minute}
	}
	gateway := app.NewGatewayService(cfg, engine, verifier, limits, metering, clk, logger)

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":"premium"}`))
	})

	admin := web.NewAdminHandler(metering, engine, nil, nil, "", logger)
	router := web.NewRouter(web.RouterConfig{
		Gateway:  gateway,
		Admin:    admin,
		Upstream: upstream,
		Logger:   logger,
	})

	return &fixture{router: router, gateway: gateway, metering: metering, pricing: engine, clk: clk}
}

func header(payer string) string {
	return payment.EncodeProofHeader(payment.Proof{
		Payer:   payer,
		TxHash:  "0xdeadbeef",
		Network: "eip155:8453",
		Asset:   "USDC",
		Amount:  "$0.01",
	})
}

func TestPricedRouteWithoutPaymentGets402(t *testing.T) {
	f := newFixture(t, &fakeVerifier{}, 0)

	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest("GET", "/api/data", nil))

	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var body payment.RequiredResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal 402 body: %v", err)
	}
	if body.Error != "payment_missing" {
		t.Errorf("error = %q", body.Error)
	}
	if body.Accepts.MaxAmountRequired != "$0.01" {
		t.Errorf("maxAmountRequired = %q", body.Accepts.MaxAmountRequired)
	}
	if body.Accepts.Resource != "/api/data" {
		t.Errorf("resource = %q", body.Accepts.Resource)
	}
	if body.X402Version != 1 {
		t.Errorf("x402Version = %d", body.X402Version)
	}
}

func TestPaidRequestPassesThrough(t *testing.T) {
	f := newFixture(t, &fakeVerifier{result: payment.VerificationResult{
		Valid:  true,
		Amount: money.FromUnits(10000, "USD"),
	}}, 0)

	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set(payment.HeaderPayment, header("0xaaa"))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != `{"data":"premium"}` {
		t.Errorf("body = %s", rr.Body.String())
	}

	var accepted payment.AcceptedResponse
	if err := json.Unmarshal([]byte(rr.Header().Get(payment.HeaderPaymentResponse)), &accepted); err != nil {
		t.Fatalf("decode X-Payment-Response: %v", err)
	}
	if accepted.Status != "accepted" || accepted.TxHash != "0xdeadbeef" {
		t.Errorf("accepted = %+v", accepted)
	}
}

func TestFreeRouteBypassesPaywall(t *testing.T) {
	f := newFixture(t, &fakeVerifier{}, 0)

	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest("GET", "/public/info", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Header().Get(payment.HeaderPaymentResponse) != "" {
		t.Error("free route should not carry a payment response")
	}
}

func TestRateLimitedRequestGets429WithHeaders(t *testing.T) {
	f := newFixture(t, &fakeVerifier{result: payment.VerificationResult{
		Valid:  true,
		Amount: money.FromUnits(10000, "USD"),
	}}, 2)

	var rr *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/api/data", nil)
		req.Header.Set(payment.HeaderPayment, header("0xaaa"))
		rr = httptest.NewRecorder()
		f.router.ServeHTTP(rr, req)
	}

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("remaining = %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
	if rr.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("missing X-RateLimit-Reset")
	}

	var body payment.RequiredResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal 429 body: %v", err)
	}
	if body.Error != "rate_limited" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestVerifierOutageReturns502(t *testing.T) {
	f := newFixture(t, &fakeVerifier{result: payment.Invalid(payment.KindVerifierUnavailable)}, 0)

	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set(payment.HeaderPayment, header("0xaaa"))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, &fakeVerifier{}, 0)

	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestAdmittedRequestCarriesPaymentContext(t *testing.T) {
	verifier := &fakeVerifier{result: payment.VerificationResult{
		Valid:  true,
		Amount: money.FromUnits(10000, "USD"),
	}}
	f := newFixture(t, verifier, 0)

	var rec payment.Record
	var found bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, found = web.PaymentFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := web.NewPaymentMiddleware(f.gateway, nil, zerolog.Nop())(next)

	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set(payment.HeaderPayment, header("0xaaa"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !found {
		t.Fatal("expected payment record on request context")
	}
	if rec.Payer != "0xaaa" || rec.TxHash != "0xdeadbeef" {
		t.Errorf("record = %+v", rec)
	}

	// Free routes go through without a record.
	found = true
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/public", nil))
	if found {
		t.Error("free route should not carry a payment record")
	}
}
