package bootstrap_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/artpar/paygate/bootstrap"
	"github.com/artpar/paygate/config"
)

func TestBootstrap_Integration(t *testing.T) {
	// Create mock upstream
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"message": "hello from upstream"}`))
	}))
	defer upstream.Close()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	cfg := loadConfig(t, `
environment: "development"

upstream:
  url: "`+upstream.URL+`"

payment:
  pay_to: "0x1111111111111111111111111111111111111111"

verifier:
  mode: "test"

pricing:
  - method: "GET"
    pattern: "/api/data"
    price: "$0.01"

database:
  driver: "sqlite"
  dsn: "`+dbPath+`"

metrics:
  enabled: true
`)

	app, err := bootstrap.New(cfg)
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	defer app.Shutdown()

	if app.HTTPServer == nil {
		t.Fatal("HTTPServer should not be nil")
	}
	if app.Metrics == nil {
		t.Error("Metrics should not be nil when enabled")
	}

	// Drive a request through the full stack without binding a port.
	srv := httptest.NewServer(app.HTTPServer.Handler)
	defer srv.Close()

	// Free route passes straight through to the upstream.
	resp, err := http.Get(srv.URL + "/public/info")
	if err != nil {
		t.Fatalf("free route request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("free route status = %d, want 200", resp.StatusCode)
	}

	// Priced route without payment gets the 402 challenge.
	resp, err = http.Get(srv.URL + "/api/data")
	if err != nil {
		t.Fatalf("priced route request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("priced route status = %d, want 402", resp.StatusCode)
	}

	// Health and metrics endpoints respond.
	for _, path := range []string{"/healthz", "/metrics", "/paygate/stats"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("%s request: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestBootstrap_MemoryStore(t *testing.T) {
	cfg := loadConfig(t, `
environment: "development"

upstream:
  url: "http://localhost:9999"

verifier:
  mode: "test"

database:
  driver: "memory"
`)

	app, err := bootstrap.New(cfg)
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	defer app.Shutdown()

	if app.HTTPServer == nil {
		t.Error("HTTPServer should not be nil")
	}
}

func TestBootstrap_UnreachableVerifierFailsClosed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer upstream.Close()

	cfg := loadConfig(t, `
upstream:
  url: "`+upstream.URL+`"

payment:
  pay_to: "0x1111111111111111111111111111111111111111"

verifier:
  mode: "facilitator"
  facilitator:
    url: "http://127.0.0.1:1"
    timeout: 100ms

pricing:
  - pattern: "/api/data"
    price: "$0.01"

database:
  driver: "memory"
`)

	app, err := bootstrap.New(cfg)
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	defer app.Shutdown()

	srv := httptest.NewServer(app.HTTPServer.Handler)
	defer srv.Close()

	req, _ := http.NewRequest("GET", srv.URL+"/api/data", nil)
	req.Header.Set("X-Payment", proofHeader())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502 when verifier is unreachable", resp.StatusCode)
	}
}

func proofHeader() string {
	// {"payer":"0xaaa","txHash":"0xbbb","network":"eip155:8453","asset":"USDC"}
	return "eyJwYXllciI6IjB4YWFhIiwidHhIYXNoIjoiMHhiYmIiLCJuZXR3b3JrIjoiZWlwMTU1Ojg0NTMiLCJhc3NldCI6IlVTREMifQ=="
}

func loadConfig(t *testing.T, content string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "paygate.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}
