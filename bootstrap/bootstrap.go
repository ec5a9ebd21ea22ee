// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/paygate/adapters/chain"
	"github.com/artpar/paygate/adapters/clock"
	"github.com/artpar/paygate/adapters/facilitator"
	"github.com/artpar/paygate/adapters/idgen"
	"github.com/artpar/paygate/adapters/memory"
	"github.com/artpar/paygate/adapters/metrics"
	"github.com/artpar/paygate/adapters/sqlite"
	"github.com/artpar/paygate/app"
	"github.com/artpar/paygate/config"
	"github.com/artpar/paygate/ports"
	"github.com/artpar/paygate/web"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	HTTPServer *http.Server
	Metrics    *metrics.Collector

	db        *sqlite.DB
	limits    *memory.RateLimitStore
	webhooks  *app.WebhookService
	pricing   *app.PricingEngine
	gateway   *app.GatewayService
	holder    *config.Holder
	hotReload bool
}

// New creates and initializes the application from a loaded config.
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)
	return build(cfg, logger)
}

// NewWithHotReload creates the application and watches the config file
// for changes. Pricing rules and rate limits apply without restart.
func NewWithHotReload(path string) (*App, error) {
	bootLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	holder, err := config.NewHolder(path, bootLogger)
	if err != nil {
		return nil, err
	}

	cfg := holder.Get()
	logger := setupLogger(cfg.Logging)

	a, err := build(cfg, logger)
	if err != nil {
		holder.Stop()
		return nil, err
	}

	a.holder = holder
	a.hotReload = true

	holder.OnChange(func(newCfg *config.Config) {
		a.applyReload(newCfg)
	})

	if err := holder.WatchFile(); err != nil {
		logger.Warn().Err(err).Msg("config file watch unavailable, SIGHUP reload only")
	}
	holder.WatchSignals()

	return a, nil
}

func build(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	logger.Info().Msg("initializing paygate")

	a := &App{Logger: logger}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
		a.Metrics = collector
		logger.Info().Msg("prometheus metrics enabled")
	}

	// Payment record storage
	payments, err := a.initStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	// Core dependencies
	clk := clock.Real{}
	ids := idgen.Prefixed{Prefix: "pay_"}
	a.limits = memory.NewRateLimitStore(memory.RateLimitConfig{})

	// Webhook dispatch
	a.webhooks = app.NewWebhookService(app.WebhookConfig{
		URL:         cfg.Webhook.URL,
		Secret:      cfg.Webhook.Secret,
		MaxAttempts: cfg.Webhook.MaxAttempts,
		RetryBase:   cfg.Webhook.RetryBase,
		RetryMax:    cfg.Webhook.RetryMax,
		Timeout:     cfg.Webhook.Timeout,
	}, idgen.Prefixed{Prefix: "evt_"}, clk, logger)
	if collector != nil {
		a.webhooks.OnDelivery = func(outcome string) {
			collector.WebhookDeliveries.WithLabelValues(outcome).Inc()
		}
	}
	a.webhooks.Start(5 * time.Second)

	// Metering and analytics
	metering := app.NewMeteringService(payments, ids, clk, a.webhooks, cfg.Analytics.RetentionDays, logger)

	// Pricing
	rules, err := cfg.PricingRules()
	if err != nil {
		return nil, fmt.Errorf("pricing rules: %w", err)
	}
	engine, err := app.NewPricingEngine(rules, payments, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("pricing engine: %w", err)
	}
	a.pricing = engine

	// Payment verification
	verifier, err := buildVerifier(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build verifier: %w", err)
	}

	// Gateway
	gateway := app.NewGatewayService(app.GatewayConfig{
		PayTo:             cfg.Payment.PayTo,
		Network:           cfg.Payment.Network,
		Asset:             cfg.Payment.Asset,
		Currency:          cfg.Payment.Currency,
		MaxTimeoutSeconds: cfg.Payment.MaxTimeoutSeconds,
		RateLimit:         cfg.RateLimitRule(),
	}, engine, verifier, a.limits, metering, clk, logger)
	a.gateway = gateway

	// HTTP surface
	upstream, err := web.NewUpstreamProxy(cfg.Upstream.URL, cfg.Upstream.Timeout, logger)
	if err != nil {
		return nil, fmt.Errorf("upstream proxy: %w", err)
	}

	admin := web.NewAdminHandler(metering, engine, a.webhooks, collector, cfg.Server.AdminKey, logger)
	router := web.NewRouter(web.RouterConfig{
		Gateway:  gateway,
		Admin:    admin,
		Metrics:  collector,
		Upstream: upstream,
		Logger:   logger,
	})

	a.HTTPServer = &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info().
		Str("addr", cfg.ListenAddr()).
		Str("upstream", cfg.Upstream.URL).
		Str("verifier", cfg.Verifier.Mode).
		Int("pricing_rules", len(rules)).
		Msg("http server configured")
	return a, nil
}

func (a *App) initStore(cfg *config.Config) (ports.PaymentStore, error) {
	if cfg.Database.Driver == "memory" {
		a.Logger.Info().Msg("using in-memory payment store")
		return memory.NewPaymentStore(), nil
	}

	db, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.db = db
	a.Logger.Info().Str("dsn", cfg.Database.DSN).Msg("database initialized")
	return sqlite.NewPaymentStore(db), nil
}

func buildVerifier(cfg *config.Config, logger zerolog.Logger) (ports.Verifier, error) {
	switch cfg.Verifier.Mode {
	case "chain":
		client := chain.New(cfg.ChainConfig(), logger)
		return chain.NewVerifier(client), nil
	case "facilitator":
		return facilitator.New(facilitator.Config{
			URL:     cfg.Verifier.Facilitator.URL,
			APIKey:  cfg.Verifier.Facilitator.APIKey,
			Timeout: cfg.Verifier.Facilitator.Timeout,
		}, logger), nil
	case "test":
		logger.Warn().Msg("test verifier accepts every proof, do not use in production")
		return facilitator.AcceptAll{}, nil
	default:
		return nil, fmt.Errorf("unknown verifier mode %q", cfg.Verifier.Mode)
	}
}

// applyReload applies the reloadable parts of a new configuration.
func (a *App) applyReload(cfg *config.Config) {
	rules, err := cfg.PricingRules()
	if err != nil {
		a.Logger.Error().Err(err).Msg("reload rejected: bad pricing rules")
		if a.Metrics != nil {
			a.Metrics.ConfigReloadErrors.Inc()
		}
		return
	}

	if err := a.pricing.ReplaceRules(rules); err != nil {
		a.Logger.Error().Err(err).Msg("reload rejected: rules did not compile")
		if a.Metrics != nil {
			a.Metrics.ConfigReloadErrors.Inc()
		}
		return
	}

	a.gateway.SetRateLimit(cfg.RateLimitRule())

	if a.Metrics != nil {
		a.Metrics.ConfigReloads.Inc()
	}
	a.Logger.Info().
		Int("pricing_rules", len(rules)).
		Int64("rate_limit", cfg.RateLimitRule().Limit).
		Msg("configuration reloaded")
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.holder != nil {
		a.holder.Stop()
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	// Drain pending webhook deliveries before closing the database.
	if a.webhooks != nil {
		if err := a.webhooks.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("webhook service close error")
		}
	}

	if a.limits != nil {
		a.limits.Close()
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
