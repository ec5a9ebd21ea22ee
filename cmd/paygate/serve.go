package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/artpar/paygate/bootstrap"
	"github.com/artpar/paygate/config"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the payment gateway",
	Long: `Start the paygate server.

The server will:
  - Load configuration from paygate.yaml (or --config)
  - Or load configuration from PAYGATE_* environment variables
  - Proxy requests to the upstream API
  - Require x402 payment on priced routes
  - Verify payments on-chain or via a facilitator service

Environment variables (for Docker deployments):
  PAYGATE_UPSTREAM_URL      - Upstream API URL (required)
  PAYGATE_PAY_TO            - Receiving wallet address
  PAYGATE_VERIFIER_MODE     - chain, facilitator, or test
  PAYGATE_FACILITATOR_URL   - Verification service URL
  PAYGATE_DATABASE_DSN      - Database path (default: paygate.db)
  PAYGATE_SERVER_PORT       - Server port (default: 8402)
  PAYGATE_LOG_LEVEL         - Log level: debug, info, warn, error

Examples:
  paygate serve
  paygate serve --config /etc/paygate/config.yaml
  paygate serve --hot-reload=false

  # Docker (env vars only):
  PAYGATE_UPSTREAM_URL=https://api.example.com paygate serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	hasEnvConfig := os.Getenv("PAYGATE_UPSTREAM_URL") != ""

	if !hasConfigFile && !hasEnvConfig {
		fmt.Println("No configuration found.")
		fmt.Println()
		fmt.Printf("Option 1: Create %s\n", cfgFile)
		fmt.Println("Option 2: Set PAYGATE_UPSTREAM_URL environment variable")
		fmt.Println()
		fmt.Println("Example (env vars):")
		fmt.Println("  PAYGATE_UPSTREAM_URL=https://api.example.com paygate serve")
		return nil
	}

	var app *bootstrap.App
	var err error

	if hasConfigFile && hotReload {
		// Hot reload only works with a config file
		app, err = bootstrap.NewWithHotReload(cfgFile)
	} else {
		cfg, loadErr := config.LoadWithFallback(cfgFile)
		if loadErr != nil {
			return fmt.Errorf("error loading config: %w", loadErr)
		}

		if !hasConfigFile {
			fmt.Println("Running with environment variables (no config file)")
		}

		app, err = bootstrap.New(cfg)
	}

	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
