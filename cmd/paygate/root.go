package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "paygate",
	Short: "x402 pay-per-call gateway with on-chain payment verification",
	Long: `Paygate is a self-hosted pay-per-call API gateway.

It sits in front of any HTTP API and charges per request using the
x402 payment protocol: unpaid requests get a 402 with payment
requirements, paid requests are verified on-chain (or via a
facilitator service) and proxied to the upstream.

Quick start:
  paygate serve     # Start the gateway
  paygate validate  # Validate configuration`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "paygate.yaml", "config file path")
}
