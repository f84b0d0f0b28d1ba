// Command governance-gateway runs the LLM governance gateway.
//
// Usage:
//
//	# Start the HTTP server
//	governance-gateway serve
//
//	# Create the review and audit tables
//	governance-gateway migrate
//
//	# Run the configured policies against a prompt without a provider
//	governance-gateway evaluate "Summarise ACME's unreleased earnings"
//
//	# Validate configuration and the policy file
//	governance-gateway check-config
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
