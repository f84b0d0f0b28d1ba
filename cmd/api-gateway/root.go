package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/upb/llm-governance-gateway/handlers"
	"github.com/upb/llm-governance-gateway/internal/observability"
	"go.uber.org/zap"
)

// policiesFile overrides POLICY_CONFIG_PATH when set
var policiesFile string

var rootCmd = &cobra.Command{
	Use:   "governance-gateway",
	Short: "LLM governance gateway",
	Long: `Governs LLM traffic: every prompt and every response passes through the
configured policy modules, which may allow, redact, block or escalate it to a
human reviewer. Approved prompts are routed to the configured providers.`,
	Version:       handlers.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&policiesFile, "policies", "p", "", "policy file (overrides POLICY_CONFIG_PATH)")

	rootCmd.AddCommand(serveCmd, migrateCmd, evaluateCmd, checkConfigCmd)
}

// initLogger builds the process logger from LOG_LEVEL and LOG_FORMAT
func initLogger() (*zap.Logger, error) {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	format := os.Getenv("LOG_FORMAT")
	if format == "" {
		format = "json"
	}
	return observability.NewLogger(level, format)
}
