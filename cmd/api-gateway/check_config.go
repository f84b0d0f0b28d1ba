package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/upb/llm-governance-gateway/internal/policies"
	"github.com/upb/llm-governance-gateway/services/policy"
	"go.uber.org/zap"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the environment configuration and the policy file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}

		registry, warnings, err := policy.LoadRegistry(cfg.Policies.ConfigPath, policies.Factories(), zap.NewNop())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "environment: %s\n", cfg.Environment)
		fmt.Fprintf(out, "policy file: %s\n", cfg.Policies.ConfigPath)
		active := make(map[string]bool)
		for _, nm := range registry.ActivePolicies() {
			active[nm.Name] = true
		}
		for _, name := range registry.Names() {
			state := "disabled"
			if active[name] {
				state = "enabled"
			}
			fmt.Fprintf(out, "  %-22s %s\n", name, state)
		}
		for _, w := range warnings {
			fmt.Fprintf(out, "warning: %s\n", w)
		}
		return nil
	},
}
