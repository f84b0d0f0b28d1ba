package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/upb/llm-governance-gateway/internal/policies"
	"github.com/upb/llm-governance-gateway/services/policy"
	"go.uber.org/zap"
)

const defaultPoliciesPath = "config/policies.yaml"

var evaluateFlags struct {
	checkpoint string
	response   string
	userID     string
	role       string
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [prompt]",
	Short: "Run the configured policies against a prompt",
	Long: `Evaluate loads the policy file, runs every active module against the
prompt (read from stdin when no argument is given) and prints the aggregated
result as JSON. No provider is called and nothing is persisted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEvaluate,
}

func init() {
	f := evaluateCmd.Flags()
	f.StringVar(&evaluateFlags.checkpoint, "checkpoint", string(policy.CheckpointInput), "checkpoint to evaluate (input or output)")
	f.StringVar(&evaluateFlags.response, "response", "", "response text for the output checkpoint")
	f.StringVar(&evaluateFlags.userID, "user", "cli", "user ID placed in the evaluation context")
	f.StringVar(&evaluateFlags.role, "role", "", "user role placed in the evaluation context")
}

// evaluationOutput is the printed form of an aggregated result
type evaluationOutput struct {
	TraceID           string                `json:"trace_id"`
	Checkpoint        policy.Checkpoint     `json:"checkpoint"`
	Outcome           policy.Outcome        `json:"outcome"`
	Reason            string                `json:"reason,omitempty"`
	PolicyName        string                `json:"policy_name,omitempty"`
	ModifiedContent   string                `json:"modified_content,omitempty"`
	EvaluatedPolicies []string              `json:"evaluated_policies"`
	FailedPolicies    []string              `json:"failed_policies,omitempty"`
	Modules           []policy.ModuleResult `json:"modules,omitempty"`
	DurationMs        float64               `json:"duration_ms"`
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	checkpoint := policy.Checkpoint(evaluateFlags.checkpoint)
	if !checkpoint.IsValid() {
		return fmt.Errorf("invalid checkpoint %q: must be input or output", evaluateFlags.checkpoint)
	}

	prompt, err := promptFrom(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	if checkpoint == policy.CheckpointOutput && evaluateFlags.response == "" {
		return fmt.Errorf("--response is required for the output checkpoint")
	}

	registry, warnings, err := policy.LoadRegistry(resolvePoliciesPath(), policies.Factories(), zap.NewNop())
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
	}

	engine := policy.NewEngine(registry, nil, zap.NewNop())
	pctx := policy.NewContext(policy.ContextParams{
		Prompt:     prompt,
		Response:   evaluateFlags.response,
		UserID:     evaluateFlags.userID,
		UserRole:   evaluateFlags.role,
		Checkpoint: checkpoint,
		TraceID:    uuid.NewString(),
		RequestID:  uuid.NewString(),
	})

	res, err := engine.Evaluate(cmd.Context(), pctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(evaluationOutput{
		TraceID:           pctx.TraceID,
		Checkpoint:        checkpoint,
		Outcome:           res.Outcome,
		Reason:            res.Reason,
		PolicyName:        res.PolicyName,
		ModifiedContent:   res.ModifiedContent,
		EvaluatedPolicies: res.EvaluatedPolicies,
		FailedPolicies:    res.FailedPolicies(),
		Modules:           res.Modules,
		DurationMs:        res.EvaluationTimeMs(),
	})
}

func promptFrom(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt: %w", err)
	}
	prompt := strings.TrimRight(string(data), "\r\n")
	if prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}
	return prompt, nil
}

// resolvePoliciesPath picks the --policies flag, then POLICY_CONFIG_PATH
func resolvePoliciesPath() string {
	if policiesFile != "" {
		return policiesFile
	}
	if p := os.Getenv("POLICY_CONFIG_PATH"); p != "" {
		return p
	}
	return defaultPoliciesPath
}
