package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	v1 "github.com/stagee/engine/pkg/api/v1"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a plan file for execution",
	Long: `Submit a plan from a YAML file.

Examples:
  # Submit a plan
  engine submit -f rotate-creds.yaml --tenant acme --actor ops@acme

  # Submit idempotently and wait for the result
  engine submit -f rotate-creds.yaml --tenant acme --actor ops@acme \
    --idempotency-key rotate-2024-06 --wait 2m

  # Park the plan behind a level-2 approval gate
  engine submit -f rotate-creds.yaml --tenant acme --actor ops@acme \
    --approval-level 2`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringP("file", "f", "", "YAML plan file to submit (required)")
	submitCmd.Flags().String("tenant", "", "Tenant the plan runs under (required)")
	submitCmd.Flags().String("actor", "", "Actor submitting the plan (required)")
	submitCmd.Flags().String("idempotency-key", "", "Replay-safe submission key, scoped per tenant")
	submitCmd.Flags().Int("approval-level", 0, "Approval gate level 1-3; 0 submits pre-approved")
	submitCmd.Flags().Int("priority", 0, "Queue priority override; 0 derives from mode and SLA")
	submitCmd.Flags().String("sla", "", "SLA class override: fast, medium, slow")
	submitCmd.Flags().Bool("partial", false, "Continue independent steps after a step failure")
	submitCmd.Flags().Duration("wait", 0, "Hold until the execution settles, up to this long")
	_ = submitCmd.MarkFlagRequired("file")
	_ = submitCmd.MarkFlagRequired("tenant")
	_ = submitCmd.MarkFlagRequired("actor")

	rootCmd.AddCommand(submitCmd)
}

// planFile is the on-disk resource wrapper around a wire plan.
type planFile struct {
	APIVersion string       `yaml:"apiVersion"`
	Kind       string       `yaml:"kind"`
	Metadata   planMetadata `yaml:"metadata"`
	Spec       v1.Plan      `yaml:"spec"`
}

type planMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	tenant, _ := cmd.Flags().GetString("tenant")
	actor, _ := cmd.Flags().GetString("actor")
	idemKey, _ := cmd.Flags().GetString("idempotency-key")
	approvalLevel, _ := cmd.Flags().GetInt("approval-level")
	priority, _ := cmd.Flags().GetInt("priority")
	sla, _ := cmd.Flags().GetString("sla")
	wait, _ := cmd.Flags().GetDuration("wait")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}

	var resource planFile
	if err := yaml.Unmarshal(data, &resource); err != nil {
		return fmt.Errorf("failed to parse YAML: %v", err)
	}
	if resource.Kind != "Plan" {
		return fmt.Errorf("unsupported resource kind: %q (want Plan)", resource.Kind)
	}
	if resource.APIVersion != "engine/v1" {
		return fmt.Errorf("unsupported apiVersion: %q (want engine/v1)", resource.APIVersion)
	}

	plan := resource.Spec
	if plan.Name == "" {
		plan.Name = resource.Metadata.Name
	}

	req := &v1.SubmitRequest{
		TenantID: tenant,
		ActorID:  actor,
		Plan:     &plan,
		Options: v1.SubmitOptions{
			IdempotencyKey: idemKey,
			ApprovalLevel:  approvalLevel,
			Priority:       priority,
			SLAOverride:    sla,
		},
		WaitMS: int(wait.Milliseconds()),
	}
	if cmd.Flags().Changed("partial") {
		partial, _ := cmd.Flags().GetBool("partial")
		req.Options.PartialAllowed = &partial
	}

	fmt.Printf("Submitting plan: %s\n", plan.Name)
	fmt.Printf("  Tenant: %s\n", tenant)
	fmt.Printf("  Steps: %d\n", len(plan.Steps))
	fmt.Println()

	resp, err := apiClient(cmd).Submit(req)
	if err != nil {
		return err
	}
	exec := resp.Execution

	if resp.IdempotentHit {
		fmt.Printf("✓ Idempotency key already bound: %s (status=%s)\n", exec.ID, exec.Status)
	} else {
		fmt.Printf("✓ Execution created: %s (mode=%s, status=%s)\n", exec.ID, exec.Mode, exec.Status)
	}
	fmt.Printf("  Plan hash: %s\n", exec.PlanHash)

	if exec.Status == "pending_approval" {
		fmt.Println()
		fmt.Printf("Approval required (level %d). To approve:\n", exec.ApprovalLevel)
		fmt.Printf("  engine approve %s --hash %s --actor APPROVER\n", exec.ID, exec.PlanHash)
		return nil
	}

	if wait <= 0 {
		return nil
	}
	if !resp.Settled {
		return fmt.Errorf("execution %s did not settle within %s (status=%s)", exec.ID, wait, exec.Status)
	}
	return reportTerminal(exec)
}

// reportTerminal prints a settled execution and decides the exit code:
// completed and partial succeed, every other terminal state fails.
func reportTerminal(exec *v1.Execution) error {
	took := ""
	if !exec.FinishedAt.IsZero() && !exec.StartedAt.IsZero() {
		took = fmt.Sprintf(" in %s", exec.FinishedAt.Sub(exec.StartedAt).Round(time.Millisecond))
	}
	switch exec.Status {
	case "completed":
		fmt.Printf("✓ Execution completed%s (%d/%d steps)\n", took, exec.StepSucceeded, exec.StepCount)
		return nil
	case "partial":
		fmt.Printf("✓ Execution partially completed%s (%d succeeded, %d failed of %d)\n",
			took, exec.StepSucceeded, exec.StepFailed, exec.StepCount)
		return nil
	default:
		reason := exec.FailureMessage
		if reason == "" {
			reason = exec.FailureKind
		}
		if reason == "" {
			return fmt.Errorf("execution %s ended %s", exec.ID, exec.Status)
		}
		return fmt.Errorf("execution %s ended %s: %s", exec.ID, exec.Status, reason)
	}
}
