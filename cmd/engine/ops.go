package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	v1 "github.com/stagee/engine/pkg/api/v1"
)

func init() {
	approveCmd.Flags().String("hash", "", "Plan hash from submit output (required)")
	approveCmd.Flags().String("actor", "", "Actor making the decision (required)")
	approveCmd.Flags().Bool("reject", false, "Reject instead of approve")
	_ = approveCmd.MarkFlagRequired("hash")
	_ = approveCmd.MarkFlagRequired("actor")

	cancelCmd.Flags().String("actor", "", "Actor requesting cancellation (required)")
	cancelCmd.Flags().String("reason", "", "Reason recorded on the audit trail")
	_ = cancelCmd.MarkFlagRequired("actor")

	listCmd.Flags().String("tenant", "", "Filter by tenant")
	listCmd.Flags().StringSlice("status", nil, "Filter by status, repeatable")

	eventsTailCmd.Flags().Uint64("since", 0, "Replay from this sequence number")
	eventsCmd.AddCommand(eventsTailCmd)

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(eventsCmd)
}

var getCmd = &cobra.Command{
	Use:   "get EXECUTION_ID",
	Short: "Show one execution and its steps",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		detail, err := apiClient(cmd).GetExecution(args[0])
		if err != nil {
			return err
		}
		printExecution(detail.Execution)
		if len(detail.Steps) > 0 {
			fmt.Println()
			printSteps(detail.Steps)
		}
		return nil
	},
}

func printExecution(e *v1.Execution) {
	fmt.Printf("ID:       %s\n", e.ID)
	if e.PlanName != "" {
		fmt.Printf("Plan:     %s\n", e.PlanName)
	}
	fmt.Printf("Tenant:   %s\n", e.TenantID)
	fmt.Printf("Status:   %s\n", e.Status)
	fmt.Printf("Mode:     %s\n", e.Mode)
	fmt.Printf("SLA:      %s\n", e.SLAClass)
	fmt.Printf("Hash:     %s\n", e.PlanHash)
	fmt.Printf("Created:  %s\n", e.CreatedAt.Format(time.RFC3339))
	if !e.StartedAt.IsZero() {
		fmt.Printf("Started:  %s\n", e.StartedAt.Format(time.RFC3339))
	}
	if !e.FinishedAt.IsZero() {
		fmt.Printf("Finished: %s\n", e.FinishedAt.Format(time.RFC3339))
	}
	fmt.Printf("Steps:    %d succeeded, %d failed of %d\n", e.StepSucceeded, e.StepFailed, e.StepCount)
	if e.CancelRequested && e.CancelReason != "" {
		fmt.Printf("Cancel:   requested (%s)\n", e.CancelReason)
	}
	if e.FailureKind != "" {
		fmt.Printf("Failure:  %s %s\n", e.FailureKind, e.FailureMessage)
	}
}

func printSteps(steps []*v1.Step) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IDX\tNAME\tASSET\tSTATUS\tATTEMPT\tERROR")
	for _, s := range steps {
		errCol := s.ErrorKind
		if errCol == "" {
			errCol = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d/%d\t%s\n",
			s.Index, s.Name, s.AssetID, s.Status, s.Attempt, s.MaxAttempts, errCol)
	}
	w.Flush()
}

var approveCmd = &cobra.Command{
	Use:   "approve EXECUTION_ID",
	Short: "Act on a pending approval gate",
	Long: `Approve or reject an execution parked at its approval gate.

The plan hash printed at submit time must be passed back; a mismatch is
rejected, which protects approvers from plans swapped under them.`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, _ := cmd.Flags().GetString("hash")
		actor, _ := cmd.Flags().GetString("actor")
		reject, _ := cmd.Flags().GetBool("reject")

		decision := "approve"
		if reject {
			decision = "reject"
		}
		exec, err := apiClient(cmd).Approve(args[0], actor, hash, decision)
		if err != nil {
			return err
		}
		if reject {
			fmt.Printf("✓ Execution rejected: %s\n", exec.ID)
		} else {
			fmt.Printf("✓ Execution approved: %s (status=%s)\n", exec.ID, exec.Status)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel EXECUTION_ID",
	Short: "Request cooperative cancellation",
	Long: `Request cancellation of an execution.

A queued execution is cancelled immediately. A running one finishes its
current adapter call first; steps never stop mid-flight.`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		reason, _ := cmd.Flags().GetString("reason")

		exec, err := apiClient(cmd).Cancel(args[0], actor, reason)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Cancellation requested: %s (status=%s)\n", exec.ID, exec.Status)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		statuses, _ := cmd.Flags().GetStringSlice("status")

		execs, err := apiClient(cmd).ListExecutions(tenant, statuses...)
		if err != nil {
			return err
		}
		if len(execs) == 0 {
			fmt.Println("No executions found")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPLAN\tTENANT\tSTATUS\tMODE\tSTEPS\tCREATED")
		for _, e := range execs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				e.ID, e.PlanName, e.TenantID, e.Status, e.Mode,
				e.StepSucceeded, e.StepCount, e.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect execution events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail EXECUTION_ID",
	Short: "Stream an execution's events as they happen",
	Long: `Replay an execution's events and follow new ones until Ctrl+C.

Sequence numbers are strictly increasing per execution, so a dropped
connection can resume with --since without missing anything.`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetUint64("since")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err := apiClient(cmd).FollowEvents(ctx, args[0], since, func(e *v1.Event) error {
			fmt.Println(eventLine(e))
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func eventLine(e *v1.Event) string {
	line := fmt.Sprintf("%s  seq=%-4d %-18s", e.Timestamp.Format(time.RFC3339), e.Sequence, e.Kind)
	if e.FromStatus != "" || e.ToStatus != "" {
		line += fmt.Sprintf(" %s->%s", e.FromStatus, e.ToStatus)
	}
	if e.StepID != "" {
		line += " step=" + e.StepID
	}
	if e.ActorID != "" {
		line += " actor=" + e.ActorID
	}
	if e.Reason != "" {
		line += fmt.Sprintf(" reason=%q", e.Reason)
	}
	return line
}
