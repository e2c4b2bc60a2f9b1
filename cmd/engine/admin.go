package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	dlqListCmd.Flags().String("tenant", "", "Filter by tenant")
	dlqRequeueCmd.Flags().String("actor", "", "Actor requeueing the item (required)")
	_ = dlqRequeueCmd.MarkFlagRequired("actor")
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRequeueCmd)

	locksListCmd.Flags().String("asset", "", "Filter by asset")
	locksListCmd.Flags().Bool("expired", false, "Show only expired locks")
	locksReleaseCmd.Flags().String("actor", "", "Actor forcing the release (required)")
	_ = locksReleaseCmd.MarkFlagRequired("actor")
	locksCmd.AddCommand(locksListCmd)
	locksCmd.AddCommand(locksReleaseCmd)

	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(locksCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(workersCmd)
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay the dead letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered executions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")

		items, err := apiClient(cmd).ListDLQ(tenant)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("Dead letter queue is empty")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEXECUTION\tTENANT\tKIND\tATTEMPTS\tFAILED\tREQUEUED")
		for _, d := range items {
			requeued := "-"
			if d.Requeued {
				requeued = d.RequeuedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				d.ID, d.ExecutionID, d.TenantID, d.Kind, d.AttemptCount,
				d.FailedAt.Format(time.RFC3339), requeued)
		}
		return w.Flush()
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue DLQ_ID",
	Short: "Replay a dead-lettered execution",
	Long: `Put a dead-lettered execution back on the queue.

The execution keeps its identity and plan; attempt counters reset so it
gets a fresh retry budget. The DLQ row stays, marked requeued, for the
audit trail.`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")

		exec, err := apiClient(cmd).RequeueDLQ(args[0], actor)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Execution requeued: %s (status=%s)\n", exec.ID, exec.Status)
		return nil
	},
}

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and release asset locks",
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List asset locks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asset, _ := cmd.Flags().GetString("asset")
		expired, _ := cmd.Flags().GetBool("expired")

		locks, err := apiClient(cmd).ListLocks(asset, expired)
		if err != nil {
			return err
		}
		if len(locks) == 0 {
			fmt.Println("No locks held")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTENANT\tASSET\tOWNER\tEXPIRES")
		now := time.Now()
		for _, l := range locks {
			expires := l.ExpiresAt.Format(time.RFC3339)
			if l.ExpiresAt.Before(now) {
				expires += " (expired)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", l.ID, l.TenantID, l.AssetID, l.OwnerTag, expires)
		}
		return w.Flush()
	},
}

var locksReleaseCmd = &cobra.Command{
	Use:   "release LOCK_ID",
	Short: "Force-release an asset lock",
	Long: `Release an asset lock regardless of its owner or liveness.

This is an operator override for locks orphaned by a crashed worker
whose lease has not lapsed yet. The release lands on the owning
execution's audit trail. Releasing a lock whose owner is still alive
lets another execution touch the asset concurrently.`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")

		lock, err := apiClient(cmd).ReleaseLock(args[0], actor)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Lock released: %s (asset=%s, owner=%s)\n", lock.ID, lock.AssetID, lock.OwnerTag)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := apiClient(cmd).Status()
		if err != nil {
			return err
		}
		fmt.Printf("Engine version: %s\n", st.Version)
		fmt.Printf("Queue depth:    %d\n", st.QueueDepth)
		fmt.Printf("DLQ size:       %d\n", st.DLQSize)
		fmt.Printf("Locks held:     %d\n", st.LocksHeld)

		busy := 0
		for _, wk := range st.Workers {
			if wk.Busy {
				busy++
			}
		}
		fmt.Printf("Workers:        %d (%d busy)\n", len(st.Workers), busy)

		if len(st.Executions) > 0 {
			fmt.Println("\nExecutions:")
			states := make([]string, 0, len(st.Executions))
			for state := range st.Executions {
				states = append(states, state)
			}
			sort.Strings(states)
			for _, state := range states {
				fmt.Printf("  %-18s %d\n", state, st.Executions[state])
			}
		}
		return nil
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Show worker pool occupation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, err := apiClient(cmd).ListWorkers()
		if err != nil {
			return err
		}
		if len(workers) == 0 {
			fmt.Println("No workers registered")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tBUSY\tEXECUTION\tSINCE\tPROCESSED")
		for _, wk := range workers {
			execID, since := "-", "-"
			if wk.Busy {
				execID = wk.ExecutionID
				since = wk.Since.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%v\t%s\t%s\t%d\n", wk.ID, wk.Busy, execID, since, wk.Processed)
		}
		return w.Flush()
	},
}
