package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"yqhp/coordinator/internal/sched"
	"yqhp/coordinator/internal/slo"
	"yqhp/coordinator/pkg/types"
)

var statusAddress string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool, queue and objective status",
	Long: `Status queries a running coordinator's control surface and prints a
summary of slot occupancy, scheduler counters and the objective report.`,
	Example: `  coordinator status
  coordinator status --address http://coordinator.internal:8080`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusAddress, "address", "http://localhost:8080", "coordinator address")
}

func runStatus(cmd *cobra.Command, args []string) error {
	var snap types.PoolSnapshot
	if err := getJSON(statusAddress, "/api/v1/pool", &snap); err != nil {
		return err
	}
	var stats sched.Stats
	if err := getJSON(statusAddress, "/api/v1/stats", &stats); err != nil {
		return err
	}
	var report slo.Report
	if err := getJSON(statusAddress, "/api/v1/slo", &report); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pool        %d/%d slots occupied (%.0f%%)\n",
		snap.Occupied, snap.Capacity, snap.Utilization*100)
	fmt.Fprintf(out, "Queue       %d queued, %d running\n", stats.Queued, stats.Running)
	fmt.Fprintf(out, "Settled     %d completed, %d failed, %d timed out\n",
		stats.Completed, stats.Failed, stats.TimedOut)
	fmt.Fprintf(out, "Pressure    %d shed, %d preempted, %d consolidated\n",
		stats.Shed, stats.Preempted, stats.Consolidated)
	fmt.Fprintf(out, "Parallel    %.2f (target %.2f)\n",
		report.Parallelization, report.ParallelizationTarget)
	fmt.Fprintf(out, "Overhead    %.1f%% (ceiling %.1f%%)\n",
		report.Overhead*100, report.OverheadCeiling*100)
	if report.Scheduling.Count > 0 {
		fmt.Fprintf(out, "Scheduling  p50 %s, p95 %s, p99 %s\n",
			report.Scheduling.P50, report.Scheduling.P95, report.Scheduling.P99)
	}
	if report.Execution.Count > 0 {
		fmt.Fprintf(out, "Execution   p50 %s, p95 %s, p99 %s\n",
			report.Execution.P50, report.Execution.P95, report.Execution.P99)
	}
	return nil
}
