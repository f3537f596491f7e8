package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/marcus/livesync/internal/health"
	"github.com/marcus/livesync/internal/output"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st"},
	Short:   "Show connection, queue, and conflict status",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer st.Close()

		report, err := st.Status()
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(report)
		}

		conn := report.Connection
		fmt.Printf("%s %s", output.Title("Connection:"), output.ConnStatus(conn.Status))
		if conn.Attempt > 0 {
			fmt.Printf(" (attempt %d)", conn.Attempt)
		}
		fmt.Println()
		if conn.LastError != nil {
			output.Warning("last error: %v", conn.LastError)
		}
		if conn.LastConnectedAt != nil {
			fmt.Printf("Last connected: %s\n", output.FormatTimestamp(*conn.LastConnectedAt))
		}
		fmt.Printf("Uptime: %s\n", health.FormatUptime(report.Uptime))
		fmt.Println()

		fmt.Printf("%s %d active\n", output.Title("Subscriptions:"), report.ActiveChannels)
		keys := make([]string, 0, len(report.SyncTimes))
		for k := range report.SyncTimes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s  synced %s\n", k, output.FormatTimestamp(report.SyncTimes[k]))
		}
		fmt.Println()

		fmt.Printf("%s %d queued, %d failed, success rate %.0f%%\n",
			output.Title("Offline queue:"),
			report.Queue.Size,
			report.Queue.ByStatus["failed"],
			report.Queue.SuccessRate*100)
		fmt.Printf("%s %d pending, %d resolved\n",
			output.Title("Conflicts:"), report.PendingConflicts, report.ResolvedConflicts)
		fmt.Printf("%s %d pending\n", output.Title("Optimistic updates:"), report.PendingOptimistic)
		fmt.Printf("%s %d sent, avg round trip %s\n",
			output.Title("Mutations:"),
			report.MutationCount,
			health.FormatAvgDuration(report.AvgRoundTripMillis))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("json", false, "Output as JSON")
}
