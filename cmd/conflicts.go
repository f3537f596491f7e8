package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/livesync/internal/conflict"
	"github.com/marcus/livesync/internal/output"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Short:   "List and resolve sync conflicts",
	GroupID: "maintenance",
}

var conflictsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List pending conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer st.Close()

		var conflicts []conflict.Conflict
		if resolved, _ := cmd.Flags().GetBool("resolved"); resolved {
			conflicts = st.Conflicts().History()
		} else {
			conflicts = st.Conflicts().Pending()
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(conflicts)
		}
		if len(conflicts) == 0 {
			output.Info("No conflicts")
			return nil
		}
		for _, c := range conflicts {
			fmt.Printf("%s  %s/%s  %s  %s\n",
				c.ID, c.EntityType, c.EntityID, c.Status,
				output.Subtle(output.FormatTimestamp(c.DetectedAt)))
			fmt.Printf("  local:  %s\n", output.FormatRecord(c.LocalData))
			fmt.Printf("  remote: %s\n", output.FormatRecord(c.RemoteData))
		}
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a pending conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer st.Close()

		strategy, _ := cmd.Flags().GetString("strategy")
		res, err := st.Resolve(args[0], conflict.Strategy(strategy))
		if err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Resolved %s with %s", args[0], res.Conflict.Strategy)
		fmt.Printf("  winner: %s\n", output.FormatRecord(res.Winner))
		if res.Resend {
			output.Info("  local version re-sent to the backend")
		}
		return nil
	},
}

var conflictsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop resolved conflicts from history",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer st.Close()

		st.Conflicts().ClearResolved()
		output.Success("Resolved conflicts cleared")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(conflictsCmd)
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	conflictsCmd.AddCommand(conflictsClearCmd)

	conflictsListCmd.Flags().Bool("resolved", false, "Show resolved history instead of pending")
	conflictsListCmd.Flags().Bool("json", false, "Output as JSON")
	conflictsResolveCmd.Flags().String("strategy", "",
		"Resolution strategy: local_wins, remote_wins, timestamp_wins, merge (default: configured)")
}
