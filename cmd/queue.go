package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/livesync/internal/offline"
	"github.com/marcus/livesync/internal/output"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Short:   "Inspect and maintain the offline action queue",
	GroupID: "maintenance",
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queued actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer st.Close()

		status := offline.ActionStatus("")
		if failedOnly, _ := cmd.Flags().GetBool("failed"); failedOnly {
			status = offline.StatusFailed
		}
		actions, err := st.Queue().Actions(status)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(actions)
		}
		if len(actions) == 0 {
			output.Info("Queue is empty")
			return nil
		}
		for _, a := range actions {
			fmt.Printf("%4d  %-8s %-6s %s/%s  attempts:%d  %s\n",
				a.Seq, a.Status, a.Op, a.Table, a.Payload.ID(), a.Attempts,
				output.Subtle(output.FormatTimestamp(a.CreatedAt)))
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Requeue failed actions with a fresh attempt budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer st.Close()

		n, err := st.Queue().RetryFailed()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Requeued %d failed action(s)", n)
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every queued action",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer st.Close()

		if err := st.Queue().Clear(); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Queue cleared")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueClearCmd)

	queueListCmd.Flags().Bool("failed", false, "Show only failed actions")
	queueListCmd.Flags().Bool("json", false, "Output as JSON")
}
