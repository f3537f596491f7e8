package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/livesync/internal/config"
	"github.com/marcus/livesync/internal/output"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Show or change livesync configuration",
	GroupID: "system",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := config.Resolve()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(settings)
		}
		fmt.Printf("Server URL:        %s\n", settings.ServerURL)
		fmt.Printf("Device ID:         %s\n", settings.DeviceID)
		fmt.Printf("Reconnect:         %d attempts, %v..%v x%.1f\n",
			settings.Reconnect.MaxAttempts, settings.Reconnect.Base,
			settings.Reconnect.Cap, settings.Reconnect.Multiplier)
		fmt.Printf("Heartbeat:         every %v, timeout %v\n",
			settings.HeartbeatInterval, settings.HeartbeatTimeout)
		fmt.Printf("Optimistic:        timeout %v, max pending %d\n",
			settings.OptimisticTimeout, settings.OptimisticMaxPending)
		fmt.Printf("Conflict strategy: %s (auto-resolve %v)\n",
			settings.ConflictStrategy, settings.AutoResolveTimeout)
		fmt.Printf("Queue:             %s, max retries %d\n",
			settings.QueuePath, settings.QueueMaxRetries)
		return nil
	},
}

var configSetURLCmd = &cobra.Command{
	Use:   "set-url <url>",
	Short: "Set the backend server URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		cfg.Server.URL = args[0]
		if err := config.Save(cfg); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Server URL set to %s", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetURLCmd)

	configShowCmd.Flags().Bool("json", false, "Output as JSON")
}
