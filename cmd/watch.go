package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/livesync/internal/output"
	"github.com/marcus/livesync/internal/subscription"
)

var watchCmd = &cobra.Command{
	Use:     "watch <table>",
	Short:   "Subscribe to a collection and print the live view",
	GroupID: "sync",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer st.Close()

		filter, _ := cmd.Flags().GetString("filter")
		orderBy, _ := cmd.Flags().GetString("order-by")
		limit, _ := cmd.Flags().GetInt("limit")
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval < 100*time.Millisecond {
			interval = time.Second
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		h, err := st.Subscribe(ctx, subscription.Descriptor{
			Table:   args[0],
			Filter:  filter,
			OrderBy: orderBy,
			Limit:   limit,
		})
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer h.Close()

		output.Info("Watching %s (Ctrl-C to stop)", args[0])
		printSnapshot(h)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		lastLen := h.Cache().Len()
		lastSync := h.Cache().LastServerSyncAt()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if h.Cache().Len() != lastLen || h.Cache().LastServerSyncAt() != lastSync {
					lastLen = h.Cache().Len()
					lastSync = h.Cache().LastServerSyncAt()
					printSnapshot(h)
				}
			}
		}
	},
}

func printSnapshot(h *subscription.Handle) {
	records := h.Cache().Snapshot()
	fmt.Printf("--- %d record(s), synced %s ---\n",
		len(records), output.FormatTimestamp(h.Cache().LastServerSyncAt()))
	for _, r := range records {
		fmt.Println(output.FormatRecord(r))
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("filter", "", "Filter as field=value terms joined by &")
	watchCmd.Flags().String("order-by", "", "Field to order by")
	watchCmd.Flags().Int("limit", 0, "Maximum records (0 = server default)")
	watchCmd.Flags().Duration("interval", time.Second, "Snapshot refresh interval")
}
