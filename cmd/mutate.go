package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/livesync/internal/collection"
	"github.com/marcus/livesync/internal/output"
	"github.com/marcus/livesync/internal/store"
)

var mutateCmd = &cobra.Command{
	Use:     "mutate <table> <insert|update|delete> <json-payload>",
	Short:   "Send a mutation (queued automatically while offline)",
	GroupID: "sync",
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, opArg, payloadArg := args[0], args[1], args[2]

		op := collection.Op(opArg)
		switch op {
		case collection.OpInsert, collection.OpUpdate, collection.OpDelete:
		default:
			err := fmt.Errorf("unknown operation %q", opArg)
			output.Error("%v", err)
			return err
		}

		var payload collection.Record
		if err := json.Unmarshal([]byte(payloadArg), &payload); err != nil {
			output.Error("invalid payload: %v", err)
			return err
		}
		if payload.ID() == "" {
			err := fmt.Errorf("payload needs an \"id\" field")
			output.Error("%v", err)
			return err
		}

		st, err := openStore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer st.Close()

		filter, _ := cmd.Flags().GetString("filter")
		outcome, err := st.Mutate(table, op, payload, filter)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		switch outcome.Status {
		case store.OutcomeApplied:
			output.Success("Applied %s on %s/%s", op, table, payload.ID())
		case store.OutcomeQueued:
			output.Warning("Offline: queued %s on %s/%s (seq %d)", op, table, payload.ID(), outcome.Action.Seq)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mutateCmd)
	mutateCmd.Flags().String("filter", "", "Server-side filter forwarded with the mutation")
}
