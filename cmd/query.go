package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/livesync/internal/output"
)

var queryCmd = &cobra.Command{
	Use:     "query <table>",
	Aliases: []string{"q"},
	Short:   "Fetch a one-shot snapshot of a collection",
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

		records, err := st.Query(args[0], filter, orderBy, limit)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(records)
		}
		if len(records) == 0 {
			output.Info("No records")
			return nil
		}
		for _, r := range records {
			fmt.Println(output.FormatRecord(r))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().String("filter", "", "Filter as field=value terms joined by &")
	queryCmd.Flags().String("order-by", "", "Field to order by")
	queryCmd.Flags().Int("limit", 0, "Maximum records (0 = server default)")
}
