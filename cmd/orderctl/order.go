package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/orderpipeline/internal/app"
)

var (
	orderCmd = &cobra.Command{
		Use:   "order",
		Short: "Inspect orders",
	}

	orderGetCmd = &cobra.Command{
		Use:   "get <order-id>",
		Short: "Print an order's status and history as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				v, err := a.Ingest.QueryOrder(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(v)
			})
		},
	}
)

func init() {
	orderCmd.AddCommand(orderGetCmd)
}
