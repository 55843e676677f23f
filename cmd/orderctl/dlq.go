package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/orderpipeline/internal/app"
	"github.com/imrishuroy/orderpipeline/internal/queue"
	"github.com/imrishuroy/orderpipeline/internal/worker"
)

var errNoDeadLetters = errors.New("no dead-letter queue configured (set ORDERS_DLQ_URL)")

var (
	dlqLimit   int
	redriveAll bool

	dlqCmd = &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered messages",
	}

	dlqListCmd = &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				if a.DeadLetters == nil {
					return errNoDeadLetters
				}
				dls, err := a.DeadLetters.ListDeadLetters(cmd.Context(), dlqLimit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ORDER\tSTAGE\tRECEIVES\tREASON\tLAST ERROR\tDEAD-LETTERED")
				for _, dl := range dls {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
						dl.OrderID, dl.Stage, dl.ReceiveCount, dl.FinalFailureReason, dl.LastError,
						dl.DeadLetteredAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}

	dlqRedriveCmd = &cobra.Command{
		Use:   "redrive [order-id...]",
		Short: "Replay dead letters for orders that are not yet terminal",
		Long: `Replay dead-lettered messages onto the main queue.

Pass order ids to replay specific entries, or --all for every entry.
Entries whose order is already COMPLETED or FAILED are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !redriveAll && len(args) == 0 {
				return errors.New("pass order ids or --all")
			}
			wanted := map[string]bool{}
			for _, id := range args {
				wanted[id] = true
			}
			var match func(queue.DeadLetter) bool
			if !redriveAll {
				match = func(dl queue.DeadLetter) bool { return wanted[dl.OrderID] }
			}

			return withApp(cmd.Context(), func(a *app.App) error {
				if a.DeadLetters == nil {
					return errNoDeadLetters
				}
				report, err := worker.Redrive(cmd.Context(), a.Store, a.DeadLetters, dlqLimit, match, a.Logger)
				fmt.Printf("redriven: %d, skipped: %d\n", len(report.Redriven), len(report.Skipped))
				return err
			})
		},
	}
)

func init() {
	dlqCmd.PersistentFlags().IntVar(&dlqLimit, "limit", 10, "maximum entries to read from the dead-letter queue")
	dlqRedriveCmd.Flags().BoolVar(&redriveAll, "all", false, "redrive every listed entry")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRedriveCmd)
}
