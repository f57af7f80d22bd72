package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Resend events waiting in the retry queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sdk, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer closeClient(ctx, sdk)

			queued := len(sdk.Telemetry.Pending(ctx))
			if queued == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "retry queue is empty")
				return nil
			}
			sent := sdk.Telemetry.RetryPending(ctx)
			if sent == 0 {
				return fmt.Errorf("retry failed, %d events still queued", queued)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered %d events\n", sent)
			return nil
		},
	}
}

func pendingCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List events waiting in the retry queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sdk, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer closeClient(ctx, sdk)

			events := sdk.Telemetry.Pending(ctx)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "retry queue is empty")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tFEATURE\tUSER\tTIMESTAMP")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Type, e.Feature, e.UserID, e.Timestamp)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}
