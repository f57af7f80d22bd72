package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func idCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Print the persisted client identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sdk, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer closeClient(ctx, sdk)

			id := sdk.UserID(ctx)
			if sdk.Identity.Ephemeral() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (not persisted)\n", id)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget the identity and mint a new one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sdk, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer closeClient(ctx, sdk)

			fmt.Fprintln(cmd.OutOrStdout(), sdk.ResetIdentity(ctx))
			return nil
		},
	})
	return cmd
}
