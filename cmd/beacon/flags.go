package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func flagsCmd() *cobra.Command {
	var live, asJSON bool

	cmd := &cobra.Command{
		Use:   "flags [names...]",
		Short: "Evaluate feature flags for this identity",
		Long: `Evaluate feature flags for the current identity.

With no names, every flag returned by the server is listed. Flags that are
missing or cannot be evaluated report false. --live checks each name against
the single-flag endpoint instead of the batch evaluation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sdk, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer closeClient(ctx, sdk)

			var result map[string]bool
			switch {
			case live && len(args) == 0:
				return fmt.Errorf("--live requires at least one flag name")
			case live:
				result = make(map[string]bool, len(args))
				for _, name := range args {
					result[name] = sdk.Flags.CheckLive(ctx, name)
				}
			case len(args) > 0:
				result = sdk.Flags.CheckMultiple(ctx, args)
			default:
				var ok bool
				result, ok = sdk.Flags.All(ctx)
				if !ok {
					return fmt.Errorf("flag evaluation failed (state %s)", sdk.Flags.State())
				}
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			names := make([]string, 0, len(result))
			for name := range result {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FLAG\tENABLED")
			for _, name := range names {
				fmt.Fprintf(w, "%s\t%t\n", name, result[name])
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&live, "live", false, "bypass the cached snapshot")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}
