package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/wondertwin-ai/beacon/pkg/beacon"
	"github.com/wondertwin-ai/beacon/pkg/observe"
)

func trackCmd() *cobra.Command {
	var page string

	cmd := &cobra.Command{
		Use:   "track <type> <feature> [key=value...]",
		Short: "Send one telemetry event",
		Long: `Send one telemetry event immediately.

Metadata values that parse as numbers or booleans are sent as such. If the
send fails the event is kept in the retry queue for the next "beacon retry".`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parseMetadata(args[2:])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			tally := &sentTally{Observer: observe.New(cliLogger(), nil)}
			sdk, err := openClient(ctx, beacon.WithObserver(tally))
			if err != nil {
				return err
			}
			defer closeClient(ctx, sdk)

			if page != "" {
				sdk.Telemetry.SetPage(page)
			}
			sdk.Telemetry.Track(args[0], args[1], metadata)
			sdk.Telemetry.Flush(ctx)

			if tally.sent.Load() == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "send failed, event queued for retry")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sent")
			return nil
		},
	}

	cmd.Flags().StringVar(&page, "page", "", "page path attached to the event")
	return cmd
}

// sentTally counts delivered events while forwarding to the wrapped
// observer.
type sentTally struct {
	observe.Observer
	sent atomic.Int64
}

func (t *sentTally) Count(ctx context.Context, name string, n int64) {
	if name == observe.EventsSent {
		t.sent.Add(n)
	}
	t.Observer.Count(ctx, name, n)
}

func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q (expected key=value)", pair)
		}
		out[key] = parseValue(value)
	}
	return out, nil
}

func parseValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
