// beacon is a command-line client for the flag and telemetry endpoints.
//
// Usage:
//
//	beacon id                         Print the persisted client identity
//	beacon id clear                   Forget the identity and mint a new one
//	beacon flags [names...]           Evaluate flags for this identity
//	beacon track <type> <feature>     Send one event (extra args are key=value metadata)
//	beacon retry                      Resend the durable retry queue
//	beacon pending                    List events waiting in the retry queue
//	beacon config show                Print the effective configuration
//	beacon config set <key> <value>   Update ~/.beacon/config.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wondertwin-ai/beacon/internal/config"
	"github.com/wondertwin-ai/beacon/pkg/beacon"
	"github.com/wondertwin-ai/beacon/pkg/clock"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var (
	configPath string
	verbose    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "beacon",
		Short:         "Beacon - feature flags and telemetry from the command line",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.beacon/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")

	rootCmd.AddCommand(idCmd())
	rootCmd.AddCommand(flagsCmd())
	rootCmd.AddCommand(trackCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(configCmd())
	return rootCmd
}

// loadConfig reads the profile and applies environment overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// openClient assembles an SDK client for one command. Timers run on a
// manual clock so nothing fires in the background; each command flushes
// or retries explicitly.
func openClient(ctx context.Context, opts ...beacon.Option) (*beacon.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	base := []beacon.Option{
		beacon.WithLogger(cliLogger()),
		beacon.WithClock(clock.NewManual(time.Now())),
	}
	return beacon.New(ctx, cfg.Config, append(base, opts...)...)
}

func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func closeClient(ctx context.Context, sdk *beacon.Client) {
	if err := sdk.Close(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
}
