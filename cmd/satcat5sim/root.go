// Command satcat5sim drives the switch, router, and PTP packages end
// to end from a declarative YAML configuration, for interactive
// exploration and scripted demos of the simulated runtime.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/config"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/logctx"
)

const exitCodeError = 1

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		return exitCodeError
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var verbose bool
	var configPath string

	root := &cobra.Command{
		Use:   "satcat5sim",
		Short: "Run a simulated SatCat5 switch/router/PTP stack from a config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "set debug logging level")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "satcat5sim.yaml", "path to the simulation config file")

	root.AddCommand(
		newSwitchCmd(&verbose, &configPath),
		newRouterCmd(&verbose, &configPath),
		newPTPCmd(&verbose, &configPath),
	)
	return root
}

// loadRunContext reads flags shared by every subcommand: a logger at
// the requested verbosity, and the parsed simulation config.
func loadRunContext(verbose *bool, configPath *string) (*slog.Logger, *config.Config, error) {
	log := logctx.New(*verbose)
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("satcat5sim: loading config: %w", err)
	}
	return log, cfg, nil
}
