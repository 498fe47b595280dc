// Command rebalancer keeps a Zerodha delivery portfolio aligned with a
// target universe.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"zerodha-rebalancer/internal/cli"
	"zerodha-rebalancer/internal/config"
	"zerodha-rebalancer/internal/logging"
)

func main() {
	cfg, err := config.Load(configDirFromArgs(os.Args[1:]))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLoggerWithConfig(cfg.LogConfig())

	root := cli.NewRootCmd(cfg, logger)
	if err := root.ExecuteContext(context.Background()); err != nil {
		logger.Debug().Err(err).Msg("Command failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configDirFromArgs finds --config before cobra parses flags, since the
// command tree is built from the loaded configuration.
func configDirFromArgs(args []string) string {
	for i, arg := range args {
		switch {
		case arg == "--":
			return ""
		case arg == "--config" && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	return ""
}
