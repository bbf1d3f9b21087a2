package main

import (
	"fmt"
	"os"

	"github.com/danmuck/zoquete/internal/config"
	"github.com/danmuck/zoquete/internal/logging"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logging.ConfigureRuntime()

	var configPath string
	rootCmd := &cobra.Command{
		Use:   "zoquete",
		Short: "Event-tagged request/reply over one persistent stream",
		Long: `zoquete carries named requests and their replies in both directions
over a single framed TCP, TLS or WebSocket stream.

Either side may send requests and serve handlers; listen and send
are thin wrappers over the same connection type.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file (defaults built in)")

	rootCmd.AddCommand(
		listenCmd(&configPath),
		sendCmd(&configPath),
		initCmd(&configPath),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "zoquete: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
