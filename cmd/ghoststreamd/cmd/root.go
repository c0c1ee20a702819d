// Package cmd implements the CLI commands for ghoststreamd.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ghoststream/ghoststream/internal/config"
	"github.com/ghoststream/ghoststream/internal/version"
)

var configPath string

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "ghoststreamd",
	Short:   "LAN transcoding node",
	Version: version.Short(),
	Long: `ghoststreamd is a LAN transcoding node.

It accepts media-conversion jobs over HTTP, drives an external
ffmpeg-compatible encoder, publishes the output as HLS playlists or
completed files, and registers itself with a GhostHub coordinator.

Configuration is read from a ghoststream.yaml file (searched in .,
./configs, /etc/ghoststream, and $HOME/.config/ghoststream) and from
GHOSTSTREAM_-prefixed environment variables. Example:

  GHOSTSTREAM_SERVER_PORT=8765 ghoststreamd serve`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
}

// loadConfig reads configuration honoring the --config flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}
