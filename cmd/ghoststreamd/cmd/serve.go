package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ghoststream/ghoststream/internal/observability"
	"github.com/ghoststream/ghoststream/internal/service"
	"github.com/ghoststream/ghoststream/internal/version"
)

// serveCmd starts the node.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the transcoding node",
	Long: `Start the ghoststreamd transcoding node.

The node will:
1. Detect the encoder binary and hardware acceleration capabilities
2. Start the worker pool, cleanup scheduler, and HTTP frontend
3. Register with the GhostHub coordinator (if configured)`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	info := version.GetInfo()
	logger.Info("ghoststreamd starting",
		slog.String("version", info.Version),
		slog.String("commit", info.Commit),
		slog.String("go", info.GoVersion),
		slog.String("platform", info.Platform))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	return svc.Run(ctx)
}
