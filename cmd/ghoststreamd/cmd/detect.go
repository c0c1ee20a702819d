package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ghoststream/ghoststream/internal/daemon"
	"github.com/ghoststream/ghoststream/internal/ffmpeg"
	"github.com/ghoststream/ghoststream/internal/observability"
)

// detectCmd probes the encoder binary and prints the capability snapshot.
var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect encoder binary and hardware capabilities",
	Long: `Detect the encoder binary installation and hardware acceleration
capabilities, and print the snapshot this node would advertise.

Examples:
  # YAML output (default)
  ghoststreamd detect

  # JSON output
  ghoststreamd detect --json`,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().Bool("json", false, "emit JSON instead of YAML")
	detectCmd.Flags().Duration("timeout", 30*time.Second, "detection timeout")
}

// detectionResult is the printed document.
type detectionResult struct {
	Binary       ffmpeg.BinaryInfo   `json:"binary" yaml:"binary"`
	Capabilities ffmpeg.Capabilities `json:"capabilities" yaml:"capabilities"`
}

func runDetect(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Logging)

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	binaries, err := ffmpeg.NewBinaryDetector(cfg.Transcoding.FFmpegPath, cfg.Transcoding.FFprobePath).Detect(ctx)
	if err != nil {
		return fmt.Errorf("detecting encoder binary: %w", err)
	}
	caps := daemon.BuildCapabilities(ctx, logger, binaries, cfg)

	result := detectionResult{Binary: *binaries, Capabilities: *caps}

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	out, err := yaml.Marshal(result)
	if err != nil {
		return fmt.Errorf("rendering capabilities: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}
