// Command scrollstitch runs the scroll capture stitching service and its
// offline tools.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/scrollstitch/capture"
)

type rootFlags struct {
	config   string
	logLevel string
	logJSON  bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "scrollstitch",
		Short: "Stitch scrolling screenshots into one image and a zoomable tile pyramid",
		Long: `scrollstitch turns the viewport screenshots of a scrolled page into one
tall image and a Deep Zoom tile pyramid.

Commands:
  serve     HTTP and MCP capture service
  stitch    compose frame files offline
  tile      build a tile pyramid from an image`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			slog.SetDefault(newLogger(cmd, flags))
		},
	}
	root.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "YAML config file (defaults apply when empty)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn or error")
	root.PersistentFlags().BoolVar(&flags.logJSON, "log-json", false, "log as JSON lines")

	root.AddCommand(newServeCommand(flags))
	root.AddCommand(newStitchCommand(flags))
	root.AddCommand(newTileCommand(flags))
	return root
}

func newLogger(cmd *cobra.Command, flags *rootFlags) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(flags.logLevel) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if flags.logJSON {
		return slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), opts))
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), opts))
}

// loadConfig returns the file config, or the validated defaults when no
// file is given.
func loadConfig(flags *rootFlags) (*capture.Config, error) {
	if flags.config == "" {
		cfg := capture.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return capture.LoadConfig(flags.config)
}
