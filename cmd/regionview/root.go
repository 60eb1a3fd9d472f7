package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/tingold/regionview"
)

var version = "0.1.0"

var (
	verbose    bool
	jsonLogs   bool
	configPath string

	cfg    regionview.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "regionview",
	Short: "Inspect and render regions of very large images",
	Long: `regionview opens huge images (tiled or pyramidal TIFF, PNG, JPEG, WebP,
archives and http(s) URLs) through a region decoder and drives the same
viewport controller an interactive viewer would, so zoom, pan and fling
behaviour can be scripted and rendered to PNG.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json", false, "log as JSON")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", regionview.DefaultConfigPath(), "config file")
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"regionview %s (%s/%s, %s)\n",
		version, runtime.GOOS, runtime.GOARCH, runtime.Version(),
	))
}

func setup(_ *cobra.Command, _ []string) error {
	logger = newLogger(verbose, jsonLogs)
	slog.SetDefault(logger)

	res := regionview.LoadConfig(configPath)
	for _, w := range res.Warnings {
		logger.Warn("config", "path", configPath, "warning", w)
	}
	logger.Debug("config loaded", "path", configPath, "status", res.Status)
	cfg = res.Config
	return nil
}

// newLogger writes to stderr so command output on stdout stays clean.
func newLogger(debug, asJSON bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if asJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
