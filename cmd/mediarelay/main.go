package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mantonx/mediarelay/internal/config"
	"github.com/mantonx/mediarelay/internal/logger"
)

var version = "dev"

var (
	cfgFile  string
	logLevel string
	manager  = config.NewManager()
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logger.Close()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "mediarelay",
	Short:         "mediarelay - fetch, convert and shrink video for chat delivery",
	Long:          "Downloads remote videos, converts them to H.264/AAC MP4 and compresses renditions to fit an upload budget.",
	SilenceUsage:  true,
	Version:       version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = os.Getenv("MEDIARELAY_CONFIG_PATH")
		}
		if path == "" {
			if _, err := os.Stat("./mediarelay.yaml"); err == nil {
				path = "./mediarelay.yaml"
			}
		}
		if err := manager.Load(path); err != nil {
			return err
		}

		cfg := manager.Get()
		level := cfg.Logging.Level
		if logLevel != "" {
			level = logLevel
		}
		logger.New(logger.Options{
			Level:      level,
			Format:     cfg.Logging.Format,
			File:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mediarelay.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(transcodeCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(estimateCmd)
	rootCmd.AddCommand(infoCmd)
}
