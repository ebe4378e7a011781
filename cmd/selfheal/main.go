package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/use-agent/selfheal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "selfheal",
	Short: "Self-healing field extraction for business-for-sale listings",
	Long: `selfheal extracts typed listing fields (price, revenue, profit, title,
multiple) from fetched HTML. It remembers which selectors work, falls back
to heuristic strategies when they stop working and heals systemic failures
after site redesigns.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "selfheal.yml", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	initLogger(cfg.Log)
	return cfg, nil
}

// initLogger configures slog based on the LogConfig. Logs go to stderr so
// command output on stdout stays machine readable.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}
