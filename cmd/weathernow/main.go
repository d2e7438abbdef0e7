package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/weathernow/internal/config"
	"github.com/kjstillabower/weathernow/internal/observability"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app carries what every subcommand needs once the root command has loaded config.
type app struct {
	configDir string
	jsonOut   bool
	cfg       *config.Config
	logger    *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "weathernow",
		Short: "WeatherNow proxy server and client",
		Long: `WeatherNow runs the weather, AI and contact proxy (serve) and talks to a
running proxy from the command line (weather, forecast, chat, ...).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDir(a.configDir)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			logger, err := observability.NewLogger(cfg.Environment)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configDir, "config-dir", ".", "directory holding config/ and .env")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "print JSON instead of text")

	root.AddCommand(
		newServeCmd(a),
		newWeatherCmd(a),
		newForecastCmd(a),
		newSuggestCmd(a),
		newChatCmd(a),
		newInsightsCmd(a),
		newContactCmd(a),
		newFavoritesCmd(a),
		newHistoryCmd(a),
		newPrefsCmd(a),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
