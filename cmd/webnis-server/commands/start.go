package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/webnis/webnis/internal/logger"
	"github.com/webnis/webnis/pkg/config"
	"github.com/webnis/webnis/pkg/metrics"
	"github.com/webnis/webnis/pkg/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the webnis server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if err := logger.Init(logger.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		}); err != nil {
			return err
		}
		logger.Info("starting webnis-server", "version", Version, "config", cfgFile)

		srv, err := server.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Metrics.Listen != "" {
			go func() {
				if err := metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
					logger.Error("metrics listener failed", "error", err)
				}
			}()
		}

		return srv.Start(ctx)
	},
}
