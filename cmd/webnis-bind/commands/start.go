package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/webnis/webnis/internal/logger"
	"github.com/webnis/webnis/pkg/bind"
	"github.com/webnis/webnis/pkg/config"
	"github.com/webnis/webnis/pkg/metrics"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the binding daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadBind(cfgFile)
		if err != nil {
			return err
		}
		if socket != "" {
			cfg.Socket = socket
		}

		if err := logger.Init(logger.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		}); err != nil {
			return err
		}
		logger.Info("starting webnis-bind", "version", Version,
			"config", cfgFile, "domain", cfg.Domain)

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

		return bind.New(cfg).Start(ctx)
	},
}
