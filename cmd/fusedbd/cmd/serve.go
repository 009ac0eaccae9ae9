package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fusedb/fusedb/internal/queue"
	"github.com/fusedb/fusedb/internal/rpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the store and serve the RPC socket",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, cleanup, err := setupLogging(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		service := rpc.NewService(cfg, logger)
		if err := service.Open(ctx, rpc.OpenParams{}); err != nil {
			return err
		}
		defer func() { _ = service.Close() }()

		if q := service.Queue(); q != nil {
			janitor := queue.NewJanitor(q, cfg.Queue.PruneSchedule, cfg.Queue.Retention, logger)
			if err := janitor.Start(ctx); err != nil {
				return err
			}
			defer janitor.Stop()
		}

		server := rpc.NewServer(cfg.Server.SocketPath, service, cfg.Server.RequestTimeout, logger)
		err = server.ListenAndServe(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
