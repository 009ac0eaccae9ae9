package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fusedb/fusedb/internal/rpc"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the state of a running worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		client := rpc.NewClient(cfg.Server.SocketPath, cfg.Server.RequestTimeout)
		if !client.IsRunning() {
			fmt.Println("worker: not running")
			return nil
		}

		status, err := client.Status(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("worker:  running (pid %d, up %s)\n", status.PID, status.Uptime)
		if status.StoreOpen {
			fmt.Printf("store:   %s (schema v%d)\n", status.StorePath, status.SchemaVersion)
			fmt.Printf("queue:   %d pending\n", status.QueueDepth)
		} else {
			fmt.Println("store:   closed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
