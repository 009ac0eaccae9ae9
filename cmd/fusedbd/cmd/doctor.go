package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fusedb/fusedb/internal/store"
)

var (
	doctorCollection string
	doctorRebuild    bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Validate FTS index coverage, optionally rebuilding it",
	Long: `doctor opens the store directly (the daemon must not be running),
compares document and FTS row counts per collection, and with
--rebuild destructively rebuilds the FTS rows.`,
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

		ctx := context.Background()
		st, err := store.Open(ctx, store.Options{
			Path:           cfg.Store.Path,
			Dimensions:     cfg.Store.Dimensions,
			DistanceMetric: cfg.Store.DistanceMetric,
			BusyTimeout:    cfg.Store.BusyTimeout,
			QueueMaxDepth:  cfg.Queue.MaxDepth,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		collections := []string{doctorCollection}
		if doctorCollection == "" {
			infos, err := st.ListCollections(ctx)
			if err != nil {
				return err
			}
			collections = collections[:0]
			for _, info := range infos {
				collections = append(collections, info.Name)
			}
		}

		broken := 0
		for _, name := range collections {
			validation, err := st.ValidateFTSIndex(ctx, name)
			if err != nil {
				return err
			}
			state := "ok"
			if !validation.Valid {
				state = "OUT OF SYNC"
				broken++
			}
			fmt.Printf("%-20s docs=%-6d fts=%-6d %s\n",
				name, validation.DocsCount, validation.FTSCount, state)
		}

		if broken == 0 || !doctorRebuild {
			if broken > 0 {
				fmt.Println("run with --rebuild to repair (deletes and re-creates FTS rows)")
			}
			return nil
		}

		if err := st.RebuildFTSIndex(ctx, doctorCollection); err != nil {
			return err
		}
		fmt.Println("FTS index rebuilt")
		return nil
	},
}

func init() {
	doctorCmd.Flags().StringVar(&doctorCollection, "collection", "", "limit to one collection")
	doctorCmd.Flags().BoolVar(&doctorRebuild, "rebuild", false, "rebuild the whole FTS index when any collection is out of sync")
	rootCmd.AddCommand(doctorCmd)
}
