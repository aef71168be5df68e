package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/devblac/event-watcher/internal/storage"
)

var stateReset string

func init() {
	stateCmd.Flags().StringVar(&stateReset, "reset", "", "Forget the stored position of this watcher id")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show or reset the last delivered position per watcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Global.DBPath == "" {
			return errors.New("state: no db_path configured, cursors are not persisted")
		}

		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		if stateReset != "" {
			_, ok, err := store.GetCursor(cmd.Context(), stateReset)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(out, "no cursor stored for %s\n", stateReset)
				return nil
			}
			if err := store.DeleteCursor(cmd.Context(), stateReset); err != nil {
				return err
			}
			fmt.Fprintf(out, "reset %s, next run starts from its start_block\n", stateReset)
			return nil
		}

		cursors, err := store.ListCursors(cmd.Context())
		if err != nil {
			return err
		}
		if len(cursors) == 0 {
			fmt.Fprintln(out, "no cursors stored")
			return nil
		}
		for _, c := range cursors {
			fmt.Fprintf(out, "%s\tblock %d\tlog %d\ttx %s\tupdated %s\n",
				c.WatcherID, c.Block, c.LogIndex, c.TxHash, c.UpdatedAt.Format(time.RFC3339))
		}
		return nil
	},
}
