package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devblac/event-watcher/internal/logging"
	"github.com/devblac/event-watcher/internal/watcher"
)

var (
	scanFrom    string
	scanTo      uint64
	scanWatcher string
	scanDryRun  bool
)

func init() {
	scanCmd.Flags().StringVar(&scanFrom, "from", "", "First block: N, latest or latest-N (default: the watcher's start_block)")
	scanCmd.Flags().Uint64Var(&scanTo, "to", 0, "Last block (default: head)")
	scanCmd.Flags().StringVar(&scanWatcher, "watcher", "", "Only scan this watcher id")
	scanCmd.Flags().BoolVar(&scanDryRun, "dry-run", false, "Log matches without sending to sinks")
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Deliver past occurrences in a block range and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		log := logging.NewWithLevel(os.Getenv("LOG_LEVEL"))

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		senders, closers, err := buildSinks(cfg.Sinks, log)
		defer func() {
			for _, c := range closers {
				if err := c.Close(); err != nil {
					log.Warn("close sink", "error", err)
				}
			}
		}()
		if err != nil {
			return &watcher.ConfigurationError{Field: "sinks", Err: err}
		}

		scanned := 0
		for _, w := range cfg.Watchers {
			if scanWatcher != "" && w.ID != scanWatcher {
				continue
			}
			from := scanFrom
			if from == "" {
				from = w.StartBlock
			}
			if from == "" {
				return &watcher.ConfigurationError{Field: "from", Err: fmt.Errorf("watcher %s: pass --from or set start_block", w.ID)}
			}

			wcfg, handle, err := buildWatcher(w, senders, scanDryRun, log)
			if err != nil {
				return err
			}
			stats, err := watcher.Scan(ctx, wcfg, watcher.ScanRange{From: from, To: scanTo}, handle, watcher.WithLogger(log))
			if err != nil {
				return fmt.Errorf("scan %s: %w", w.ID, err)
			}
			fmt.Fprintf(out, "%s\tblocks %d-%d\tdelivered %d\tdecode errors %d\thandler errors %d\n",
				w.ID, stats.From, stats.To, stats.Delivered, stats.DecodeErrors, stats.HandlerErrors)
			scanned++
		}
		if scanned == 0 {
			return fmt.Errorf("scan: no watcher with id %q", scanWatcher)
		}
		return nil
	},
}
