package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/devblac/event-watcher/internal/config"
	"github.com/devblac/event-watcher/internal/source/evm"
)

const dialTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config, resolve events and ping RPC endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		failures := 0
		for _, w := range cfg.Watchers {
			sig, err := resolveEvent(w)
			if err != nil {
				failures++
				fmt.Fprintf(out, "- watcher %s: ERROR %v\n", w.ID, err)
				continue
			}
			chainID, err := pingEVM(cmd.Context(), w.RPCURL)
			if err != nil {
				failures++
				fmt.Fprintf(out, "- watcher %s (%s): ERROR %v\n", w.ID, sig, err)
				continue
			}
			fmt.Fprintf(out, "- watcher %s (%s): chainId %s OK\n", w.ID, sig, chainID)
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d watcher(s) failed", failures)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

func resolveEvent(w config.Watcher) (string, error) {
	a, err := w.LoadABI()
	if err != nil {
		return "", err
	}
	ev, ok := evm.ResolveEvent(a, w.Event)
	if !ok {
		return "", fmt.Errorf("event %q not in abi (have %v)", w.Event, evm.EventNames(a))
	}
	return ev.Sig, nil
}

func pingEVM(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	cli, err := evm.Dial(ctx, url)
	if err != nil {
		return "", err
	}
	defer cli.Close()

	id, err := cli.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("call eth_chainId: %w", err)
	}
	return id.String(), nil
}
