package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/devblac/event-watcher/internal/config"
	"github.com/devblac/event-watcher/internal/engine"
	"github.com/devblac/event-watcher/internal/health"
	"github.com/devblac/event-watcher/internal/logging"
	"github.com/devblac/event-watcher/internal/metrics"
	"github.com/devblac/event-watcher/internal/sink"
	"github.com/devblac/event-watcher/internal/source/evm"
	"github.com/devblac/event-watcher/internal/storage"
	"github.com/devblac/event-watcher/internal/watcher"
)

var (
	flagDryRun  bool
	flagHealth  string
	flagMetrics string
)

func init() {
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Log matches without sending to sinks")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch configured contract events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.NewWithLevel(os.Getenv("LOG_LEVEL"))

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var store *storage.Store
		if cfg.Global.DBPath != "" {
			store, err = storage.Open(cfg.Global.DBPath)
			if err != nil {
				return &watcher.ConfigurationError{Field: "db_path", Err: fmt.Errorf("open storage: %w", err)}
			}
			defer store.Close()
		}

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			srv := serveMetrics(flagMetrics, log)
			defer shutdown(srv)
			log.Info("metrics enabled", "addr", flagMetrics)
		}

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

		subs := make([]*watcher.Subscription, 0, len(cfg.Watchers))
		defer func() {
			for _, s := range subs {
				s.Stop()
			}
			for _, s := range subs {
				s.Wait()
			}
		}()

		for i := range cfg.Watchers {
			w := cfg.Watchers[i]
			sub, err := startWatcher(ctx, w, senders, store, mtr, log)
			if err != nil {
				return err
			}
			subs = append(subs, sub)
			log.Info("watcher started", "watcher", sub.ID(), "contract", w.Contract, "event", w.Event)
		}

		if flagHealth != "" {
			checker, rpc := healthChecker(cfg.Watchers, subs, store)
			defer rpc.Close()
			srv := health.Serve(flagHealth, checker)
			defer shutdown(srv)
			log.Info("health check enabled", "addr", flagHealth)
		}

		<-ctx.Done()
		log.Info("shutting down")
		return nil
	},
}

func startWatcher(ctx context.Context, w config.Watcher, senders map[string]sink.Sender, store *storage.Store, mtr *metrics.Metrics, log *slog.Logger) (*watcher.Subscription, error) {
	wcfg, handle, err := buildWatcher(w, senders, flagDryRun, log)
	if err != nil {
		return nil, err
	}
	opts := []watcher.Option{watcher.WithLogger(log), watcher.WithMetrics(mtr)}
	if store != nil {
		opts = append(opts, watcher.WithCursorStore(store))
	}
	return watcher.Start(ctx, wcfg, handle, opts...)
}

// buildWatcher turns a configured watcher into the subscription config and
// the dispatcher that filters and fans out its occurrences.
func buildWatcher(w config.Watcher, senders map[string]sink.Sender, dryRun bool, log *slog.Logger) (watcher.Config, watcher.Handler, error) {
	a, err := w.LoadABI()
	if err != nil {
		return watcher.Config{}, nil, &watcher.ConfigurationError{Field: "abi", Err: err}
	}
	interval, err := w.Interval()
	if err != nil {
		return watcher.Config{}, nil, &watcher.ConfigurationError{Field: "poll_interval", Err: err}
	}

	targets := make([]engine.Target, 0, len(w.Sinks))
	for _, id := range w.Sinks {
		targets = append(targets, engine.Target{ID: id, Sender: senders[id]})
	}
	if len(targets) == 0 {
		targets = append(targets, engine.Target{ID: "log", Sender: sink.NewLogSender(log)})
	}
	disp, err := engine.NewDispatcher(w.ID, w.Where, targets, dryRun, log)
	if err != nil {
		return watcher.Config{}, nil, &watcher.ConfigurationError{Field: "where", Err: err}
	}

	return watcher.Config{
		ID:            w.ID,
		Endpoint:      w.RPCURL,
		Fallbacks:     w.FallbackRPCURLs,
		Contract:      w.Contract,
		ABI:           a,
		Event:         w.Event,
		StartBlock:    w.StartBlock,
		PollInterval:  interval,
		BackfillChunk: w.BackfillChunk,
	}, disp.Handle, nil
}

type closer interface {
	Close() error
}

func buildSinks(cfgs []config.Sink, log *slog.Logger) (map[string]sink.Sender, []closer, error) {
	sinks := map[string]sink.Sender{}
	var closers []closer
	for _, s := range cfgs {
		var (
			sender sink.Sender
			err    error
		)
		switch strings.ToLower(s.Type) {
		case "log":
			sender = sink.NewLogSender(log)
		case "slack":
			sender, err = sink.NewSlackSender(s.WebhookURL, s.Template)
		case "teams":
			sender, err = sink.NewTeamsSender(s.WebhookURL, s.Template)
		case "webhook":
			sender, err = sink.NewWebhookSender(s.URL, s.Method, s.Template, nil)
		case "nats":
			var ns *sink.NATSSender
			ns, err = sink.NewNATSSender(s.NATSURL, s.Subject)
			if err == nil {
				closers = append(closers, ns)
				sender = ns
			}
		default:
			continue
		}
		if err != nil {
			return nil, closers, fmt.Errorf("sink %s: %w", s.ID, err)
		}
		sinks[s.ID] = sender
	}
	return sinks, closers, nil
}

// healthChecker pings every endpoint of every watcher, dialing on demand so
// an endpoint that is down at startup is reported rather than skipped. The
// returned RPCChecker must be closed on shutdown.
func healthChecker(watchers []config.Watcher, subs []*watcher.Subscription, store *storage.Store) (health.Checker, *health.RPCChecker) {
	endpoints := make(map[string][]health.HeadReader, len(watchers))
	for _, w := range watchers {
		for _, url := range append([]string{w.RPCURL}, w.FallbackRPCURLs...) {
			endpoints[w.ID] = append(endpoints[w.ID], health.NewEndpoint(url, dialHead))
		}
	}
	rpc := health.NewRPCChecker(endpoints)
	checker := health.Checker{
		RPCPing: rpc.Ping,
		Watchers: func() map[string]string {
			out := make(map[string]string, len(subs))
			for _, s := range subs {
				out[s.ID()] = s.State().String()
			}
			return out
		},
	}
	if store != nil {
		checker.DBPing = store.Ping
	}
	return checker, rpc
}

func dialHead(ctx context.Context, url string) (health.HeadReader, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cli, err := evm.Dial(dialCtx, url)
	if err != nil {
		return nil, err
	}
	return cli, nil
}

func serveMetrics(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
