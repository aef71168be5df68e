package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/devblac/event-watcher/internal/source/evm"
)

// ScanRange bounds a one-shot historical scan. From takes the same forms as
// Config.StartBlock; a zero To means the head at scan time.
type ScanRange struct {
	From string
	To   uint64
}

// ScanStats summarizes a finished scan.
type ScanStats struct {
	From          uint64
	To            uint64
	Delivered     int
	DecodeErrors  int
	HandlerErrors int
}

// Scan delivers every occurrence in r to handler, in order, and returns.
// Endpoints are tried in turn; positions already delivered on a failed
// endpoint are not delivered again. Nothing is persisted.
func Scan(ctx context.Context, cfg Config, r ScanRange, handler Handler, opts ...Option) (ScanStats, error) {
	if strings.TrimSpace(r.From) == "" {
		return ScanStats{}, &ConfigurationError{Field: "from", Err: errors.New("from block is required")}
	}
	if err := evm.ParseStartBlock(r.From); err != nil {
		return ScanStats{}, &ConfigurationError{Field: "from", Err: err}
	}
	s, err := newSubscription(ctx, cfg, handler, opts...)
	if err != nil {
		return ScanStats{}, err
	}
	s.cursors = nil

	var stats ScanStats
	for i := range s.endpoints {
		s.current = i
		stats, err = s.scan(ctx, r)
		if err == nil {
			return stats, nil
		}
		var cerr *ConfigurationError
		if errors.As(err, &cerr) || ctx.Err() != nil {
			return stats, err
		}
		s.log.Warn("scan failed on endpoint", "endpoint", redactEndpoint(s.endpoint()), "error", err)
	}
	return stats, err
}

func (s *Subscription) scan(ctx context.Context, r ScanRange) (ScanStats, error) {
	client, err := s.dial(ctx, s.endpoint())
	if err != nil {
		return s.stats(0, 0), s.connErr("dial", err)
	}
	defer client.Close()

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return s.stats(0, 0), s.connErr("block number", err)
	}
	from, err := evm.ResolveStartBlock(r.From, head)
	if err != nil {
		return s.stats(0, 0), &ConfigurationError{Field: "from", Err: err}
	}
	to := r.To
	if to == 0 || to > head {
		to = head
	}
	if from > to {
		return s.stats(from, to), &ConfigurationError{Field: "from", Err: fmt.Errorf("from block %d is after to block %d", from, to)}
	}

	s.log.Info("scanning", "endpoint", redactEndpoint(s.endpoint()), "from", from, "to", to)
	if err := s.backfill(ctx, client, from, to); err != nil {
		return s.stats(from, to), err
	}
	return s.stats(from, to), nil
}

func (s *Subscription) stats(from, to uint64) ScanStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ScanStats{
		From:          from,
		To:            to,
		Delivered:     s.counts.delivered,
		DecodeErrors:  s.counts.decodeErrors,
		HandlerErrors: s.counts.handlerErrors,
	}
}
