package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// HeadReader is satisfied by ethclient and evm.LogClient.
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// DialFunc opens a head reader for an endpoint.
type DialFunc func(ctx context.Context, endpoint string) (HeadReader, error)

// Endpoint dials its URL on first use and keeps the client for later pings.
// A failed dial is returned from BlockNumber and retried on the next call.
type Endpoint struct {
	url  string
	dial DialFunc

	mu     sync.Mutex
	client HeadReader
}

// NewEndpoint returns an undialed endpoint.
func NewEndpoint(url string, dial DialFunc) *Endpoint {
	return &Endpoint{url: url, dial: dial}
}

// BlockNumber dials if needed and asks the endpoint for its head block.
func (e *Endpoint) BlockNumber(ctx context.Context) (uint64, error) {
	e.mu.Lock()
	cli := e.client
	if cli == nil {
		var err error
		cli, err = e.dial(ctx, e.url)
		if err != nil {
			e.mu.Unlock()
			return 0, err
		}
		e.client = cli
	}
	e.mu.Unlock()
	return cli.BlockNumber(ctx)
}

// Close releases the dialed client, if any.
func (e *Endpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.client.(interface{ Close() }); ok {
		c.Close()
	}
	e.client = nil
}

// RPCChecker pings the endpoints of every watcher. A watcher is healthy when
// any of its endpoints answers.
type RPCChecker struct {
	endpoints map[string][]HeadReader
}

// NewRPCChecker creates a checker keyed by watcher id, endpoints in failover
// order.
func NewRPCChecker(endpoints map[string][]HeadReader) *RPCChecker {
	return &RPCChecker{endpoints: endpoints}
}

// Ping asks each watcher's endpoints for the head block, stopping at the first
// that answers, and joins the failures of watchers with none reachable.
func (c *RPCChecker) Ping(ctx context.Context) error {
	var errs []error
	for id, readers := range c.endpoints {
		if len(readers) == 0 {
			errs = append(errs, fmt.Errorf("watcher %s: no endpoints", id))
			continue
		}
		var lastErr error
		for _, r := range readers {
			if _, lastErr = r.BlockNumber(ctx); lastErr == nil {
				break
			}
		}
		if lastErr != nil {
			errs = append(errs, fmt.Errorf("watcher %s: %w", id, lastErr))
		}
	}
	return errors.Join(errs...)
}

// Close closes every endpoint that holds a client.
func (c *RPCChecker) Close() {
	for _, readers := range c.endpoints {
		for _, r := range readers {
			if cl, ok := r.(interface{ Close() }); ok {
				cl.Close()
			}
		}
	}
}
