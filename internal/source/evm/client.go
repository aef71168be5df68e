package evm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// LogClient captures the subset of ethclient used by the watcher.
type LogClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// RPCClient is a thin wrapper over ethclient.Client that satisfies LogClient.
type RPCClient struct {
	*ethclient.Client
}

// Dial builds an RPC client to an EVM node. ws:// and ipc endpoints support
// push subscriptions; http(s) endpoints are polled.
func Dial(ctx context.Context, rpcURL string) (*RPCClient, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return &RPCClient{Client: c}, nil
}

// DialLogClient is Dial with the LogClient return type, usable as a watcher dialer.
func DialLogClient(ctx context.Context, rpcURL string) (LogClient, error) {
	c, err := Dial(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// IsSubscriptionUnsupported reports whether the transport cannot push logs.
func IsSubscriptionUnsupported(err error) bool {
	return errors.Is(err, rpc.ErrNotificationsUnsupported)
}

// ParseStartBlock checks a start block expression without resolving it.
func ParseStartBlock(start string) error {
	_, err := ResolveStartBlock(start, 0)
	return err
}

// ResolveStartBlock turns "N", "latest" or "latest-N" into a block height
// relative to head.
func ResolveStartBlock(start string, head uint64) (uint64, error) {
	start = strings.TrimSpace(start)
	switch {
	case start == "latest":
		return head, nil
	case strings.HasPrefix(start, "latest-"):
		n, err := strconv.ParseUint(strings.TrimPrefix(start, "latest-"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse start_block %q: %w", start, err)
		}
		if n > head {
			return 0, nil
		}
		return head - n, nil
	}

	n, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse start_block %q: %w", start, err)
	}
	return n, nil
}
