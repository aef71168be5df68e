package watcher

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/devblac/event-watcher/internal/source/evm"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

var (
	pingTopic = crypto.Keccak256Hash([]byte("Ping()"))
	pongTopic = crypto.Keccak256Hash([]byte("Pong(bytes32)"))
)

type fakeSub struct {
	errCh chan error
	once  sync.Once
}

func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errCh) }) }
func (s *fakeSub) Err() <-chan error { return s.errCh }

// fakeClient is an in-memory ledger: history answers FilterLogs, push feeds
// the current subscription.
type fakeClient struct {
	mu          sync.Mutex
	head        uint64
	history     []types.Log
	unsupported bool
	ch          chan<- types.Log
	sub         *fakeSub
	subscribed  chan struct{}
	subscribes  int
	filterCalls int
	filterErr   error
}

func newFakeClient(head uint64) *fakeClient {
	return &fakeClient{head: head, subscribed: make(chan struct{}, 16)}
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterCalls++
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	var out []types.Log
	for _, lg := range f.history {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeClient) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsupported {
		return nil, rpc.ErrNotificationsUnsupported
	}
	f.ch = ch
	f.sub = &fakeSub{errCh: make(chan error, 1)}
	f.subscribes++
	select {
	case f.subscribed <- struct{}{}:
	default:
	}
	return f.sub, nil
}

func (f *fakeClient) Close() {}

func (f *fakeClient) push(lg types.Log) {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	ch <- lg
}

func (f *fakeClient) dropConnection(err error) {
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()
	sub.errCh <- err
}

func (f *fakeClient) setChain(head uint64, history ...types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = head
	f.history = append(f.history, history...)
}

func (f *fakeClient) setFilterErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterErr = err
}

func (f *fakeClient) waitSubscribed(t *testing.T) {
	t.Helper()
	select {
	case <-f.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for subscription")
	}
}

// staticDialer hands out client for every endpoint not marked down, after
// the first failures calls, and records each call.
type staticDialer struct {
	mu       sync.Mutex
	client   *fakeClient
	failures int
	down     map[string]bool
	calls    int
	at       []time.Time
	dialed   []string
}

func (d *staticDialer) dial(_ context.Context, endpoint string) (evm.LogClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.at = append(d.at, time.Now())
	d.dialed = append(d.dialed, endpoint)
	if d.calls <= d.failures || d.down[endpoint] {
		return nil, errors.New("connection refused")
	}
	return d.client, nil
}

func (d *staticDialer) endpoints() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

func (d *staticDialer) times() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.at...)
}

func (d *staticDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func pingLog(block uint64, index uint) types.Log {
	return types.Log{
		Address:     common.HexToAddress(testContract),
		Topics:      []common.Hash{pingTopic},
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(index))),
	}
}

func pongLog(block uint64, data []byte) types.Log {
	return types.Log{
		Address:     common.HexToAddress(testContract),
		Topics:      []common.Hash{pongTopic},
		Data:        data,
		BlockNumber: block,
	}
}

// recorder collects delivered occurrences.
type recorder struct {
	mu   sync.Mutex
	occs []evm.Occurrence
}

func (r *recorder) handle(_ context.Context, occ evm.Occurrence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.occs = append(r.occs, occ)
	return nil
}

func (r *recorder) blocks() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, 0, len(r.occs))
	for _, o := range r.occs {
		out = append(out, o.BlockNumber)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
