package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devblac/event-watcher/internal/metrics"
	"github.com/devblac/event-watcher/internal/source/evm"
	"github.com/devblac/event-watcher/internal/storage"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	DefaultPollInterval = 12 * time.Second
	DefaultBackoffBase  = time.Second
	DefaultBackoffMax   = 30 * time.Second

	DefaultBackfillChunk uint64 = 2000

	logBuffer = 256
	// endOfBlock sorts after every real log index in a block.
	endOfBlock uint = math.MaxUint32
)

// Handler receives one decoded occurrence at a time, in transport order.
type Handler func(ctx context.Context, occ evm.Occurrence) error

// Dialer opens a transport to a ledger endpoint.
type Dialer func(ctx context.Context, endpoint string) (evm.LogClient, error)

// CursorStore persists the last delivered position per watcher.
type CursorStore interface {
	GetCursor(ctx context.Context, watcherID string) (storage.Cursor, bool, error)
	UpsertCursor(ctx context.Context, watcherID string, c storage.Cursor) error
}

// Config describes one event subscription.
type Config struct {
	// ID keys the persisted cursor and labels logs and metrics.
	// Defaults to "<contract>:<event>".
	ID       string
	Endpoint string
	// Fallbacks are tried in order when Endpoint fails; after a full
	// round the watcher backs off before starting again at Endpoint.
	Fallbacks []string
	Contract  string
	ABI       *abi.ABI
	Event     string
	// StartBlock ("N", "latest", "latest-N") makes the first connection
	// backfill from that block. Empty means live logs only.
	StartBlock   string
	PollInterval time.Duration
	// BackfillChunk caps the block span of one eth_getLogs call. The span
	// halves when a call fails and grows back after successful calls.
	BackfillChunk uint64
}

// Option customizes a Subscription.
type Option func(*Subscription)

// WithLogger sets the logger; watcher and event attributes are added to it.
func WithLogger(l *slog.Logger) Option {
	return func(s *Subscription) {
		if l != nil {
			s.log = l
		}
	}
}

// WithDialer replaces ethclient dialing, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(s *Subscription) {
		if d != nil {
			s.dial = d
		}
	}
}

// WithCursorStore persists the last delivered position and resumes from it.
func WithCursorStore(cs CursorStore) Option {
	return func(s *Subscription) { s.cursors = cs }
}

// WithMetrics records deliveries, errors, reconnects and state. Nil disables it.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Subscription) { s.mtr = m }
}

// WithBackoff overrides the reconnect delay bounds.
func WithBackoff(base, max time.Duration) Option {
	return func(s *Subscription) {
		if base > 0 {
			s.backoffBase = base
		}
		if max >= base {
			s.backoffMax = max
		}
	}
}

type position struct {
	block    uint64
	logIndex uint
}

func (p position) after(o position) bool {
	return p.block > o.block || (p.block == o.block && p.logIndex > o.logIndex)
}

// Subscription is a live watch registration returned by Start.
type Subscription struct {
	cfg         Config
	decoder     *evm.EventDecoder
	handler     Handler
	dial        Dialer
	cursors     CursorStore
	log         *slog.Logger
	mtr         *metrics.Metrics
	backoffBase time.Duration
	backoffMax  time.Duration
	endpoints   []string
	current     int
	chunk       uint64

	parent   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	state   State
	last    position
	hasLast bool
	next    uint64
	hasNext bool
	counts  counters
}

type counters struct {
	delivered     int
	decodeErrors  int
	handlerErrors int
}

// Start validates cfg and begins watching in the background. Configuration
// problems are reported as *ConfigurationError before any network activity;
// connection problems are retried and never returned.
func Start(ctx context.Context, cfg Config, handler Handler, opts ...Option) (*Subscription, error) {
	s, err := newSubscription(ctx, cfg, handler, opts...)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
	return s, nil
}

func newSubscription(ctx context.Context, cfg Config, handler Handler, opts ...Option) (*Subscription, error) {
	dec, err := validate(&cfg, handler)
	if err != nil {
		return nil, err
	}

	s := &Subscription{
		cfg:         cfg,
		decoder:     dec,
		handler:     handler,
		dial:        evm.DialLogClient,
		log:         slog.Default(),
		backoffBase: DefaultBackoffBase,
		backoffMax:  DefaultBackoffMax,
		endpoints:   append([]string{cfg.Endpoint}, cfg.Fallbacks...),
		chunk:       cfg.BackfillChunk,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("watcher", cfg.ID, "event", dec.EventName())
	s.parent = ctx
	s.cancel = func() {}
	return s, nil
}

func validate(cfg *Config, handler Handler) (*evm.EventDecoder, error) {
	if handler == nil {
		return nil, &ConfigurationError{Field: "handler", Err: errors.New("handler is required")}
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, &ConfigurationError{Field: "endpoint", Err: errors.New("endpoint is required")}
	}
	for i, fb := range cfg.Fallbacks {
		if strings.TrimSpace(fb) == "" {
			return nil, &ConfigurationError{Field: "fallbacks", Err: fmt.Errorf("fallback %d is empty", i)}
		}
	}
	if cfg.ABI == nil {
		return nil, &ConfigurationError{Field: "abi", Err: errors.New("abi is required")}
	}
	dec, err := evm.NewEventDecoder(cfg.Contract, cfg.ABI, cfg.Event)
	if err != nil {
		field := "event"
		if errors.Is(err, evm.ErrInvalidAddress) {
			field = "contract"
		}
		return nil, &ConfigurationError{Field: field, Err: err}
	}
	if cfg.StartBlock != "" {
		if err := evm.ParseStartBlock(cfg.StartBlock); err != nil {
			return nil, &ConfigurationError{Field: "start_block", Err: err}
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BackfillChunk == 0 {
		cfg.BackfillChunk = DefaultBackfillChunk
	}
	if cfg.ID == "" {
		cfg.ID = strings.ToLower(dec.Address().Hex()) + ":" + dec.EventName()
	}
	return dec, nil
}

// ID identifies the subscription in logs, metrics and the cursor store.
func (s *Subscription) ID() string { return s.cfg.ID }

// Stop releases the subscription. It is idempotent, does not block and may
// be called from inside the handler. A handler already running completes;
// no occurrence is dispatched afterwards.
func (s *Subscription) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()
	})
}

// Done is closed once the watch loop has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Wait blocks until the watch loop has exited.
func (s *Subscription) Wait() { <-s.done }

// State reports the current lifecycle state.
func (s *Subscription) State() State {
	if s.stopped() {
		return StateStopped
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastDelivered returns the position of the last occurrence handed to the handler.
func (s *Subscription) LastDelivered() (block uint64, logIndex uint, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.block, s.last.logIndex, s.hasLast
}

func (s *Subscription) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Subscription) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.mtr.State(s.cfg.ID, int(st))
		s.log.Debug("state change", "from", prev.String(), "to", st.String())
	}
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(StateStopped)
	defer s.log.Info("watcher stopped")

	s.loadCursor(ctx)
	bo := newBackOff(s.backoffBase, s.backoffMax)

	for {
		if s.stopped() || ctx.Err() != nil {
			return
		}
		s.setState(StateConnecting)
		err := s.session(ctx, bo)
		if s.stopped() || ctx.Err() != nil {
			return
		}

		s.mtr.Reconnect(s.cfg.ID)
		s.setState(StateReconnecting)
		failed := s.endpoint()
		if !s.rotate() {
			s.log.Warn("endpoint failed, trying next", "error", err,
				"failed", redactEndpoint(failed), "next", redactEndpoint(s.endpoint()))
			continue
		}
		wait := bo.NextBackOff()
		s.log.Warn("connection lost, reconnecting", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection until it fails or ctx ends. A nil return
// means the subscription was stopped.
func (s *Subscription) session(ctx context.Context, bo backoff.BackOff) error {
	client, err := s.dial(ctx, s.endpoint())
	if err != nil {
		return s.connErr("dial", err)
	}
	defer client.Close()

	logs := make(chan types.Log, logBuffer)
	sub, err := client.SubscribeFilterLogs(ctx, s.decoder.Query(), logs)
	if evm.IsSubscriptionUnsupported(err) {
		return s.poll(ctx, client, bo)
	}
	if err != nil {
		return s.connErr("subscribe", err)
	}
	defer sub.Unsubscribe()

	s.log.Info("subscribed", "endpoint", redactEndpoint(s.endpoint()), "contract", s.decoder.Address().Hex())

	// Live logs buffer in the subscription while missed ones are fetched;
	// the overlap is dropped by position. The connection only counts as
	// healthy once the gap is closed.
	if err := s.catchUp(ctx, client); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	s.setState(StateSubscribed)
	bo.Reset()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed by server")
			}
			return s.connErr("subscription", err)
		case lg := <-logs:
			s.deliver(ctx, lg)
		}
	}
}

// poll replaces push subscriptions for transports that cannot notify (http).
func (s *Subscription) poll(ctx context.Context, client evm.LogClient, bo backoff.BackOff) error {
	s.log.Info("endpoint cannot push logs, polling", "endpoint", redactEndpoint(s.endpoint()), "interval", s.cfg.PollInterval)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	first := true
	for {
		if err := s.catchUp(ctx, client); err != nil {
			return err
		}
		if first {
			s.setState(StateSubscribed)
			bo.Reset()
			first = false
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// catchUp fetches logs between the first unscanned block and head.
func (s *Subscription) catchUp(ctx context.Context, client evm.LogClient) error {
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return s.connErr("block number", err)
	}
	return s.backfill(ctx, client, s.scanStart(head), head)
}

// backfill delivers logs in [from, to] in chunks. A failed call is retried
// with half the span until the span is a single block.
func (s *Subscription) backfill(ctx context.Context, client evm.LogClient, from, to uint64) error {
	for from <= to {
		if s.stopped() {
			return nil
		}
		end := min(from+s.chunk-1, to)
		q := s.decoder.Query()
		q.FromBlock = new(big.Int).SetUint64(from)
		q.ToBlock = new(big.Int).SetUint64(end)

		logs, err := client.FilterLogs(ctx, q)
		if err != nil {
			if s.chunk > 1 && ctx.Err() == nil {
				s.chunk /= 2
				s.log.Warn("filter logs failed, narrowing range", "from", from, "to", end, "chunk", s.chunk, "error", err)
				continue
			}
			return s.connErr("filter logs", err)
		}
		if len(logs) > 0 {
			s.log.Debug("fetched missed logs", "from", from, "to", end, "count", len(logs))
		}
		for _, lg := range logs {
			if s.stopped() {
				return nil
			}
			s.deliver(ctx, lg)
		}
		s.markScanned(end)
		from = end + 1
		if s.chunk < s.cfg.BackfillChunk {
			s.chunk = min(s.chunk*2, s.cfg.BackfillChunk)
		}
	}
	return nil
}

func (s *Subscription) scanStart(head uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasNext {
		s.hasNext = true
		s.next = head + 1
		if s.cfg.StartBlock != "" {
			if n, err := evm.ResolveStartBlock(s.cfg.StartBlock, head); err == nil {
				s.next = n
			}
		}
	}
	from := s.next
	// Logs after the last delivered one may share its block.
	if s.hasLast && s.last.block > from {
		from = s.last.block
	}
	return from
}

func (s *Subscription) markScanned(to uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to+1 > s.next {
		s.next = to + 1
	}
}

func (s *Subscription) isNew(p position) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.hasLast || p.after(s.last)
}

func (s *Subscription) deliver(ctx context.Context, lg types.Log) {
	if s.stopped() {
		return
	}
	pos := position{block: lg.BlockNumber, logIndex: lg.Index}
	if lg.Removed {
		s.log.Warn("skipping removed log", "block", lg.BlockNumber, "log_index", lg.Index, "tx", lg.TxHash.Hex())
		s.rewind(ctx, pos)
		return
	}
	if !s.isNew(pos) {
		s.log.Debug("skipping already delivered log", "block", lg.BlockNumber, "log_index", lg.Index)
		return
	}

	occ, err := s.decoder.Decode(lg)
	if err != nil {
		derr := &DecodeError{Block: lg.BlockNumber, TxHash: lg.TxHash.Hex(), LogIndex: lg.Index, Err: err}
		s.log.Error("skipping undecodable log", "error", derr)
		s.mtr.DecodeError(s.cfg.ID)
		s.count(func(c *counters) { c.decodeErrors++ })
		s.advance(ctx, pos, lg.TxHash.Hex())
		return
	}

	s.setState(StateDelivering)
	if err := s.invoke(occ); err != nil {
		s.log.Error("handler failed", "error", err)
		s.mtr.HandlerError(s.cfg.ID)
		s.count(func(c *counters) { c.handlerErrors++ })
	} else {
		s.mtr.Delivered(s.cfg.ID, occ.BlockNumber)
		s.count(func(c *counters) { c.delivered++ })
	}
	s.advance(ctx, pos, occ.TxHash)
	s.setState(StateSubscribed)
}

func (s *Subscription) invoke(occ evm.Occurrence) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Block: occ.BlockNumber, TxHash: occ.TxHash, LogIndex: occ.LogIndex, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if herr := s.handler(s.parent, occ); herr != nil {
		return &HandlerError{Block: occ.BlockNumber, TxHash: occ.TxHash, LogIndex: occ.LogIndex, Err: herr}
	}
	return nil
}

func (s *Subscription) advance(ctx context.Context, pos position, txHash string) {
	s.mu.Lock()
	s.last = pos
	s.hasLast = true
	s.mu.Unlock()

	if s.cursors == nil {
		return
	}
	c := storage.Cursor{Block: pos.block, LogIndex: pos.logIndex, TxHash: txHash}
	if err := s.cursors.UpsertCursor(context.WithoutCancel(ctx), s.cfg.ID, c); err != nil {
		s.log.Warn("persist cursor", "error", err)
	}
}

// rewind moves the last delivered position to the end of the block before
// pos when a reorg removes a log at or before it, so the replacement logs of
// that block are delivered.
func (s *Subscription) rewind(ctx context.Context, pos position) {
	s.mu.Lock()
	if !s.hasLast || pos.after(s.last) {
		s.mu.Unlock()
		return
	}
	if pos.block == 0 {
		s.hasLast = false
	} else {
		s.last = position{block: pos.block - 1, logIndex: endOfBlock}
	}
	if s.hasNext && s.next > pos.block {
		s.next = pos.block
	}
	last, hasLast := s.last, s.hasLast
	s.mu.Unlock()

	s.log.Info("reorg removed delivered log, rewinding", "block", pos.block, "log_index", pos.logIndex)
	if s.cursors == nil || !hasLast {
		return
	}
	c := storage.Cursor{Block: last.block, LogIndex: last.logIndex}
	if err := s.cursors.UpsertCursor(context.WithoutCancel(ctx), s.cfg.ID, c); err != nil {
		s.log.Warn("persist cursor", "error", err)
	}
}

func (s *Subscription) count(f func(*counters)) {
	s.mu.Lock()
	f(&s.counts)
	s.mu.Unlock()
}

func (s *Subscription) endpoint() string { return s.endpoints[s.current] }

// rotate moves to the next endpoint and reports whether it wrapped back to
// the first one.
func (s *Subscription) rotate() bool {
	s.current = (s.current + 1) % len(s.endpoints)
	return s.current == 0
}

func (s *Subscription) loadCursor(ctx context.Context) {
	if s.cursors == nil {
		return
	}
	c, ok, err := s.cursors.GetCursor(ctx, s.cfg.ID)
	if err != nil {
		s.log.Warn("load cursor", "error", err)
		return
	}
	if !ok {
		return
	}
	s.mu.Lock()
	s.last = position{block: c.Block, logIndex: c.LogIndex}
	s.hasLast = true
	s.next = c.Block
	s.hasNext = true
	s.mu.Unlock()
	s.log.Info("resuming from cursor", "block", c.Block, "log_index", c.LogIndex)
}

func (s *Subscription) connErr(op string, err error) error {
	return &ConnectionError{Endpoint: redactEndpoint(s.endpoint()), Op: op, Err: err}
}

func newBackOff(base, max time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// redactEndpoint drops path and query, where providers put API keys.
func redactEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Scheme + "://" + u.Host
}
