// Package resolver is the resolver-side swap coordinator. It watches the
// order feed, evaluates each order against its strategies, the Dutch auction
// curve and the market rate, and drives the HTLC escrow sequence on both
// chains for every order it decides to serve.
package resolver

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ferryfi/ferry/pkg/auction"
	"github.com/ferryfi/ferry/pkg/chain"
	"github.com/ferryfi/ferry/pkg/ledger"
	"github.com/ferryfi/ferry/pkg/model"
	"github.com/ferryfi/ferry/pkg/price"
	"github.com/ferryfi/ferry/pkg/secrets"
	"github.com/ferryfi/ferry/pkg/transport"
)

// OrderBook is the slice of the ledger the resolver needs. In a single
// process deployment the ledger service implements it directly; a remote
// deployment puts the RPC client behind it.
type OrderBook interface {
	Order(id string) (model.Order, error)
	UnsettledOrders() ([]model.Order, error)
	CreateFill(orderID string, spec ledger.FillSpec) (model.Fill, error)
	UpdateFillStatus(orderID, fillID string, status model.FillStatus, txRefs *model.TxRefs) error
	FlagManualWithdrawal(orderID, fillID, revealedSecret string) error
}

// Config carries the resolver identity and safety parameters.
type Config struct {
	// Identity is recorded on every fill this resolver creates.
	Identity string

	// Addresses are the resolver's own addresses per chain.
	Addresses map[model.Chain]string

	// Tolerance is the relative band absorbing float rounding when comparing
	// rates. Defaults to 1e-6.
	Tolerance float64

	// DestTimelock is the window of the escrow the resolver funds. It must be
	// shorter than SourceTimelock: after revealing the secret on the source
	// chain the resolver still has time to withdraw on the destination chain,
	// while the maker keeps a strictly longer refund window.
	DestTimelock   time.Duration
	SourceTimelock time.Duration

	// GasReserve is the minimum native balance required on a chain before
	// committing to act there. Nil disables the check.
	GasReserve *big.Int
}

func (cfg *Config) defaults() {
	if cfg.Tolerance == 0 {
		cfg.Tolerance = 1e-6
	}
	if cfg.DestTimelock == 0 {
		cfg.DestTimelock = time.Hour
	}
	if cfg.SourceTimelock == 0 {
		cfg.SourceTimelock = 2 * time.Hour
	}
}

// Resolver subscribes to the order feed and runs one swap state machine per
// accepted order. Start is not blocking; Stop waits for in-flight machines.
type Resolver struct {
	logger     *zap.Logger
	cfg        Config
	strategies Strategies
	book       OrderBook
	chains     chain.Registry
	oracle     price.Oracle
	bus        transport.Bus
	processed  ProcessedStore
	now        func() time.Time

	mu             sync.Mutex
	pendingSecrets map[string]chan string

	// processing guards against a second state machine for the same order id
	// within this process, whatever the event delivery duplicates.
	processing sync.Map

	// ctx is the lifetime of every swap machine; Stop cancels it so no
	// machine outlives the resolver, whatever its order deadline says.
	ctx    context.Context
	cancel context.CancelFunc

	quit chan struct{}
	wg   sync.WaitGroup
}

// Option tweaks resolver construction.
type Option func(*Resolver)

// WithClock overrides the resolver clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func New(cfg Config, strategies Strategies, book OrderBook, chains chain.Registry, oracle price.Oracle, bus transport.Bus, processed ProcessedStore, logger *zap.Logger, opts ...Option) *Resolver {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolver{
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger,
		cfg:            cfg,
		strategies:     strategies,
		book:           book,
		chains:         chains,
		oracle:         oracle,
		bus:            bus,
		processed:      processed,
		now:            time.Now,
		pendingSecrets: map[string]chan string{},
		quit:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the event loop. It is not blocking and spawns a background
// goroutine per accepted order.
func (r *Resolver) Start() error {
	if r.cfg.DestTimelock >= r.cfg.SourceTimelock {
		return fmt.Errorf("destination timelock (%v) must be shorter than source timelock (%v)",
			r.cfg.DestTimelock, r.cfg.SourceTimelock)
	}

	events, unsub := r.bus.Subscribe(128)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsub()
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				r.dispatch(event)
			case <-r.quit:
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.resume()
	}()
	return nil
}

// Stop shuts the resolver down and waits for all inner goroutines to finish.
// In-flight machines stop at their last recorded fill status; a restart
// resumes them from there.
func (r *Resolver) Stop() {
	r.cancel()
	close(r.quit)
	r.wg.Wait()
}

func (r *Resolver) dispatch(event transport.Event) {
	switch event.Name {
	case transport.OrderNew:
		order, ok := event.Payload.(model.Order)
		if !ok {
			loaded, err := r.book.Order(event.OrderID)
			if err != nil {
				r.logger.Error("load order", zap.String("order", event.OrderID), zap.Error(err))
				return
			}
			order = loaded
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.process(order)
		}()
	case transport.SecretReveal:
		payload, ok := event.Payload.(transport.SecretRevealPayload)
		if !ok {
			return
		}
		r.mu.Lock()
		ch := r.pendingSecrets[payload.OrderID]
		r.mu.Unlock()
		if ch != nil {
			select {
			case ch <- payload.Secret:
			default:
			}
		}
	}
}

// awaitSecret registers interest in the maker's secret reveal for one order.
// The swap machine is the only reader; the returned release func drops the
// registration.
func (r *Resolver) awaitSecret(orderID string) (<-chan string, func()) {
	ch := make(chan string, 1)
	r.mu.Lock()
	r.pendingSecrets[orderID] = ch
	r.mu.Unlock()
	return ch, func() {
		r.mu.Lock()
		delete(r.pendingSecrets, orderID)
		r.mu.Unlock()
	}
}

// process runs the whole lifecycle of one candidate order. A rejection is a
// normal outcome and leaves no state behind.
func (r *Resolver) process(order model.Order) {
	if _, loaded := r.processing.LoadOrStore(order.ID, struct{}{}); loaded {
		r.logger.Debug("order already in flight", zap.String("order", order.ID))
		return
	}
	defer r.processing.Delete(order.ID)

	logger := r.logger.With(zap.String("order", order.ID))

	strategy, ok := r.strategies.Get(order.Pair())
	if !ok {
		logger.Debug("pair not served", zap.String("pair", order.Pair()))
		return
	}
	if match, err := strategy.Match(order); !match {
		logger.Debug("❌ [Not Match]", zap.Error(err))
		return
	}

	s, err := r.evaluate(order, strategy, logger)
	if err != nil {
		// Expected, non-erroneous outcome: not profitable yet or not enough
		// balance. Skip the order, keep nothing.
		logger.Debug("rejected", zap.Error(err))
		return
	}
	logger.Debug("✅ [Match]")
	s.run()
}

// resume picks up the fills this resolver committed before a restart (or a
// shutdown with work in flight) and drives each from its last recorded
// status. Fills past the source withdrawal are flagged for manual
// completion: the secret is already public on the source chain.
func (r *Resolver) resume() {
	orders, err := r.book.UnsettledOrders()
	if err != nil {
		r.logger.Error("resume scan", zap.Error(err))
		return
	}
	for _, order := range orders {
		for _, fill := range order.Fills {
			if fill.Resolver != r.cfg.Identity || fill.Status.Terminal() {
				continue
			}
			logger := r.logger.With(zap.String("order", order.ID), zap.String("fill", fill.ID))
			if !fill.Status.Before(model.FillSourceWithdrawn) {
				if !fill.ManualWithdrawal {
					logger.Warn("fill interrupted after source withdrawal, flagging for manual completion")
					if err := r.book.FlagManualWithdrawal(order.ID, fill.ID, fill.RevealedSecret); err != nil {
						logger.Error("flag manual withdrawal", zap.Error(err))
					}
				}
				continue
			}
			s, err := r.rebuild(order, fill, logger)
			if err != nil {
				logger.Error("rebuild swap", zap.Error(err))
				continue
			}
			r.wg.Add(1)
			go func(orderID string) {
				defer r.wg.Done()
				if _, loaded := r.processing.LoadOrStore(orderID, struct{}{}); loaded {
					return
				}
				defer r.processing.Delete(orderID)
				logger.Info("resuming swap", zap.String("status", string(s.fill.Status)))
				s.run()
			}(order.ID)
		}
	}
}

// rebuild reconstructs a swap machine from its persisted fill. The escrow
// ids come from the recorded tx refs; the destination timelock is recomputed
// from the fill's creation time, which is when the original machine set it.
func (r *Resolver) rebuild(order model.Order, fill model.Fill, logger *zap.Logger) (*swap, error) {
	src, err := r.chains.Get(order.FromChain)
	if err != nil {
		return nil, err
	}
	dst, err := r.chains.Get(order.ToChain)
	if err != nil {
		return nil, err
	}
	sourceAmount, ok := new(big.Int).SetString(fill.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("unparseable fill amount %q", fill.Amount)
	}
	minToAmount, err := order.MinToAmountInt()
	if err != nil {
		return nil, err
	}
	var output *big.Int
	if order.Auction != nil {
		output = auction.MinReturn(sourceAmount, *order.Auction, fill.CreatedAt.Unix())
	} else {
		output = secrets.PartialAmount(minToAmount, fill.FillPercentage)
	}
	s := &swap{
		r:            r,
		logger:       logger,
		order:        order,
		fill:         fill,
		src:          src,
		dst:          dst,
		sourceAmount: sourceAmount,
		output:       output,
		state:        stateEvaluating,
	}
	s.destEscrowID = fill.TxRefs.DestinationEscrowID
	s.sourceEscrowID = fill.TxRefs.SourceEscrowID
	s.destTimelock = fill.CreatedAt.Add(r.cfg.DestTimelock)
	return s, nil
}

// evaluate decides whether serving the order is profitable and affordable and,
// if so, commits a fill and returns the ready-to-run swap machine.
func (r *Resolver) evaluate(order model.Order, strategy Strategy, logger *zap.Logger) (*swap, error) {
	now := r.now()

	fromAmount, err := order.FromAmountInt()
	if err != nil {
		return nil, err
	}
	minToAmount, err := order.MinToAmountInt()
	if err != nil {
		return nil, err
	}

	fillPct := 100 - order.FilledPercentage
	if fillPct <= 0 {
		return nil, fmt.Errorf("order fully filled")
	}
	if !order.PartialFillAllowed {
		fillPct = 100
	}

	// The rate the maker requires right now: the auction curve when the order
	// carries a schedule, the flat minToAmount/fromAmount ratio otherwise.
	var requiredRate float64
	if order.Auction != nil {
		requiredRate = auction.RateForFill(*order.Auction, fillPct, now.Unix())
	} else {
		fromF, _ := new(big.Float).SetInt(fromAmount).Float64()
		minF, _ := new(big.Float).SetInt(minToAmount).Float64()
		requiredRate = minF / fromF
	}

	marketRate, err := r.oracle.Rate(order.FromToken, order.ToToken)
	if err != nil {
		return nil, fmt.Errorf("no market rate: %w", err)
	}
	offeredRate := marketRate * (1 - strategy.Margin())
	if offeredRate < requiredRate*(1-r.cfg.Tolerance) {
		return nil, fmt.Errorf("not profitable: offered %v < required %v", offeredRate, requiredRate)
	}

	// The output the resolver will lock on the destination chain: the
	// maker's minimum for the slice being served.
	sourceAmount := secrets.PartialAmount(fromAmount, fillPct)
	var output *big.Int
	if order.Auction != nil {
		output = auction.MinReturn(sourceAmount, *order.Auction, now.Unix())
	} else {
		output = secrets.PartialAmount(minToAmount, fillPct)
	}

	dst, err := r.chains.Get(order.ToChain)
	if err != nil {
		return nil, err
	}
	src, err := r.chains.Get(order.FromChain)
	if err != nil {
		return nil, err
	}
	if err := r.checkBalances(order, output); err != nil {
		return nil, err
	}

	// Pick the secret slice gating this fill.
	secretIndex := 0
	secretHash := order.SecretHash
	if order.SecretSet != nil {
		secretIndex = secrets.SecretIndexFor(order.FilledPercentage+fillPct, order.SecretSet.Thresholds)
		secretHash = order.SecretSet.SecretHashes[secretIndex]
	}

	fill, err := r.book.CreateFill(order.ID, ledger.FillSpec{
		Resolver:       r.cfg.Identity,
		Amount:         sourceAmount.String(),
		FillPercentage: fillPct,
		SecretHash:     secretHash,
		SecretIndex:    secretIndex,
	})
	if err != nil {
		return nil, fmt.Errorf("commit fill: %w", err)
	}

	return &swap{
		r:            r,
		logger:       logger.With(zap.String("fill", fill.ID)),
		order:        order,
		fill:         fill,
		src:          src,
		dst:          dst,
		sourceAmount: sourceAmount,
		output:       output,
		state:        stateEvaluating,
	}, nil
}

// opCtx bounds a single chain read.
func (r *Resolver) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// checkBalances confirms the resolver can fund the destination leg plus a
// safety margin for fees. It reads the chain's authoritative current state,
// never a cached evaluation.
func (r *Resolver) checkBalances(order model.Order, output *big.Int) error {
	ctx, cancel := r.opCtx()
	defer cancel()

	dst, err := r.chains.Get(order.ToChain)
	if err != nil {
		return err
	}
	addr := r.cfg.Addresses[order.ToChain]
	balance, err := dst.BalanceOf(ctx, addr, order.ToToken)
	if err != nil {
		return fmt.Errorf("destination balance: %w", err)
	}
	if balance.Cmp(output) < 0 {
		return fmt.Errorf("insufficient %v balance: has %v, need %v", order.ToToken, balance, output)
	}
	if r.cfg.GasReserve != nil {
		native, err := dst.BalanceOf(ctx, addr, "")
		if err != nil {
			return fmt.Errorf("destination native balance: %w", err)
		}
		if native.Cmp(r.cfg.GasReserve) < 0 {
			return fmt.Errorf("insufficient gas reserve on %v", order.ToChain)
		}
	}
	return nil
}
