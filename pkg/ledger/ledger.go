// Package ledger is the order and fill record of the system. It validates
// signed order intents, tracks fills and their derived percentage, and is the
// only writer of order state. All mutations of one order are serialized
// through a per-order lock, so concurrent fill creation can never double
// count overlapping slices.
package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ferryfi/ferry/pkg/model"
	"github.com/ferryfi/ferry/pkg/transport"
)

// DefaultSweepInterval is how often the expiry sweep runs.
const DefaultSweepInterval = time.Minute

// Ledger owns all order and fill state. Construct one per process with New;
// there is no ambient global state.
type Ledger struct {
	store  Store
	bus    transport.Bus
	logger *zap.Logger
	now    func() time.Time

	sweepInterval time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	quit chan struct{}
	wg   sync.WaitGroup
}

// Option tweaks ledger construction.
type Option func(*Ledger)

// WithClock overrides the ledger clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithSweepInterval overrides the expiry sweep interval.
func WithSweepInterval(interval time.Duration) Option {
	return func(l *Ledger) { l.sweepInterval = interval }
}

func New(store Store, bus transport.Bus, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:         store,
		bus:           bus,
		logger:        logger,
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
		locks:         map[string]*sync.Mutex{},
		quit:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the background expiry sweep. It is not blocking.
func (l *Ledger) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				expired, err := l.SweepExpired(l.now())
				if err != nil {
					l.logger.Error("expiry sweep", zap.Error(err))
					continue
				}
				if len(expired) > 0 {
					l.logger.Info("expired orders", zap.Strings("ids", expired))
				}
			case <-l.quit:
				return
			}
		}
	}()
}

// Stop shuts down the sweep loop and waits for it to finish.
func (l *Ledger) Stop() {
	close(l.quit)
	l.wg.Wait()
}

// lock returns the mutex serializing writes for one key: an order id for
// fill mutations, a maker key for order submission. Keys never collide
// across the two uses, order ids are uuids.
func (l *Ledger) lock(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[key]
	if !ok {
		lock = new(sync.Mutex)
		l.locks[key] = lock
	}
	return lock
}

// CreateOrder validates a signed intent and records a new PENDING order.
func (l *Ledger) CreateOrder(intent model.SignedOrderIntent) (model.Order, error) {
	now := l.now()
	if now.Unix() > intent.Deadline {
		return model.Order{}, fmt.Errorf("%w: deadline %v passed", ErrOrderExpired, intent.Deadline)
	}
	if err := intent.VerifySignature(); err != nil {
		return model.Order{}, err
	}
	if !intent.FromChain.Valid() || !intent.ToChain.Valid() {
		return model.Order{}, fmt.Errorf("unsupported chain pair %v-%v", intent.FromChain, intent.ToChain)
	}
	if _, ok := new(big.Int).SetString(intent.FromAmount, 10); !ok {
		return model.Order{}, fmt.Errorf("invalid fromAmount %q", intent.FromAmount)
	}

	maker := strings.ToLower(intent.Maker)

	// A maker nonce is a replay guard: one order per (maker, nonce). The
	// check and the insert below must not interleave for one maker.
	lock := l.lock("maker:" + maker)
	lock.Lock()
	defer lock.Unlock()

	existing, err := l.store.OrdersByMaker(maker)
	if err != nil {
		return model.Order{}, err
	}
	for _, order := range existing {
		if order.Nonce == intent.Nonce {
			return model.Order{}, fmt.Errorf("%w: nonce %d", ErrScheduleConflict, intent.Nonce)
		}
	}

	order := model.Order{
		ID:                 uuid.NewString(),
		FromChain:          intent.FromChain,
		ToChain:            intent.ToChain,
		FromToken:          intent.FromToken,
		ToToken:            intent.ToToken,
		FromAmount:         intent.FromAmount,
		MinToAmount:        intent.MinToAmount,
		Maker:              maker,
		Receiver:           intent.Receiver,
		Deadline:           intent.Deadline,
		Nonce:              intent.Nonce,
		PartialFillAllowed: intent.PartialFillAllowed,
		SecretHash:         intent.SecretHash,
		SecretSet:          intent.SecretSet,
		Auction:            intent.Auction,
		Status:             model.OrderPending,
		FilledAmount:       "0",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := l.store.CreateOrder(order); err != nil {
		return model.Order{}, err
	}

	l.logger.Info("order created",
		zap.String("id", order.ID),
		zap.String("pair", order.Pair()),
		zap.String("maker", order.Maker))
	l.bus.Publish(transport.Event{Name: transport.OrderNew, OrderID: order.ID, Payload: order})
	return order, nil
}

// FillSpec describes a resolver's claim on an order slice.
type FillSpec struct {
	Resolver       string  `json:"resolver"`
	Amount         string  `json:"amount,omitempty"`
	FillPercentage float64 `json:"fillPercentage,omitempty"`
	SecretHash     string  `json:"secretHash"`
	SecretIndex    int     `json:"secretIndex"`
}

// CreateFill appends a fill to the order and recomputes the order's filled
// amount, percentage and status from the full fill list.
func (l *Ledger) CreateFill(orderID string, spec FillSpec) (model.Fill, error) {
	lock := l.lock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := l.store.Order(orderID)
	if err != nil {
		return model.Fill{}, err
	}
	if order.Status.Terminal() {
		return model.Fill{}, fmt.Errorf("%w: status %v", ErrOrderNotFillable, order.Status)
	}
	if !order.PartialFillAllowed && len(order.Fills) > 0 {
		return model.Fill{}, fmt.Errorf("%w: order does not allow partial fills", ErrOrderNotFillable)
	}

	now := l.now()
	fill := model.Fill{
		ID:             uuid.NewString(),
		OrderID:        orderID,
		Resolver:       spec.Resolver,
		Amount:         spec.Amount,
		FillPercentage: spec.FillPercentage,
		SecretHash:     spec.SecretHash,
		SecretIndex:    spec.SecretIndex,
		Status:         model.FillPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	order.Fills = append(order.Fills, fill)

	if err := l.recompute(&order); err != nil {
		return model.Fill{}, err
	}
	order.UpdatedAt = now
	if err := l.store.UpdateOrder(order); err != nil {
		return model.Fill{}, err
	}

	l.logger.Info("fill created",
		zap.String("order", orderID),
		zap.String("fill", fill.ID),
		zap.String("resolver", fill.Resolver),
		zap.Float64("filledPercentage", order.FilledPercentage))
	l.bus.Publish(transport.Event{Name: transport.OrderFill, OrderID: orderID, Payload: fill})
	return fill, nil
}

// recompute rederives FilledAmount, FilledPercentage and Status from the full
// fill list. Percentage mode applies as soon as any fill carries an explicit
// percentage, which is the case whenever the two legs have different decimal
// bases. Failed fills release their slice and are excluded.
func (l *Ledger) recompute(order *model.Order) error {
	fromAmount, err := order.FromAmountInt()
	if err != nil {
		return err
	}

	filled := new(big.Int)
	percentageMode := false
	for _, fill := range order.Fills {
		if fill.FillPercentage > 0 {
			percentageMode = true
			break
		}
	}

	if percentageMode {
		total := 0.0
		for _, fill := range order.Fills {
			if fill.Status == model.FillFailed {
				continue
			}
			total += fill.FillPercentage
		}
		if total > 100 {
			return fmt.Errorf("%w: fills exceed 100%%", ErrOrderNotFillable)
		}
		filled.Mul(fromAmount, big.NewInt(int64(total)))
		filled.Quo(filled, big.NewInt(100))
		order.FilledPercentage = total
		order.FilledAmount = filled.String()
	} else {
		for _, fill := range order.Fills {
			if fill.Status == model.FillFailed {
				continue
			}
			amount, ok := new(big.Int).SetString(fill.Amount, 10)
			if !ok {
				return fmt.Errorf("invalid fill amount %q", fill.Amount)
			}
			filled.Add(filled, amount)
		}
		if filled.Cmp(fromAmount) > 0 {
			return fmt.Errorf("%w: fills exceed order amount", ErrOrderNotFillable)
		}
		pct := new(big.Int).Mul(filled, big.NewInt(100))
		pct.Quo(pct, fromAmount)
		order.FilledPercentage = float64(pct.Int64())
		order.FilledAmount = filled.String()
	}

	// Numeric comparison: FromAmount is signed over as a string, so a
	// non-canonical form with leading zeros still counts as fully filled.
	switch {
	case filled.Cmp(fromAmount) == 0:
		order.Status = model.OrderFilled
	case filled.Sign() > 0:
		order.Status = model.OrderPartiallyFilled
	case order.Status == model.OrderPartiallyFilled:
		// Every committed fill failed and released its slice, the order is
		// open again.
		order.Status = model.OrderPending
	}
	return nil
}

// UpdateFillStatus moves a fill forward through its lifecycle. Repeating the
// current status is an idempotent no-op; moving backward is rejected.
func (l *Ledger) UpdateFillStatus(orderID, fillID string, status model.FillStatus, txRefs *model.TxRefs) error {
	lock := l.lock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := l.store.Order(orderID)
	if err != nil {
		return err
	}
	idx := -1
	for i := range order.Fills {
		if order.Fills[i].ID == fillID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %v", ErrFillNotFound, fillID)
	}

	fill := &order.Fills[idx]
	if fill.Status == status && txRefs == nil {
		return nil
	}
	if status.Before(fill.Status) {
		return fmt.Errorf("%w: %v -> %v", ErrStatusRegression, fill.Status, status)
	}
	fill.Status = status
	if txRefs != nil {
		mergeTxRefs(&fill.TxRefs, *txRefs)
	}
	fill.UpdatedAt = l.now()

	// A failed fill releases the slice it reserved.
	if status == model.FillFailed {
		if err := l.recompute(&order); err != nil {
			return err
		}
	}
	order.UpdatedAt = fill.UpdatedAt
	if err := l.store.UpdateOrder(order); err != nil {
		return err
	}

	l.bus.Publish(transport.Event{Name: transport.FillStatusUpdate, OrderID: orderID, Payload: order.Fills[idx]})
	return nil
}

func mergeTxRefs(dst *model.TxRefs, src model.TxRefs) {
	if src.SourceEscrowID != "" {
		dst.SourceEscrowID = src.SourceEscrowID
	}
	if src.DestinationEscrowID != "" {
		dst.DestinationEscrowID = src.DestinationEscrowID
	}
	if src.SourceTxHash != "" {
		dst.SourceTxHash = src.SourceTxHash
	}
	if src.DestinationTxHash != "" {
		dst.DestinationTxHash = src.DestinationTxHash
	}
}

// FlagManualWithdrawal records that the resolver withdrew on the source chain
// but could not complete the destination leg. The revealed secret is stored so
// the maker can finish the withdrawal themselves; no funds are at risk.
func (l *Ledger) FlagManualWithdrawal(orderID, fillID, revealedSecret string) error {
	lock := l.lock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := l.store.Order(orderID)
	if err != nil {
		return err
	}
	idx := -1
	for i := range order.Fills {
		if order.Fills[i].ID == fillID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %v", ErrFillNotFound, fillID)
	}
	order.Fills[idx].ManualWithdrawal = true
	order.Fills[idx].RevealedSecret = revealedSecret
	order.Fills[idx].UpdatedAt = l.now()
	if err := l.store.UpdateOrder(order); err != nil {
		return err
	}

	l.logger.Warn("manual withdrawal required",
		zap.String("order", orderID),
		zap.String("fill", fillID))
	l.bus.Publish(transport.Event{Name: transport.OrderError, OrderID: orderID, Payload: map[string]string{
		"fillId": fillID,
		"reason": "manual destination withdrawal required",
	}})
	return nil
}

// CancelOrder cancels a maker's own unfilled order. Cancelling an already
// cancelled order is a no-op.
func (l *Ledger) CancelOrder(orderID, requester string) error {
	lock := l.lock(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := l.store.Order(orderID)
	if err != nil {
		return err
	}
	if !strings.EqualFold(order.Maker, requester) {
		return ErrNotMaker
	}
	if order.Status == model.OrderCancelled {
		return nil
	}
	if order.Status == model.OrderFilled || order.FilledAmount != "0" {
		return ErrAlreadyFilled
	}
	order.Status = model.OrderCancelled
	order.UpdatedAt = l.now()
	if err := l.store.UpdateOrder(order); err != nil {
		return err
	}

	l.logger.Info("order cancelled", zap.String("id", orderID))
	l.bus.Publish(transport.Event{Name: transport.OrderCancelled, OrderID: orderID})
	return nil
}

// SweepExpired transitions PENDING orders whose deadline has passed to
// EXPIRED and returns their ids. One notification is emitted per order.
func (l *Ledger) SweepExpired(now time.Time) ([]string, error) {
	active, err := l.store.ActiveOrders()
	if err != nil {
		return nil, err
	}

	var expired []string
	for _, candidate := range active {
		if candidate.Status != model.OrderPending || candidate.Deadline >= now.Unix() {
			continue
		}
		lock := l.lock(candidate.ID)
		lock.Lock()
		order, err := l.store.Order(candidate.ID)
		if err == nil && order.Status == model.OrderPending && order.Deadline < now.Unix() {
			order.Status = model.OrderExpired
			order.UpdatedAt = now
			if err := l.store.UpdateOrder(order); err != nil {
				l.logger.Error("expire order", zap.String("id", order.ID), zap.Error(err))
			} else {
				expired = append(expired, order.ID)
				l.bus.Publish(transport.Event{Name: transport.OrderExpired, OrderID: order.ID})
			}
		}
		lock.Unlock()
	}
	return expired, nil
}

// Order returns one order aggregate.
func (l *Ledger) Order(id string) (model.Order, error) {
	return l.store.Order(id)
}

// OrdersByMaker returns every order of one maker.
func (l *Ledger) OrdersByMaker(maker string) ([]model.Order, error) {
	return l.store.OrdersByMaker(strings.ToLower(maker))
}

// ActiveOrders returns all orders still open for filling.
func (l *Ledger) ActiveOrders() ([]model.Order, error) {
	return l.store.ActiveOrders()
}

// UnsettledOrders returns orders whose swaps have not settled yet: at least
// one fill is neither COMPLETED nor FAILED.
func (l *Ledger) UnsettledOrders() ([]model.Order, error) {
	return l.store.UnsettledOrders()
}
