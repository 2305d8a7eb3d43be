// Package sim is an in-process ledger with the escrow primitive the
// coordinator needs. It backs the test suites and the local development
// profile; its withdraw path enforces the same hashlock pre-image check a
// real escrow contract would.
package sim

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ferryfi/ferry/pkg/chain"
	"github.com/ferryfi/ferry/pkg/model"
)

type escrowState struct {
	chain.Escrow
	block     uint64
	index     uint
	withdrawn bool
	refunded  bool
}

// Chain is a simulated ledger. The zero value is not usable, construct with New.
type Chain struct {
	name model.Chain
	now  func() time.Time

	mu       sync.Mutex
	balances map[string]map[string]*big.Int
	escrows  map[string]*escrowState
	block    uint64
	index    uint
	subs     []chan chain.EscrowEvent

	// Withdrawals and creations recorded for assertions.
	WithdrawCalls int
	CreateCalls   int
}

var _ chain.Client = (*Chain)(nil)

func New(name model.Chain, now func() time.Time) *Chain {
	if now == nil {
		now = time.Now
	}
	return &Chain{
		name:     name,
		now:      now,
		balances: map[string]map[string]*big.Int{},
		escrows:  map[string]*escrowState{},
		block:    1,
	}
}

// Fund credits an address, simulating a deposit from outside the system.
func (c *Chain) Fund(address, token string, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credit(address, token, amount)
}

func (c *Chain) credit(address, token string, amount *big.Int) {
	tokens, ok := c.balances[address]
	if !ok {
		tokens = map[string]*big.Int{}
		c.balances[address] = tokens
	}
	balance, ok := tokens[token]
	if !ok {
		balance = new(big.Int)
		tokens[token] = balance
	}
	balance.Add(balance, amount)
}

func (c *Chain) debit(address, token string, amount *big.Int) bool {
	balance, ok := c.balances[address][token]
	if !ok || balance.Cmp(amount) < 0 {
		return false
	}
	balance.Sub(balance, amount)
	return true
}

func (c *Chain) CreateEscrow(ctx context.Context, escrow chain.Escrow) (chain.TxRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CreateCalls++

	if _, ok := c.escrows[escrow.ID]; ok {
		return chain.TxRef{}, chain.ErrEscrowExists
	}
	if !c.debit(escrow.Depositor, escrow.Token, escrow.Amount) {
		return chain.TxRef{}, chain.ErrInsufficientGas
	}
	c.block++
	c.index++
	state := &escrowState{Escrow: escrow, block: c.block, index: c.index}
	c.escrows[escrow.ID] = state
	ref := chain.TxRef{Chain: c.name, Hash: escrow.ID, Block: c.block}
	event := chain.EscrowEvent{
		Escrow: escrow,
		Block:  c.block,
		Index:  c.index,
		TxHash: escrow.ID,
	}
	for _, sub := range c.subs {
		select {
		case sub <- event:
		default:
		}
	}
	return ref, nil
}

func (c *Chain) Withdraw(ctx context.Context, id string, secret []byte) (chain.TxRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WithdrawCalls++

	state, ok := c.escrows[id]
	if !ok {
		return chain.TxRef{}, chain.ErrEscrowNotFound
	}
	if state.withdrawn {
		return chain.TxRef{}, chain.ErrAlreadyWithdrawn
	}
	if crypto.Keccak256Hash(secret) != state.Hashlock {
		return chain.TxRef{}, chain.ErrWrongSecret
	}
	if c.now().After(state.Timelock) {
		return chain.TxRef{}, chain.ErrTimelockExpired
	}
	state.withdrawn = true
	c.credit(state.Beneficiary, state.Token, state.Amount)

	c.block++
	return chain.TxRef{Chain: c.name, Hash: id + ":withdraw", Block: c.block}, nil
}

func (c *Chain) Refund(ctx context.Context, id string) (chain.TxRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.escrows[id]
	if !ok {
		return chain.TxRef{}, chain.ErrEscrowNotFound
	}
	if state.withdrawn || state.refunded {
		return chain.TxRef{}, chain.ErrAlreadyWithdrawn
	}
	if c.now().Before(state.Timelock) {
		return chain.TxRef{}, chain.ErrTimelockActive
	}
	state.refunded = true
	c.credit(state.Depositor, state.Token, state.Amount)

	c.block++
	return chain.TxRef{Chain: c.name, Hash: id + ":refund", Block: c.block}, nil
}

func (c *Chain) EscrowExists(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.escrows[id]
	return ok && !state.withdrawn && !state.refunded, nil
}

func (c *Chain) BalanceOf(ctx context.Context, address, token string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	balance, ok := c.balances[address][token]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(balance), nil
}

func (c *Chain) WatchEscrowCreated(ctx context.Context, sinceBlock uint64) (<-chan chain.EscrowEvent, error) {
	c.mu.Lock()
	sub := make(chan chain.EscrowEvent, 64)
	c.subs = append(c.subs, sub)

	// Replay history within the lookback window first.
	var replay []chain.EscrowEvent
	for _, state := range c.escrows {
		if !state.withdrawn && !state.refunded && state.block >= sinceBlock {
			replay = append(replay, chain.EscrowEvent{Escrow: state.Escrow, Block: state.block, Index: state.index, TxHash: state.ID})
		}
	}
	c.mu.Unlock()

	out := make(chan chain.EscrowEvent, 64)
	go func() {
		defer close(out)
		for _, event := range replay {
			out <- event
		}
		for {
			select {
			case event := <-sub:
				out <- event
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Escrow returns the stored escrow, for assertions.
func (c *Chain) Escrow(id string) (chain.Escrow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.escrows[id]
	if !ok {
		return chain.Escrow{}, false
	}
	return state.Escrow, true
}
