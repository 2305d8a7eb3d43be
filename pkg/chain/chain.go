// Package chain defines the escrow capability a supported ledger must
// provide. The coordinator only ever talks to the Client interface; adding a
// ledger means adding one implementation to the registry, never touching the
// coordinator's control flow.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ferryfi/ferry/pkg/model"
)

var (
	ErrEscrowNotFound   = errors.New("escrow not found")
	ErrEscrowExists     = errors.New("escrow already exists")
	ErrAlreadyWithdrawn = errors.New("escrow already withdrawn")
	ErrWrongSecret      = errors.New("secret does not match hashlock")
	ErrTimelockActive   = errors.New("timelock has not expired")
	ErrTimelockExpired  = errors.New("timelock has expired")
	ErrInsufficientGas  = errors.New("insufficient funds for transaction fee")
)

// TxRef identifies a confirmed chain transaction.
type TxRef struct {
	Chain model.Chain `json:"chain"`
	Hash  string      `json:"hash"`
	Block uint64      `json:"block"`
}

// Escrow describes one HTLC leg: funds locked for Beneficiary, unlockable
// with the hashlock pre-image, refundable to the depositor after Timelock.
type Escrow struct {
	ID            string
	Depositor     string
	Beneficiary   string
	Token         string
	Amount        *big.Int
	Hashlock      common.Hash
	Timelock      time.Time
	SafetyDeposit *big.Int
}

// EscrowEvent is an observed escrow creation. Key dedupes redelivered events.
type EscrowEvent struct {
	Escrow
	Block  uint64
	Index  uint
	TxHash string
}

// Key is a stable identity of the on-chain event, independent of how many
// times it is delivered.
func (e EscrowEvent) Key() string {
	return fmt.Sprintf("%d:%d", e.Block, e.Index)
}

// Client is the escrow capability of one ledger.
type Client interface {
	// CreateEscrow locks funds under a hashlock and timelock.
	CreateEscrow(ctx context.Context, escrow Escrow) (TxRef, error)

	// Withdraw claims an escrow with the hashlock pre-image. Withdrawing an
	// already withdrawn escrow returns ErrAlreadyWithdrawn, never a double
	// spend.
	Withdraw(ctx context.Context, id string, secret []byte) (TxRef, error)

	// Refund returns an expired escrow to its depositor.
	Refund(ctx context.Context, id string) (TxRef, error)

	// EscrowExists reports whether an escrow with the id is live on chain.
	EscrowExists(ctx context.Context, id string) (bool, error)

	// BalanceOf returns the token balance of the address. An empty token
	// means the chain's native asset.
	BalanceOf(ctx context.Context, address, token string) (*big.Int, error)

	// WatchEscrowCreated streams escrow creation events from sinceBlock
	// onward until ctx is done.
	WatchEscrowCreated(ctx context.Context, sinceBlock uint64) (<-chan EscrowEvent, error)
}

// Registry maps chains to their clients.
type Registry map[model.Chain]Client

func (r Registry) Get(chain model.Chain) (Client, error) {
	client, ok := r[chain]
	if !ok {
		return nil, fmt.Errorf("no client registered for chain %v", chain)
	}
	return client, nil
}
