package model

import (
	"fmt"
	"math/big"
	"time"
)

type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the order can never accept another fill.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderExpired:
		return true
	default:
		return false
	}
}

type FillStatus string

const (
	FillPending            FillStatus = "PENDING"
	FillLocked             FillStatus = "LOCKED"
	FillDestinationCreated FillStatus = "DESTINATION_CREATED"
	FillSourceCreated      FillStatus = "SOURCE_CREATED"
	FillSourceWithdrawn    FillStatus = "SOURCE_WITHDRAWN"
	FillCompleted          FillStatus = "COMPLETED"
	FillFailed             FillStatus = "FAILED"
)

// fillStatusRank orders fill statuses along the forward-only lifecycle.
// FAILED is reachable from anywhere and absorbing, so it ranks last.
var fillStatusRank = map[FillStatus]int{
	FillPending:            0,
	FillLocked:             1,
	FillDestinationCreated: 2,
	FillSourceCreated:      3,
	FillSourceWithdrawn:    4,
	FillCompleted:          5,
	FillFailed:             6,
}

// Before reports whether s comes strictly before other in the fill lifecycle.
func (s FillStatus) Before(other FillStatus) bool {
	return fillStatusRank[s] < fillStatusRank[other]
}

func (s FillStatus) Terminal() bool {
	return s == FillCompleted || s == FillFailed
}

// DutchAuctionConfig is the per-order rate decay schedule. Immutable once an
// order referencing it has been created.
type DutchAuctionConfig struct {
	StartTimestamp    int64   `json:"startTimestamp"`
	Duration          int64   `json:"duration"`
	StartRate         float64 `json:"startRate"`
	EndRate           float64 `json:"endRate"`
	DecrementInterval int64   `json:"decrementInterval"`
	DecrementAmount   float64 `json:"decrementAmount"`
}

// PartialFillSecretSet is the public half of the maker's partial fill secrets.
// The ledger and resolvers only ever see hashes and proofs, never a raw secret
// until the maker reveals it.
type PartialFillSecretSet struct {
	MerkleRoot   string     `json:"merkleRoot"`
	SecretHashes []string   `json:"secretHashes"`
	Proofs       [][]string `json:"proofs"`
	Thresholds   []float64  `json:"thresholds"`
}

// TxRefs carries the chain transaction references recorded against a fill as
// each on-chain milestone confirms.
type TxRefs struct {
	SourceEscrowID      string `json:"sourceEscrowId,omitempty"`
	DestinationEscrowID string `json:"destinationEscrowId,omitempty"`
	SourceTxHash        string `json:"sourceTxHash,omitempty"`
	DestinationTxHash   string `json:"destinationTxHash,omitempty"`
}

// Fill is a resolver's claim to service some slice of an order. The committed
// amount never changes after creation, only the status and tx refs do.
type Fill struct {
	ID             string     `json:"id"`
	OrderID        string     `json:"orderId"`
	Resolver       string     `json:"resolver"`
	Amount         string     `json:"amount"`
	FillPercentage float64    `json:"fillPercentage"`
	SecretHash     string     `json:"secretHash"`
	SecretIndex    int        `json:"secretIndex"`
	Status         FillStatus `json:"status"`
	TxRefs         TxRefs     `json:"txRefs"`

	// ManualWithdrawal is set when the resolver withdrew on the source chain
	// but could not complete the destination withdrawal. The revealed secret
	// is public at that point, so the maker can finish the withdrawal alone.
	ManualWithdrawal bool   `json:"manualWithdrawal,omitempty"`
	RevealedSecret   string `json:"revealedSecret,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Order is a maker's signed intent to swap FromAmount of FromToken on
// FromChain for at least MinToAmount of ToToken on ToChain.
type Order struct {
	ID                 string                `json:"id"`
	FromChain          Chain                 `json:"fromChain"`
	ToChain            Chain                 `json:"toChain"`
	FromToken          string                `json:"fromToken"`
	ToToken            string                `json:"toToken"`
	FromAmount         string                `json:"fromAmount"`
	MinToAmount        string                `json:"minToAmount"`
	Maker              string                `json:"maker"`
	Receiver           string                `json:"receiver"`
	Deadline           int64                 `json:"deadline"`
	Nonce              uint64                `json:"nonce"`
	PartialFillAllowed bool                  `json:"partialFillAllowed"`
	SecretHash         string                `json:"secretHash,omitempty"`
	SecretSet          *PartialFillSecretSet `json:"secretSet,omitempty"`
	Auction            *DutchAuctionConfig   `json:"auction,omitempty"`

	Status           OrderStatus `json:"status"`
	FilledAmount     string      `json:"filledAmount"`
	FilledPercentage float64     `json:"filledPercentage"`
	Fills            []Fill      `json:"fills"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Pair returns the order pair string, e.g. "ethereum:0xA0b8...-bitcoin:BTC".
func (o Order) Pair() string {
	return fmt.Sprintf("%v:%v-%v:%v", o.FromChain, o.FromToken, o.ToChain, o.ToToken)
}

// FromAmountInt decodes the order amount into a big integer.
func (o Order) FromAmountInt() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(o.FromAmount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid order amount %q", o.FromAmount)
	}
	return amount, nil
}

// MinToAmountInt decodes the minimum return amount into a big integer.
func (o Order) MinToAmountInt() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(o.MinToAmount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid min return amount %q", o.MinToAmount)
	}
	return amount, nil
}

// FillByID looks up a fill on the order.
func (o Order) FillByID(fillID string) (Fill, bool) {
	for _, fill := range o.Fills {
		if fill.ID == fillID {
			return fill, true
		}
	}
	return Fill{}, false
}
