package resolver

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/ferryfi/ferry/pkg/chain"
	"github.com/ferryfi/ferry/pkg/model"
	"github.com/ferryfi/ferry/pkg/secrets"
	"github.com/ferryfi/ferry/pkg/transport"
)

type state int

const (
	stateEvaluating state = iota
	stateDestEscrowPending
	stateDestEscrowCreated
	stateAwaitingSourceEscrow
	stateSourceEscrowSeen
	stateSecretRequested
	stateSecretReceived
	stateSourceWithdrawn
	stateDestWithdrawn
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateEvaluating:
		return "EVALUATING"
	case stateDestEscrowPending:
		return "DEST_ESCROW_PENDING"
	case stateDestEscrowCreated:
		return "DEST_ESCROW_CREATED"
	case stateAwaitingSourceEscrow:
		return "AWAITING_SOURCE_ESCROW"
	case stateSourceEscrowSeen:
		return "SOURCE_ESCROW_SEEN"
	case stateSecretRequested:
		return "SECRET_REQUESTED"
	case stateSecretReceived:
		return "SECRET_RECEIVED"
	case stateSourceWithdrawn:
		return "SOURCE_WITHDRAWN"
	case stateDestWithdrawn:
		return "DEST_WITHDRAWN"
	case stateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// errProtocol marks protocol violations: mismatched secrets or escrow
// parameters. They abort the fill and never spend funds.
var errProtocol = errors.New("protocol violation")

// swap drives one fill through the escrow sequence. Its transitions are
// serialized by construction: each step depends on the result of the
// previous one, there is no parallel fan-out within one swap.
type swap struct {
	r      *Resolver
	logger *zap.Logger
	order  model.Order
	fill   model.Fill

	src chain.Client
	dst chain.Client

	sourceAmount *big.Int
	output       *big.Int

	destEscrowID   string
	sourceEscrowID string
	destTimelock   time.Time
	secret         []byte

	state state
}

func (s *swap) transition(next state) {
	s.logger.Info("state", zap.Stringer("from", s.state), zap.Stringer("to", next))
	s.state = next
}

func (s *swap) secretHash() common.Hash {
	return common.HexToHash(s.fill.SecretHash)
}

// run executes the machine to COMPLETED, a manual-withdrawal signal, or
// FAILED. Past the order deadline no further on-chain action is taken; the
// chain-level refund path returns the funds. Resolver shutdown cancels the
// machine mid-flight without failing the fill: its recorded status is the
// resume point for the next start. Steps the fill already passed are
// skipped.
func (s *swap) run() {
	ctx, cancel := context.WithDeadline(s.r.ctx, time.Unix(s.order.Deadline, 0))
	defer cancel()

	var steps []func(context.Context) error
	if s.fill.Status.Before(model.FillDestinationCreated) {
		steps = append(steps, s.createDestinationEscrow)
	}
	if s.fill.Status.Before(model.FillSourceCreated) {
		steps = append(steps, s.awaitSourceEscrow)
	}
	steps = append(steps, s.exchangeSecret, s.withdraw)

	for _, step := range steps {
		if err := step(ctx); err != nil {
			if s.r.ctx.Err() != nil {
				s.logger.Info("swap interrupted by shutdown",
					zap.String("status", string(s.fill.Status)))
				return
			}
			s.fail(err)
			return
		}
	}
}

// fail marks the fill FAILED, releasing the reserved slice, and emits one
// externally observable error event. Every failure path ends here exactly
// once, a fill is never left stuck in a non-terminal state.
func (s *swap) fail(cause error) {
	s.transition(stateFailed)
	s.logger.Error("swap failed", zap.Error(cause))
	if err := s.r.book.UpdateFillStatus(s.order.ID, s.fill.ID, model.FillFailed, nil); err != nil {
		s.logger.Error("record failure", zap.Error(err))
	}
	s.r.bus.Publish(transport.Event{
		Name:    transport.OrderError,
		OrderID: s.order.ID,
		Payload: map[string]string{"fillId": s.fill.ID, "reason": cause.Error()},
	})
}

// createDestinationEscrow locks the resolver's output on the destination
// chain with a timelock strictly shorter than the source side's. That
// asymmetry is the core safety property: the resolver can reveal the secret
// on the source chain and still withdraw its destination claim in time,
// while the maker keeps a longer refund window.
func (s *swap) createDestinationEscrow(ctx context.Context) error {
	s.transition(stateDestEscrowPending)

	// Balances may have moved since evaluation, re-check against the chain's
	// current state before committing.
	if err := s.r.checkBalances(s.order, s.output); err != nil {
		return err
	}

	if s.order.SecretSet != nil {
		s.destEscrowID = secrets.PartialEscrowID(s.order.ID, s.fill.SecretIndex)
	} else {
		s.destEscrowID = crypto.Keccak256Hash([]byte(s.order.ID), s.secretHash().Bytes()).Hex()
	}
	s.destTimelock = s.r.now().Add(s.r.cfg.DestTimelock)

	escrow := chain.Escrow{
		ID:          s.destEscrowID,
		Depositor:   s.r.cfg.Addresses[s.order.ToChain],
		Beneficiary: s.order.Receiver,
		Token:       s.order.ToToken,
		Amount:      s.output,
		Hashlock:    s.secretHash(),
		Timelock:    s.destTimelock,
	}
	var ref chain.TxRef
	err := chain.Retry(ctx, s.logger, chain.DefaultBackoff, func() error {
		var err error
		ref, err = s.dst.CreateEscrow(ctx, escrow)
		return err
	})
	if err != nil {
		if errors.Is(err, chain.ErrEscrowExists) {
			// Deterministic ids make double-funding loud: another resolver
			// already funded this slice.
			return fmt.Errorf("slice already funded: %w", err)
		}
		return fmt.Errorf("create destination escrow: %w", err)
	}

	s.transition(stateDestEscrowCreated)
	if err := s.r.book.UpdateFillStatus(s.order.ID, s.fill.ID, model.FillDestinationCreated, &model.TxRefs{
		DestinationEscrowID: s.destEscrowID,
		DestinationTxHash:   ref.Hash,
	}); err != nil {
		return err
	}
	s.r.bus.Publish(transport.Event{
		Name:    transport.EscrowDestinationCreated,
		OrderID: s.order.ID,
		Payload: transport.EscrowPayload{
			OrderID:    s.order.ID,
			FillID:     s.fill.ID,
			EscrowID:   s.destEscrowID,
			Chain:      string(s.order.ToChain),
			SecretHash: s.fill.SecretHash,
		},
	})
	return nil
}

// awaitSourceEscrow scans recent source-chain history until it sees an
// escrow whose hashlock matches this fill, addressed to this resolver.
// Events are deduplicated by their stable key and self-originated creations
// are skipped, so redelivery never double-processes.
func (s *swap) awaitSourceEscrow(ctx context.Context) error {
	s.transition(stateAwaitingSourceEscrow)

	events, err := s.src.WatchEscrowCreated(ctx, 0)
	if err != nil {
		return fmt.Errorf("watch source chain: %w", err)
	}

	ourAddr := s.r.cfg.Addresses[s.order.FromChain]
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return fmt.Errorf("source escrow never appeared before deadline")
			}
			seen, err := s.r.processed.Seen(event.Key())
			if err != nil {
				s.logger.Error("processed lookup", zap.Error(err))
			}
			if seen {
				continue
			}
			if strings.EqualFold(event.Depositor, ourAddr) {
				// Auto-created by this coordinator, not the maker's leg.
				continue
			}
			if event.Hashlock != s.secretHash() || !strings.EqualFold(event.Beneficiary, ourAddr) {
				continue
			}
			if err := s.r.processed.Mark(event.Key()); err != nil {
				s.logger.Error("mark processed", zap.Error(err))
			}

			// The counterpart escrow must hold at least the slice amount and
			// leave the maker a strictly longer window than ours. Anything
			// else is a violation, not something to fund against.
			if event.Amount.Cmp(s.sourceAmount) < 0 {
				return fmt.Errorf("%w: source escrow amount %v below expected %v", errProtocol, event.Amount, s.sourceAmount)
			}
			if !event.Timelock.After(s.destTimelock) {
				return fmt.Errorf("%w: source timelock %v not after destination timelock %v", errProtocol, event.Timelock, s.destTimelock)
			}

			s.sourceEscrowID = event.ID
			s.transition(stateSourceEscrowSeen)
			return s.r.book.UpdateFillStatus(s.order.ID, s.fill.ID, model.FillSourceCreated, &model.TxRefs{
				SourceEscrowID: s.sourceEscrowID,
				SourceTxHash:   event.TxHash,
			})
		case <-ctx.Done():
			return fmt.Errorf("source escrow wait: %w", ctx.Err())
		}
	}
}

// exchangeSecret asks the maker for the pre-image and verifies it against
// the fill's committed hash (and Merkle proof for partial fills) before any
// withdrawal is attempted. A mismatch aborts without spending gas.
func (s *swap) exchangeSecret(ctx context.Context) error {
	reveals, release := s.r.awaitSecret(s.order.ID)
	defer release()

	s.transition(stateSecretRequested)
	s.r.bus.Publish(transport.Event{
		Name:    transport.SecretRequest,
		OrderID: s.order.ID,
		Payload: transport.SecretRequestPayload{
			OrderID:    s.order.ID,
			FillID:     s.fill.ID,
			SecretHash: s.fill.SecretHash,
		},
	})

	var secretHex string
	select {
	case secretHex = <-reveals:
	case <-ctx.Done():
		return fmt.Errorf("secret reveal wait: %w", ctx.Err())
	}

	secret, err := hex.DecodeString(strings.TrimPrefix(secretHex, "0x"))
	if err != nil {
		return fmt.Errorf("%w: undecodable secret", errProtocol)
	}
	if crypto.Keccak256Hash(secret) != s.secretHash() {
		return fmt.Errorf("%w: revealed secret does not hash to %v", errProtocol, s.fill.SecretHash)
	}
	if s.order.SecretSet != nil {
		proof := make([]common.Hash, 0, len(s.order.SecretSet.Proofs[s.fill.SecretIndex]))
		for _, node := range s.order.SecretSet.Proofs[s.fill.SecretIndex] {
			proof = append(proof, common.HexToHash(node))
		}
		if !secrets.VerifySecret(secret, common.HexToHash(s.order.SecretSet.MerkleRoot), proof) {
			return fmt.Errorf("%w: secret not in committed merkle set", errProtocol)
		}
	}

	s.secret = secret
	s.transition(stateSecretReceived)
	return nil
}

// withdraw claims the source escrow first (the resolver recovers its own
// claim before releasing the maker's), then the destination escrow on the
// maker's behalf. A destination failure downgrades to a manual-withdrawal
// signal: the secret is public by then, the maker can always complete the
// withdrawal, no funds are at risk.
func (s *swap) withdraw(ctx context.Context) error {
	var srcRef chain.TxRef
	err := chain.Retry(ctx, s.logger, chain.DefaultBackoff, func() error {
		var err error
		srcRef, err = s.src.Withdraw(ctx, s.sourceEscrowID, s.secret)
		if errors.Is(err, chain.ErrAlreadyWithdrawn) {
			// Retried withdrawal on an already-claimed escrow is the
			// expected no-op, not corruption.
			err = nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("source withdrawal: %w", err)
	}
	s.transition(stateSourceWithdrawn)
	if err := s.r.book.UpdateFillStatus(s.order.ID, s.fill.ID, model.FillSourceWithdrawn, &model.TxRefs{
		SourceTxHash: srcRef.Hash,
	}); err != nil {
		return err
	}

	var dstRef chain.TxRef
	err = chain.Retry(ctx, s.logger, chain.DefaultBackoff, func() error {
		var err error
		dstRef, err = s.dst.Withdraw(ctx, s.destEscrowID, s.secret)
		if errors.Is(err, chain.ErrAlreadyWithdrawn) {
			err = nil
		}
		return err
	})
	if err != nil {
		s.logger.Warn("destination withdrawal needs manual action", zap.Error(err))
		return s.r.book.FlagManualWithdrawal(s.order.ID, s.fill.ID, hex.EncodeToString(s.secret))
	}

	s.transition(stateDestWithdrawn)
	if err := s.r.book.UpdateFillStatus(s.order.ID, s.fill.ID, model.FillCompleted, &model.TxRefs{
		DestinationTxHash: dstRef.Hash,
	}); err != nil {
		return err
	}
	s.r.bus.Publish(transport.Event{
		Name:    transport.SwapCompleted,
		OrderID: s.order.ID,
		Payload: transport.EscrowPayload{
			OrderID:  s.order.ID,
			FillID:   s.fill.ID,
			EscrowID: s.destEscrowID,
			Chain:    string(s.order.ToChain),
		},
	})
	s.logger.Info("✅ [Swap Completed]")
	return nil
}
