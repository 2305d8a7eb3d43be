// Package evm implements the chain.Client capability over an EVM ledger
// running the ferry escrow contract.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/ferryfi/ferry/pkg/chain"
	"github.com/ferryfi/ferry/pkg/model"
)

const escrowABI = `[
  {"type":"function","name":"create","stateMutability":"payable","inputs":[
    {"name":"id","type":"bytes32"},{"name":"beneficiary","type":"address"},
    {"name":"token","type":"address"},{"name":"amount","type":"uint256"},
    {"name":"hashlock","type":"bytes32"},{"name":"timelock","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[
    {"name":"id","type":"bytes32"},{"name":"secret","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
    {"name":"id","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"escrows","stateMutability":"view","inputs":[
    {"name":"id","type":"bytes32"}],"outputs":[
    {"name":"depositor","type":"address"},{"name":"beneficiary","type":"address"},
    {"name":"token","type":"address"},{"name":"amount","type":"uint256"},
    {"name":"hashlock","type":"bytes32"},{"name":"timelock","type":"uint256"},
    {"name":"withdrawn","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"EscrowCreated","inputs":[
    {"name":"id","type":"bytes32","indexed":true},
    {"name":"depositor","type":"address","indexed":true},
    {"name":"beneficiary","type":"address","indexed":true},
    {"name":"token","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"hashlock","type":"bytes32","indexed":false},
    {"name":"timelock","type":"uint256","indexed":false}]}
]`

const (
	pollInterval        = 5 * time.Second
	lookbackSpan        = 10
	confirmationTimeout = 2 * time.Minute
)

// Options configure an EVM client.
type Options struct {
	Chain      model.Chain
	ChainID    *big.Int
	EscrowAddr common.Address
}

// Client talks to one EVM chain. The account nonce is managed locally under a
// mutex so concurrent state machines can submit without conflicting.
type Client struct {
	options Options
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	logger  *zap.Logger
	abi     abi.ABI
	addr    common.Address

	mu    sync.Mutex
	nonce uint64
}

var _ chain.Client = (*Client)(nil)

func New(options Options, client *ethclient.Client, key *ecdsa.PrivateKey, logger *zap.Logger) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	if options.ChainID.Cmp(chainID) != 0 {
		return nil, fmt.Errorf("wrong chain ID, expect %v, got %v", options.ChainID, chainID)
	}

	addr := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := client.PendingNonceAt(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &Client{
		options: options,
		client:  client,
		key:     key,
		logger:  logger,
		abi:     parsed,
		addr:    addr,
		nonce:   nonce,
	}, nil
}

func (c *Client) CreateEscrow(ctx context.Context, escrow chain.Escrow) (chain.TxRef, error) {
	data, err := c.abi.Pack("create",
		common.HexToHash(escrow.ID),
		common.HexToAddress(escrow.Beneficiary),
		common.HexToAddress(escrow.Token),
		escrow.Amount,
		escrow.Hashlock,
		big.NewInt(escrow.Timelock.Unix()),
	)
	if err != nil {
		return chain.TxRef{}, err
	}
	value := new(big.Int)
	if escrow.SafetyDeposit != nil {
		value.Set(escrow.SafetyDeposit)
	}
	return c.submit(ctx, data, value)
}

func (c *Client) Withdraw(ctx context.Context, id string, secret []byte) (chain.TxRef, error) {
	// An already-withdrawn escrow must surface as the expected guard error,
	// not a generic revert, so check first.
	state, err := c.escrowState(ctx, id)
	if err != nil {
		return chain.TxRef{}, err
	}
	if state.Withdrawn {
		return chain.TxRef{}, chain.ErrAlreadyWithdrawn
	}
	data, err := c.abi.Pack("withdraw", common.HexToHash(id), secret)
	if err != nil {
		return chain.TxRef{}, err
	}
	return c.submit(ctx, data, new(big.Int))
}

func (c *Client) Refund(ctx context.Context, id string) (chain.TxRef, error) {
	data, err := c.abi.Pack("refund", common.HexToHash(id))
	if err != nil {
		return chain.TxRef{}, err
	}
	return c.submit(ctx, data, new(big.Int))
}

type escrowResult struct {
	Depositor   common.Address
	Beneficiary common.Address
	Token       common.Address
	Amount      *big.Int
	Hashlock    [32]byte
	Timelock    *big.Int
	Withdrawn   bool
}

func (c *Client) escrowState(ctx context.Context, id string) (escrowResult, error) {
	data, err := c.abi.Pack("escrows", common.HexToHash(id))
	if err != nil {
		return escrowResult{}, err
	}
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.options.EscrowAddr, Data: data}, nil)
	if err != nil {
		return escrowResult{}, err
	}
	var result escrowResult
	if err := c.abi.UnpackIntoInterface(&result, "escrows", raw); err != nil {
		return escrowResult{}, err
	}
	return result, nil
}

func (c *Client) EscrowExists(ctx context.Context, id string) (bool, error) {
	state, err := c.escrowState(ctx, id)
	if err != nil {
		return false, err
	}
	return state.Amount != nil && state.Amount.Sign() > 0 && !state.Withdrawn, nil
}

func (c *Client) BalanceOf(ctx context.Context, address, token string) (*big.Int, error) {
	if token == "" {
		return c.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(`[{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}]`))
	if err != nil {
		return nil, err
	}
	data, err := erc20ABI.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	tokenAddr := common.HexToAddress(token)
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

// WatchEscrowCreated polls the chain for EscrowCreated logs in a bounded
// lookback window and streams them until ctx is done.
func (c *Client) WatchEscrowCreated(ctx context.Context, sinceBlock uint64) (<-chan chain.EscrowEvent, error) {
	out := make(chan chain.EscrowEvent, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		from := sinceBlock
		for {
			select {
			case <-ticker.C:
				head, err := c.client.BlockNumber(ctx)
				if err != nil {
					c.logger.Debug("block number", zap.Error(err))
					continue
				}
				if head > lookbackSpan && from < head-lookbackSpan {
					from = head - lookbackSpan
				}
				logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
					FromBlock: new(big.Int).SetUint64(from),
					ToBlock:   new(big.Int).SetUint64(head),
					Addresses: []common.Address{c.options.EscrowAddr},
					Topics:    [][]common.Hash{{c.abi.Events["EscrowCreated"].ID}},
				})
				if err != nil {
					c.logger.Debug("filter logs", zap.Error(err))
					continue
				}
				for _, log := range logs {
					event, err := c.parseEscrowCreated(log)
					if err != nil {
						c.logger.Error("parse escrow event", zap.Error(err))
						continue
					}
					select {
					case out <- event:
					case <-ctx.Done():
						return
					}
				}
				from = head + 1
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) parseEscrowCreated(log types.Log) (chain.EscrowEvent, error) {
	if len(log.Topics) != 4 {
		return chain.EscrowEvent{}, fmt.Errorf("unexpected topic count %d", len(log.Topics))
	}
	var payload struct {
		Token    common.Address
		Amount   *big.Int
		Hashlock [32]byte
		Timelock *big.Int
	}
	if err := c.abi.UnpackIntoInterface(&payload, "EscrowCreated", log.Data); err != nil {
		return chain.EscrowEvent{}, err
	}
	return chain.EscrowEvent{
		Escrow: chain.Escrow{
			ID:          log.Topics[1].Hex(),
			Depositor:   common.BytesToAddress(log.Topics[2].Bytes()).Hex(),
			Beneficiary: common.BytesToAddress(log.Topics[3].Bytes()).Hex(),
			Token:       payload.Token.Hex(),
			Amount:      payload.Amount,
			Hashlock:    common.Hash(payload.Hashlock),
			Timelock:    time.Unix(payload.Timelock.Int64(), 0),
		},
		Block:  log.BlockNumber,
		Index:  log.Index,
		TxHash: log.TxHash.Hex(),
	}, nil
}

// submit signs and sends a transaction against the escrow contract and waits
// for it to be mined. The nonce is refreshed from the chain on conflicts; the
// retry policy around chain calls lives with the caller.
func (c *Client) submit(ctx context.Context, data []byte, value *big.Int) (chain.TxRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return chain.TxRef{}, err
	}
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.addr,
		To:    &c.options.EscrowAddr,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return chain.TxRef{}, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    c.nonce,
		To:       &c.options.EscrowAddr,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.options.ChainID), c.key)
	if err != nil {
		return chain.TxRef{}, err
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		if strings.Contains(err.Error(), "nonce") {
			if nonce, nerr := c.client.PendingNonceAt(ctx, c.addr); nerr == nil {
				c.nonce = nonce
			}
		}
		return chain.TxRef{}, err
	}
	c.nonce++

	waitCtx, cancel := context.WithTimeout(ctx, confirmationTimeout)
	defer cancel()
	receipt, err := waitMined(waitCtx, c.client, signed.Hash())
	if err != nil {
		return chain.TxRef{}, err
	}
	return chain.TxRef{
		Chain: c.options.Chain,
		Hash:  receipt.TxHash.Hex(),
		Block: receipt.BlockNumber.Uint64(),
	}, nil
}

func waitMined(ctx context.Context, client *ethclient.Client, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
