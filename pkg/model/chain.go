package model

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
)

// Chain is one of the supported ledgers. An order always spans two of them.
type Chain string

const (
	Ethereum        Chain = "ethereum"
	EthereumSepolia Chain = "ethereum_sepolia"
	Arbitrum        Chain = "arbitrum"
	Base            Chain = "base"
	Bitcoin         Chain = "bitcoin"
	BitcoinTestnet  Chain = "bitcoin_testnet"
)

func (c Chain) IsEVM() bool {
	switch c {
	case Ethereum, EthereumSepolia, Arbitrum, Base:
		return true
	default:
		return false
	}
}

func (c Chain) IsBTC() bool {
	return c == Bitcoin || c == BitcoinTestnet
}

func (c Chain) Valid() bool {
	return c.IsEVM() || c.IsBTC()
}

// Params returns the bitcoin network params of the chain. It panics on
// non-bitcoin chains since there is no meaningful value to return.
func (c Chain) Params() *chaincfg.Params {
	switch c {
	case Bitcoin:
		return &chaincfg.MainNetParams
	case BitcoinTestnet:
		return &chaincfg.TestNet3Params
	default:
		panic(fmt.Sprintf("no network params for chain %v", c))
	}
}

// ValidateAddress checks the address is well formed for the given chain.
func ValidateAddress(chain Chain, address string) error {
	switch {
	case chain.IsEVM():
		if !common.IsHexAddress(address) {
			return fmt.Errorf("invalid evm (%v) address: %v", chain, address)
		}
		return nil
	case chain.IsBTC():
		_, err := btcutil.DecodeAddress(address, chain.Params())
		return err
	default:
		return fmt.Errorf("unknown chain: %v", chain)
	}
}

// ParseAsset splits a chain-qualified asset identifier of the form
// "chain:token", e.g. "ethereum:0xA0b8...:" or "bitcoin:BTC".
func ParseAsset(asset string) (Chain, string, error) {
	chain, token, ok := strings.Cut(asset, ":")
	if !ok {
		return "", "", fmt.Errorf("invalid asset %q, expect chain:token", asset)
	}
	if !Chain(chain).Valid() {
		return "", "", fmt.Errorf("unknown chain in asset %q", asset)
	}
	return Chain(chain), token, nil
}

// ParseOrderPair splits an order pair of the form "fromChain:fromToken-toChain:toToken".
func ParseOrderPair(pair string) (from, to Chain, fromToken, toToken string, err error) {
	fromAsset, toAsset, ok := strings.Cut(pair, "-")
	if !ok {
		return "", "", "", "", fmt.Errorf("invalid order pair %q", pair)
	}
	from, fromToken, err = ParseAsset(fromAsset)
	if err != nil {
		return "", "", "", "", err
	}
	to, toToken, err = ParseAsset(toAsset)
	if err != nil {
		return "", "", "", "", err
	}
	if from == to {
		return "", "", "", "", fmt.Errorf("order pair must span two chains, got %v on both legs", from)
	}
	return from, to, fromToken, toToken, nil
}
