package utils

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"

	"github.com/ferryfi/ferry/pkg/model"
)

type Key struct {
	inner *bip32.Key
}

func (key *Key) ECDSA() (*ecdsa.PrivateKey, error) {
	return crypto.ToECDSA(key.inner.Key)
}

func (key *Key) Address(chain model.Chain) (string, error) {
	switch {
	case chain.IsBTC():
		addr, err := key.WitnessAddress(chain.Params())
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	case chain.IsEVM():
		addr, err := key.EvmAddress()
		if err != nil {
			return "", err
		}
		return addr.Hex(), nil
	default:
		return "", fmt.Errorf("unsupport chain type %v", chain)
	}
}

func (key *Key) WitnessAddress(network *chaincfg.Params) (btcutil.Address, error) {
	ecdsaKey, err := key.ECDSA()
	if err != nil {
		return nil, err
	}
	keyBytesHash := btcutil.Hash160(crypto.CompressPubkey(&ecdsaKey.PublicKey))
	return btcutil.NewAddressWitnessPubKeyHash(keyBytesHash, network)
}

func (key *Key) EvmAddress() (common.Address, error) {
	ecdsaKey, err := key.ECDSA()
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(ecdsaKey.PublicKey), nil
}

func LoadKey(seed []byte, chain model.Chain, user, selector uint32) (*Key, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	var index uint32
	switch chain {
	case model.Bitcoin:
		index = 0
	case model.BitcoinTestnet:
		index = 1
	case model.Ethereum, model.EthereumSepolia, model.Arbitrum, model.Base:
		index = 60
	default:
		return nil, fmt.Errorf("invalid chain: %s", chain)
	}

	for _, idx := range append([]uint32{index}, user, selector) {
		masterKey, err = masterKey.NewChildKey(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to create child key: %v", err)
		}
	}
	return &Key{masterKey}, nil
}

type Keys struct {
	entropy []byte
	m       map[[32]byte]*Key
}

func NewKeys(entropy []byte) Keys {
	return Keys{
		entropy: entropy,
		m:       map[[32]byte]*Key{},
	}
}

func (keys Keys) GetKey(chain model.Chain, user, selector uint32) (*Key, error) {
	digest := append(keys.entropy, []byte(fmt.Sprintf("%v_%v_%v", chain, user, selector))...)
	mapKey := sha256.Sum256(digest)
	value, ok := keys.m[mapKey]
	if !ok {
		var err error
		value, err = LoadKey(keys.entropy, chain, user, selector)
		if err != nil {
			return nil, err
		}
		keys.m[mapKey] = value
	}
	return value, nil
}
