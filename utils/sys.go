package utils

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/tyler-smith/go-bip39"

	"github.com/ferryfi/ferry/pkg/model"
)

var HomeDir string

var ErrMnemonicFileMissing = errors.New("mnemonic file missing")

func init() {
	var err error
	HomeDir, err = os.UserHomeDir()
	if err != nil {
		log.Fatal("failed to get $HOME value")
	}
}

func DefaultFerryDirectory() string {
	return filepath.Join(HomeDir, ".ferry")
}

func DefaultMnemonicPath() string {
	return filepath.Join(HomeDir, ".ferry", "MNEMONIC")
}

func DefaultConfigPath() string {
	return filepath.Join(HomeDir, ".ferry", "config.json")
}

func DefaultStrategyPath() string {
	return filepath.Join(HomeDir, ".ferry", "strategy.json")
}

func DefaultStorePath() string {
	return filepath.Join(HomeDir, ".ferry", "data.db")
}

func DefaultPidPath() string {
	return filepath.Join(HomeDir, ".ferry", "ferryd.pid")
}

func LoadMnemonic(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrMnemonicFileMissing
		}
		return nil, err
	}
	return bip39.EntropyFromMnemonic(string(data))
}

func NewMnemonic(path string) ([]byte, error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy[:]); err != nil {
		return nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}
	color.Green("Generating new mnemonic:\n[ %v ]", mnemonic)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(mnemonic), 0600); err != nil {
		return nil, err
	}
	return entropy[:], nil
}

// ChainConfig is the per-chain connection block of the daemon config.
type ChainConfig struct {
	RPC     string `json:"rpc"`
	Escrow  string `json:"escrow"`
	ChainID int64  `json:"chainId"`
}

type Config struct {
	Listen         string                      `json:"listen"`
	DB             string                      `json:"db"`
	Redis          string                      `json:"redis"`
	JWTSecret      string                      `json:"jwtSecret"`
	Sentry         string                      `json:"sentry"`
	DiscordToken   string                      `json:"discordToken"`
	DiscordChannel string                      `json:"discordChannel"`
	Mnemonic       string                      `json:"mnemonic"`
	Chains         map[model.Chain]ChainConfig `json:"chains"`
	Strategies     json.RawMessage             `json:"strategies"`
}

// LoadExtendedConfig reads the daemon config and bootstraps the secrets a
// fresh install is missing: a mnemonic and a session-token signing secret.
func LoadExtendedConfig(path string) (Config, error) {
	config := Config{}
	configFile, err := os.ReadFile(path)
	if err == nil {
		json.Unmarshal(configFile, &config)
	}

	dirty := false
	if config.Mnemonic == "" {
		entropy := make([]byte, 32)
		if _, err := rand.Read(entropy[:]); err != nil {
			return config, err
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return config, err
		}
		config.Mnemonic = mnemonic
		dirty = true
	}
	if config.JWTSecret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return config, err
		}
		config.JWTSecret = hex.EncodeToString(secret)
		dirty = true
	}
	if config.Listen == "" {
		config.Listen = ":8080"
	}

	if dirty {
		data, err := json.MarshalIndent(config, "", "  ")
		if err != nil {
			return config, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return config, err
		}
		if err := os.WriteFile(path, data, 0600); err != nil {
			return config, err
		}
	}
	return config, nil
}
