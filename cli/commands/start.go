package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ferryfi/ferry/pkg/alert"
	"github.com/ferryfi/ferry/pkg/chain"
	"github.com/ferryfi/ferry/pkg/chain/evm"
	"github.com/ferryfi/ferry/pkg/ledger"
	"github.com/ferryfi/ferry/pkg/model"
	"github.com/ferryfi/ferry/pkg/price"
	"github.com/ferryfi/ferry/pkg/process"
	"github.com/ferryfi/ferry/pkg/resolver"
	"github.com/ferryfi/ferry/pkg/rpc"
	"github.com/ferryfi/ferry/pkg/transport"
	"github.com/ferryfi/ferry/utils"
)

// strategyFile is the on-disk shape of one strategy entry.
type strategyFile struct {
	OrderPair string   `json:"orderPair"`
	Makers    []string `json:"makers,omitempty"`
	MinAmount string   `json:"minAmount,omitempty"`
	MaxAmount string   `json:"maxAmount,omitempty"`
	MarginBps int      `json:"marginBps"`
}

func Start(envConfig utils.Config, logger *zap.Logger) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "start",
		Short: "Run the swap coordination daemon",
		RunE: func(c *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pidFile := process.NewPidFile(utils.DefaultPidPath())
			if err := pidFile.Acquire(); err != nil {
				return err
			}
			defer pidFile.Release()

			str, err := utils.LoadDB(envConfig.DB)
			if err != nil {
				return fmt.Errorf("failed to load db: %w", err)
			}
			keys, err := utils.LoadKeys(envConfig.Mnemonic)
			if err != nil {
				return fmt.Errorf("failed to load keys: %w", err)
			}

			bus := transport.NewMemoryBus()
			book := ledger.New(str, bus, logger)
			book.Start()
			defer book.Stop()

			chains, addresses, err := loadChains(envConfig, keys, logger)
			if err != nil {
				return err
			}

			strategies, err := loadStrategies(envConfig)
			if err != nil {
				return err
			}

			if len(strategies) > 0 && len(chains) > 0 {
				var processed resolver.ProcessedStore
				if envConfig.Redis != "" {
					processed, err = resolver.NewRedisStore(envConfig.Redis)
					if err != nil {
						return fmt.Errorf("failed to connect redis: %w", err)
					}
				} else {
					processed = resolver.NewMemoryStore()
				}

				oracle := price.New(price.DefaultIDs, price.DefaultFallback, logger)
				identity := ""
				if addr, ok := addresses[model.Ethereum]; ok {
					identity = addr
				}
				coordinator := resolver.New(resolver.Config{
					Identity:  identity,
					Addresses: addresses,
				}, strategies, book, chains, oracle, bus, processed, logger)
				if err := coordinator.Start(); err != nil {
					return err
				}
				defer coordinator.Stop()
			} else {
				logger.Info("no strategies configured, running order book only")
			}

			if envConfig.DiscordToken != "" {
				sink, err := alert.NewDiscordSink(envConfig.DiscordToken, envConfig.DiscordChannel)
				if err != nil {
					return fmt.Errorf("failed to connect discord: %w", err)
				}
				alerter := alert.New(bus, sink, logger)
				alerter.Start()
				defer alerter.Stop()
			}

			server := rpc.NewServer(book, bus, envConfig.JWTSecret, logger)
			return server.Run(ctx, envConfig.Listen)
		},
	}
	return cmd
}

func loadChains(envConfig utils.Config, keys utils.Keys, logger *zap.Logger) (chain.Registry, map[model.Chain]string, error) {
	chains := chain.Registry{}
	addresses := map[model.Chain]string{}
	for name, cc := range envConfig.Chains {
		if !name.IsEVM() {
			logger.Warn("skipping non-evm chain", zap.String("chain", string(name)))
			continue
		}
		ethClient, err := ethclient.Dial(cc.RPC)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to dial %v: %w", name, err)
		}
		key, err := keys.GetKey(name, 0, 0)
		if err != nil {
			return nil, nil, err
		}
		privKey, err := key.ECDSA()
		if err != nil {
			return nil, nil, err
		}
		client, err := evm.New(evm.Options{
			Chain:      name,
			ChainID:    big.NewInt(cc.ChainID),
			EscrowAddr: common.HexToAddress(cc.Escrow),
		}, ethClient, privKey, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init %v client: %w", name, err)
		}
		chains[name] = client
		addr, err := key.EvmAddress()
		if err != nil {
			return nil, nil, err
		}
		addresses[name] = addr.Hex()
	}
	return chains, addresses, nil
}

func loadStrategies(envConfig utils.Config) (resolver.Strategies, error) {
	raw := envConfig.Strategies
	if len(raw) == 0 {
		data, err := os.ReadFile(utils.DefaultStrategyPath())
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
		raw = data
	}

	var entries []strategyFile
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse strategies: %w", err)
	}
	strategies := make(resolver.Strategies, 0, len(entries))
	for _, entry := range entries {
		var minAmount, maxAmount *big.Int
		if entry.MinAmount != "" {
			value, ok := new(big.Int).SetString(entry.MinAmount, 10)
			if !ok {
				return nil, fmt.Errorf("invalid minAmount %q", entry.MinAmount)
			}
			minAmount = value
		}
		if entry.MaxAmount != "" {
			value, ok := new(big.Int).SetString(entry.MaxAmount, 10)
			if !ok {
				return nil, fmt.Errorf("invalid maxAmount %q", entry.MaxAmount)
			}
			maxAmount = value
		}
		strategy, err := resolver.NewStrategy(entry.OrderPair, entry.Makers, minAmount, maxAmount, entry.MarginBps)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, strategy)
	}
	return strategies, nil
}
