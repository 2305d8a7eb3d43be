package commands

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ferryfi/ferry/pkg/model"
	"github.com/ferryfi/ferry/utils"
)

func Accounts(envConfig utils.Config) *cobra.Command {
	var (
		account uint32
		perPage uint32
	)

	var cmd = &cobra.Command{
		Use:   "accounts",
		Short: "Show the addresses derived for each configured chain",
		Run: func(c *cobra.Command, args []string) {
			keys, err := utils.LoadKeys(envConfig.Mnemonic)
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to load keys: %w", err))
			}

			chains := make([]model.Chain, 0, len(envConfig.Chains))
			for name := range envConfig.Chains {
				chains = append(chains, name)
			}
			sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })

			for _, name := range chains {
				color.Blue("%v", name)
				for selector := uint32(0); selector < perPage; selector++ {
					key, err := keys.GetKey(name, account, selector)
					if err != nil {
						cobra.CheckErr(err)
					}
					addr, err := key.Address(name)
					if err != nil {
						cobra.CheckErr(err)
					}
					fmt.Printf("  %d: %s\n", selector, addr)
				}
			}
		},
	}

	cmd.Flags().Uint32Var(&account, "account", 0, "Account to be used (default: 0)")
	cmd.Flags().Uint32Var(&perPage, "per-page", 1, "Number of addresses to show per chain")
	return cmd
}
