package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ferryfi/ferry/pkg/rpcclient"
)

func Reveal(rpcClient rpcclient.Client) *cobra.Command {
	var (
		id     string
		secret string
	)

	var cmd = &cobra.Command{
		Use:   "reveal",
		Short: "Reveal a swap secret once both escrows are funded",
		Run: func(c *cobra.Command, args []string) {
			if err := rpcClient.RevealSecret(id, secret); err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}
			fmt.Printf("secret revealed for order %s\n", id)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Order id the secret belongs to")
	cmd.MarkFlagRequired("id")
	cmd.Flags().StringVar(&secret, "secret", "", "Hex encoded secret from order creation")
	cmd.MarkFlagRequired("secret")
	return cmd
}
