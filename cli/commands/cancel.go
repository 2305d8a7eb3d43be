package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ferryfi/ferry/pkg/rpcclient"
)

func Cancel(rpcClient rpcclient.Client) *cobra.Command {
	var (
		id    string
		token string
	)

	var cmd = &cobra.Command{
		Use:   "cancel",
		Short: "Cancel an unfilled order",
		Run: func(c *cobra.Command, args []string) {
			if token != "" {
				rpcClient.SetToken(token)
			}
			if err := rpcClient.CancelOrder(id); err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}
			fmt.Printf("successfully cancelled order %s\n", id)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Order id to cancel")
	cmd.MarkFlagRequired("id")
	cmd.Flags().StringVar(&token, "token", "", "Session token from a SIWE login")
	return cmd
}
