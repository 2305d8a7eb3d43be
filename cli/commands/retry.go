package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ferryfi/ferry/pkg/rpcclient"
)

func Retry(rpcClient rpcclient.Client) *cobra.Command {
	var id string

	var cmd = &cobra.Command{
		Use:   "retry",
		Short: "Re-announce a live order to resolvers",
		Run: func(c *cobra.Command, args []string) {
			if err := rpcClient.RetryOrder(id); err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}
			fmt.Printf("order %s re-announced\n", id)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Order id to retry")
	cmd.MarkFlagRequired("id")
	return cmd
}
