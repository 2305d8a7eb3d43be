package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ferryfi/ferry/pkg/model"
	"github.com/ferryfi/ferry/pkg/rpcclient"
)

func List(rpcClient rpcclient.Client) *cobra.Command {
	var maker string

	var cmd = &cobra.Command{
		Use:   "list",
		Short: "List orders on the ledger",
		Run: func(c *cobra.Command, args []string) {
			var (
				orders []model.Order
				err    error
			)
			if maker != "" {
				orders, err = rpcClient.GetOrdersByMaker(maker)
			} else {
				orders, err = rpcClient.GetActiveOrders()
			}
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}

			if len(orders) == 0 {
				fmt.Println("no orders found")
				return
			}
			for _, order := range orders {
				line := fmt.Sprintf("%s  %s  %s -> %s  %.1f%% filled",
					order.ID, order.Status, order.FromAmount, order.MinToAmount, order.FilledPercentage)
				switch order.Status {
				case model.OrderFilled:
					color.Green(line)
				case model.OrderCancelled, model.OrderExpired:
					color.Red(line)
				default:
					fmt.Println(line)
				}
			}
		},
	}

	cmd.Flags().StringVar(&maker, "maker", "", "Only list orders of this maker")
	return cmd
}
