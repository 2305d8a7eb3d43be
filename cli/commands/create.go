package commands

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ferryfi/ferry/pkg/model"
	"github.com/ferryfi/ferry/pkg/rpcclient"
	"github.com/ferryfi/ferry/pkg/secrets"
	"github.com/ferryfi/ferry/utils"
)

func Create(envConfig utils.Config, rpcClient rpcclient.Client) *cobra.Command {
	var (
		account       uint32
		orderPair     string
		sendAmount    string
		receiveAmount string
		receiver      string
		deadlineHours uint
		parts         int
	)

	var cmd = &cobra.Command{
		Use:   "create",
		Short: "Create a new order",
		Run: func(c *cobra.Command, args []string) {
			fromChain, toChain, fromToken, toToken, err := model.ParseOrderPair(orderPair)
			if err != nil {
				cobra.CheckErr(err)
			}

			keys, err := utils.LoadKeys(envConfig.Mnemonic)
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to load keys: %w", err))
			}
			key, err := keys.GetKey(fromChain, account, 0)
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to get the signing key: %w", err))
			}
			makerKey, err := key.ECDSA()
			if err != nil {
				cobra.CheckErr(err)
			}
			maker := crypto.PubkeyToAddress(makerKey.PublicKey).Hex()
			if receiver == "" {
				receiverKey, err := keys.GetKey(toChain, account, 0)
				if err != nil {
					cobra.CheckErr(err)
				}
				receiver, err = receiverKey.Address(toChain)
				if err != nil {
					cobra.CheckErr(err)
				}
			}

			intent := model.SignedOrderIntent{
				FromChain:   fromChain,
				ToChain:     toChain,
				FromToken:   fromToken,
				ToToken:     toToken,
				FromAmount:  sendAmount,
				MinToAmount: receiveAmount,
				Maker:       maker,
				Receiver:    receiver,
				Deadline:    time.Now().Add(time.Duration(deadlineHours) * time.Hour).Unix(),
				Nonce:       uint64(time.Now().UnixNano()),
			}

			if parts > 1 {
				set, err := secrets.GenerateSecrets(parts)
				if err != nil {
					cobra.CheckErr(err)
				}
				intent.PartialFillAllowed = true
				intent.SecretSet = toModelSecretSet(set)
				color.Yellow("Keep these secrets safe, they are needed to complete the swap:")
				for i, secret := range set.Secrets {
					color.Green("secret %d: %s", i, hexutil.Encode(secret))
				}
			} else {
				secret, hash, err := secrets.GenerateSecret()
				if err != nil {
					cobra.CheckErr(err)
				}
				intent.SecretHash = hash.Hex()
				color.Yellow("Keep this secret safe, it is needed to complete the swap:")
				color.Green("secret: %s", hexutil.Encode(secret))
			}

			signature, err := crypto.Sign(intent.Digest().Bytes(), makerKey)
			if err != nil {
				cobra.CheckErr(err)
			}
			signature[64] += 27
			intent.Signature = hexutil.Encode(signature)

			order, err := rpcClient.CreateOrder(intent)
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to send request: %w", err))
			}
			fmt.Printf("successfully created order with id %s\n", order.ID)
		},
	}

	cmd.Flags().Uint32Var(&account, "account", 0, "Account to be used (default: 0)")
	cmd.Flags().StringVar(&orderPair, "order-pair", "", "User should provide the order pair")
	cmd.MarkFlagRequired("order-pair")
	cmd.Flags().StringVar(&sendAmount, "send-amount", "", "User should provide the send amount")
	cmd.MarkFlagRequired("send-amount")
	cmd.Flags().StringVar(&receiveAmount, "receive-amount", "", "User should provide the receive amount")
	cmd.MarkFlagRequired("receive-amount")
	cmd.Flags().StringVar(&receiver, "receiver", "", "Receiving address on the destination chain")
	cmd.Flags().UintVar(&deadlineHours, "deadline", 6, "Order deadline in hours")
	cmd.Flags().IntVar(&parts, "parts", 1, "Number of partial fill slices")
	return cmd
}

func toModelSecretSet(set secrets.SecretSet) *model.PartialFillSecretSet {
	out := &model.PartialFillSecretSet{
		MerkleRoot:   set.MerkleRoot.Hex(),
		SecretHashes: make([]string, len(set.SecretHashes)),
		Proofs:       make([][]string, len(set.Proofs)),
		Thresholds:   set.Thresholds,
	}
	for i, hash := range set.SecretHashes {
		out.SecretHashes[i] = hash.Hex()
	}
	for i, proof := range set.Proofs {
		out.Proofs[i] = make([]string, len(proof))
		for j, node := range proof {
			out.Proofs[i][j] = node.Hex()
		}
	}
	return out
}
