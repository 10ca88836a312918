package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func newWalletCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "wallet",
		Short: "Show the wallet balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/wallet", nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

func newLedgerCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List recent ledger entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			data, err := newClient().get("/api/wallet/ledger", params)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries")
	return cmd
}

func newTopUpCommand() *cobra.Command {
	var (
		source    string
		reference string
	)
	cmd := &cobra.Command{
		Use:     "topup <user-id> <credits>",
		Short:   "Add credits to a wallet (admin)",
		Example: `  lomuctl topup alice 500 --source=purchase --ref=inv-42`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			credits, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || credits <= 0 {
				return fmt.Errorf("credits must be a positive integer, got %q", args[1])
			}
			data, err := newClient().post("/api/wallet/credits", map[string]interface{}{
				"userId":      args[0],
				"credits":     credits,
				"source":      source,
				"referenceId": reference,
			})
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "purchase", "Ledger source: allocation, purchase, refund, adjustment")
	cmd.Flags().StringVar(&reference, "ref", "", "External reference id")
	return cmd
}
