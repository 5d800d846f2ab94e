package main

import (
	"github.com/spf13/cobra"

	"github.com/Klingon-tech/klingnet-ledger/internal/utxo"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

var utxosCmd = &cobra.Command{
	Use:   "utxos <address>",
	Short: "List the unspent outputs and balance of an address.",
	Args:  cobra.ExactArgs(1),
	RunE:  utxosRun,
}

func init() {
	rootCmd.AddCommand(utxosCmd)
}

func utxosRun(cmd *cobra.Command, args []string) error {
	l, err := openLedger("")
	if err != nil {
		return err
	}
	defer l.Close()

	if err := types.ValidateAddress(args[0], l.net.HRP); err != nil {
		return err
	}
	outs, err := l.chain.UTXOs().ByOwner(args[0])
	if err != nil {
		return err
	}
	balance, err := l.chain.UTXOs().Balance(args[0])
	if err != nil {
		return err
	}
	return printJSON(struct {
		Address string       `json:"address"`
		Balance uint64       `json:"balance"`
		UTXOs   []*utxo.UTXO `json:"utxos"`
	}{args[0], balance, outs})
}
