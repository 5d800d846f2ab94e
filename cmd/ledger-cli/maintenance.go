package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/klingnet-ledger/config"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

var genesisCoinbase string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check chain continuity, signature digests and the UTXO commitment.",
	Args:  cobra.NoArgs,
	RunE:  verifyRun,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the block, transaction and UTXO indexes from the block log.",
	Args:  cobra.NoArgs,
	RunE:  reindexRun,
}

var genesisCmd = &cobra.Command{
	Use:   "genesis",
	Short: "Mine and store the genesis block of an empty chain.",
	Args:  cobra.NoArgs,
	RunE:  genesisRun,
}

func init() {
	rootCmd.AddCommand(verifyCmd, reindexCmd, genesisCmd)
	genesisCmd.Flags().StringVarP(&genesisCoinbase, "coinbase", "c", "", "Address that receives the genesis reward.")
	_ = genesisCmd.MarkFlagRequired("coinbase")
}

func verifyRun(cmd *cobra.Command, args []string) error {
	l, err := openLedger("")
	if err != nil {
		return err
	}
	defer l.Close()

	blocks, err := l.chain.Blocks().AllBlocks()
	if err != nil {
		return fmt.Errorf("block index: %w", err)
	}
	var txs int
	for _, blk := range blocks {
		for _, t := range blk.Transactions {
			if err := l.chain.Txs().VerifySignatureDigest(t.ID); err != nil {
				return fmt.Errorf("block %d tx %s: %w", blk.Header.Index, t.ID.Short(), err)
			}
			txs++
		}
	}
	commitment, err := l.chain.UTXOs().Commitment()
	if err != nil {
		return err
	}
	count, err := l.chain.UTXOs().Count()
	if err != nil {
		return err
	}
	return printJSON(struct {
		Blocks     int        `json:"blocks"`
		Txs        int        `json:"transactions"`
		UTXOs      int        `json:"utxos"`
		Commitment types.Hash `json:"utxo_commitment"`
	}{len(blocks), txs, count, commitment})
}

func reindexRun(cmd *cobra.Command, args []string) error {
	l, err := openLedger("")
	if err != nil {
		return err
	}
	defer l.Close()

	n, err := l.chain.Reindex()
	if err != nil {
		return err
	}
	commitment, err := l.chain.UTXOs().Commitment()
	if err != nil {
		return err
	}
	fmt.Printf("reindexed %d blocks, height %d, utxo commitment %s\n", n, l.chain.Height(), commitment)
	return nil
}

func genesisRun(cmd *cobra.Command, args []string) error {
	net, err := config.ForNetwork(config.NetworkType(network))
	if err != nil {
		return err
	}
	if err := types.ValidateAddress(genesisCoinbase, net.HRP); err != nil {
		return err
	}
	l, err := openLedger(genesisCoinbase)
	if err != nil {
		return err
	}
	defer l.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	blk, err := l.chain.CreateAndMineGenesis(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("genesis %s mined with nonce %d\n", blk.Hash(), blk.Header.Nonce)
	return nil
}
