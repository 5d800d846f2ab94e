package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/klingnet-ledger/internal/chain"
	"github.com/Klingon-tech/klingnet-ledger/internal/storage"
	"github.com/Klingon-tech/klingnet-ledger/pkg/block"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

var showSignatures bool

var tipCmd = &cobra.Command{
	Use:   "tip",
	Short: "Print the chain tip.",
	Args:  cobra.NoArgs,
	RunE:  tipRun,
}

var blockCmd = &cobra.Command{
	Use:   "block <height|hash>",
	Short: "Print a block by height or hash.",
	Args:  cobra.ExactArgs(1),
	RunE:  blockRun,
}

var txCmd = &cobra.Command{
	Use:   "tx <id>",
	Short: "Print an indexed transaction and check its signature digest.",
	Args:  cobra.ExactArgs(1),
	RunE:  txRun,
}

var supplyCmd = &cobra.Command{
	Use:   "supply",
	Short: "Print the mined supply and the fee allocation.",
	Args:  cobra.NoArgs,
	RunE:  supplyRun,
}

func init() {
	rootCmd.AddCommand(tipCmd, blockCmd, txCmd, supplyCmd)
	txCmd.Flags().BoolVarP(&showSignatures, "signatures", "s", false, "Also print the offloaded signatures.")
}

func tipRun(cmd *cobra.Command, args []string) error {
	l, err := openLedger("")
	if err != nil {
		return err
	}
	defer l.Close()

	meta, err := l.chain.Blocks().TipMeta()
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Println("chain is empty")
		return nil
	}
	if err != nil {
		return err
	}
	return printJSON(meta)
}

func blockRun(cmd *cobra.Command, args []string) error {
	l, err := openLedger("")
	if err != nil {
		return err
	}
	defer l.Close()

	var blk *block.Block
	if height, perr := strconv.ParseUint(args[0], 10, 64); perr == nil {
		blk, err = l.chain.Blocks().ByHeight(height)
	} else {
		hash, herr := types.HexToHash(args[0])
		if herr != nil {
			return fmt.Errorf("expected a height or a block hash: %w", herr)
		}
		blk, err = l.chain.Blocks().ByHash(hash)
	}
	if err != nil {
		return err
	}
	return printJSON(struct {
		Hash types.Hash `json:"hash"`
		*block.Block
	}{blk.Hash(), blk})
}

func txRun(cmd *cobra.Command, args []string) error {
	id, err := types.HexToHash(args[0])
	if err != nil {
		return err
	}
	l, err := openLedger("")
	if err != nil {
		return err
	}
	defer l.Close()

	rec, err := l.chain.Txs().Get(id)
	if err != nil {
		return err
	}
	out := struct {
		*chain.TxRecord
		DigestOK   bool                    `json:"digest_ok"`
		Signatures []chain.SignatureRecord `json:"signatures,omitempty"`
	}{TxRecord: rec}

	if err := l.chain.Txs().VerifySignatureDigest(id); err != nil {
		if !errors.Is(err, chain.ErrSigDigestMismatch) {
			return err
		}
	} else {
		out.DigestOK = true
	}
	if showSignatures {
		if out.Signatures, err = l.chain.Txs().FetchSignatures(id); err != nil {
			return err
		}
	}
	return printJSON(out)
}

func supplyRun(cmd *cobra.Command, args []string) error {
	l, err := openLedger("")
	if err != nil {
		return err
	}
	defer l.Close()

	supply, err := l.chain.Blocks().TotalMinedSupply()
	if err != nil {
		return err
	}
	funds, err := l.chain.Txs().FundAllocation()
	if err != nil {
		return err
	}
	return printJSON(struct {
		Height uint64                `json:"height"`
		Supply uint64                `json:"mined_supply"`
		Funds  chain.FundAllocation `json:"fund_allocation"`
	}{l.chain.Height(), supply, funds})
}
