package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/klingnet-ledger/config"
	"github.com/Klingon-tech/klingnet-ledger/pkg/crypto"
)

var keyOut string

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage miner keys.",
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a private key and print its address.",
	Args:  cobra.NoArgs,
	RunE:  keyGenerateRun,
}

var keyAddressCmd = &cobra.Command{
	Use:   "address <keyfile>",
	Short: "Print the public key and address of a hex private key file.",
	Args:  cobra.ExactArgs(1),
	RunE:  keyAddressRun,
}

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.AddCommand(keyGenerateCmd, keyAddressCmd)
	keyGenerateCmd.Flags().StringVarP(&keyOut, "out", "o", "", "Write the hex key to this file instead of stdout.")
}

func keyGenerateRun(cmd *cobra.Command, args []string) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	keyHex := hex.EncodeToString(key.Serialize())
	if keyOut != "" {
		if err := os.WriteFile(config.ExpandHome(keyOut), []byte(keyHex+"\n"), 0600); err != nil {
			return err
		}
	} else {
		fmt.Printf("private=%s\n", keyHex)
	}
	return printAddress(key)
}

func keyAddressRun(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(config.ExpandHome(args[0]))
	if err != nil {
		return err
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("decode hex: %w", err)
	}
	key, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return err
	}
	return printAddress(key)
}

func printAddress(key *crypto.PrivateKey) error {
	net, err := config.ForNetwork(config.NetworkType(network))
	if err != nil {
		return err
	}
	pub := key.PublicKey()
	addr, err := crypto.Blake3Deriver{}.DeriveAddress(pub, net.HRP)
	if err != nil {
		return err
	}
	fmt.Printf("pubkey=%s\n", hex.EncodeToString(pub))
	fmt.Printf("address=%s\n", addr)
	return nil
}
