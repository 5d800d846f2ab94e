// ledger-cli inspects and maintains a Klingnet ledger data directory. It
// opens the storage environments directly, so the daemon must be stopped
// for commands that write (genesis, reindex).
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/klingnet-ledger/config"
	"github.com/Klingon-tech/klingnet-ledger/internal/chain"
	klog "github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/node"
)

var (
	dataDir  string
	network  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:          "ledger-cli",
	Short:        "Inspect and maintain a Klingnet ledger data directory.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return klog.Init(logLevel, false, "")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataDir, "datadir", "d", config.DefaultDataDir(), "Data directory of the node.")
	rootCmd.PersistentFlags().StringVarP(&network, "network", "n", string(config.Mainnet), "Network: mainnet, testnet or regnet.")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level.")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ledger is an opened data directory.
type ledger struct {
	cfg    *config.Config
	net    *config.NetworkConfig
	stores *node.Stores
	chain  *chain.Chain
}

// openLedger opens the stores of the selected network. genesisMiner is only
// needed by commands that create genesis.
func openLedger(genesisMiner string) (*ledger, error) {
	cfg := config.Default(config.NetworkType(network))
	cfg.DataDir = dataDir
	cfg.Normalize()
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	netCfg, err := config.ForNetwork(cfg.NetworkType())
	if err != nil {
		return nil, err
	}

	stores, err := node.OpenStores(cfg)
	if err != nil {
		return nil, err
	}
	ch, _, err := node.NewChain(netCfg, stores, cfg.Mining.Threads, genesisMiner)
	if err != nil {
		stores.Close()
		return nil, err
	}
	return &ledger{cfg: cfg, net: netCfg, stores: stores, chain: ch}, nil
}

func (l *ledger) Close() {
	if err := l.stores.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close storage: %v\n", err)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
