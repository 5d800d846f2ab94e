// Klingnet ledger node daemon.
//
// Usage:
//
//	ledgerd [--network=regnet] [--mining-enabled --mining-coinbase=...]  Run node
//	ledgerd --help                                                       Show help
//
// Settings come from flags, LEDGER_* environment variables and the
// key = value file named by --config (default <datadir>/ledger.conf), in
// that order of precedence.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ardanlabs/conf/v3"

	"github.com/Klingon-tech/klingnet-ledger/config"
	klog "github.com/Klingon-tech/klingnet-ledger/internal/log"
	"github.com/Klingon-tech/klingnet-ledger/internal/node"
)

// build is the git version of this program. It is set using build flags.
var build = "develop"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := config.FilePath(config.EnvPrefix, os.Args[1:])
	values, err := config.LoadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := config.ExportFileEnv(config.EnvPrefix, values); err != nil {
		return err
	}

	cfg := config.Config{
		Version: conf.Version{
			Build: build,
			Desc:  "Klingnet proof-of-work ledger node",
		},
	}
	help, err := conf.Parse(config.EnvPrefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	n, err := node.New(&cfg)
	if err != nil {
		return err
	}

	out, err := conf.String(&cfg)
	if err == nil {
		klog.Node.Debug().Str("file", path).Msg("Startup config\n" + out)
	}

	if err := n.Start(); err != nil {
		n.Stop()
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- n.Wait() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		klog.Node.Info().Str("signal", sig.String()).Msg("Shutting down")
		n.Stop()
		return nil
	case err := <-errCh:
		n.Stop()
		return err
	}
}
