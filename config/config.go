// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Network parameters: selected by name, fixed per network, must match
//     every node that reads the same data directory
//   - Node settings: runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ardanlabs/conf/v3"
)

// NetworkType identifies mainnet, testnet or regnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Regnet  NetworkType = "regnet"
)

// EnvPrefix is the environment prefix read by conf (LEDGER_MINING_ENABLED).
const EnvPrefix = "LEDGER"

// ConfigFileName is the name of the node config file inside the data dir.
const ConfigFileName = "ledger.conf"

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration. Defaults, environment
// variables and flags are applied by conf.Parse; the key = value file is
// layered underneath the environment (see ExportFileEnv).
type Config struct {
	conf.Version

	// Core
	Network string `conf:"default:mainnet,help:mainnet testnet or regnet" validate:"oneof=mainnet testnet regnet"`
	DataDir string `conf:"help:data directory"`
	Config  string `conf:"help:path to a key = value config file"`

	// Mining (operational, not consensus rules)
	Mining MiningConfig

	// Storage tuning
	Storage StorageConfig

	// Logging
	Log LogConfig

	// Metrics endpoint
	Metrics MetricsConfig

	// Maintenance
	Reindex bool `conf:"help:rebuild the indexes from the block log at startup"`
}

// MiningConfig holds block production settings.
type MiningConfig struct {
	Enabled  bool          `conf:"default:false"`
	Coinbase string        `conf:"help:address that receives block rewards" validate:"omitempty,max=128"`
	KeyFile  string        `conf:"help:hex private key file used to derive the coinbase address"`
	Threads  int           `conf:"default:1" validate:"gte=1,lte=256"`
	Interval time.Duration `conf:"default:0s,help:pause between produced blocks" validate:"gte=0"`
}

// StorageConfig holds storage engine settings.
type StorageConfig struct {
	SyncWrites  bool   `conf:"default:false,help:fsync badger and block log on every write"`
	SegmentSize uint32 `conf:"default:134217728,help:block log segment size in bytes" validate:"gte=1048576"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"default:info" validate:"oneof=trace debug info warn error"`
	File  string
	JSON  bool `conf:"default:false"`
}

// MetricsConfig holds the Prometheus endpoint settings. An empty Addr
// disables the endpoint.
type MetricsConfig struct {
	Addr string `conf:"help:listen address of the /metrics endpoint" validate:"omitempty,hostname_port"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet-ledger
//	macOS:   ~/Library/Application Support/KlingnetLedger
//	Windows: %APPDATA%\KlingnetLedger
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet-ledger"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingnetLedger")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "KlingnetLedger")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingnetLedger")
	default:
		return filepath.Join(home, ".klingnet-ledger")
	}
}

// NetworkType returns the selected network.
func (c *Config) NetworkType() NetworkType {
	return NetworkType(c.Network)
}

// ChainDataDir returns the network-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, c.Network)
}

// BlocksDir returns the block index database directory.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.ChainDataDir(), "blocks")
}

// BlockLogDir returns the directory holding block log segments.
func (c *Config) BlockLogDir() string {
	return filepath.Join(c.ChainDataDir(), "blocklog")
}

// TxIndexDir returns the transaction index database directory.
func (c *Config) TxIndexDir() string {
	return filepath.Join(c.ChainDataDir(), "txindex")
}

// UTXODir returns the UTXO database directory.
func (c *Config) UTXODir() string {
	return filepath.Join(c.ChainDataDir(), "utxo")
}

// MempoolDir returns the mempool database directory.
func (c *Config) MempoolDir() string {
	return filepath.Join(c.ChainDataDir(), "mempool")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	if c.Config != "" {
		return c.Config
	}
	return filepath.Join(c.DataDir, ConfigFileName)
}
