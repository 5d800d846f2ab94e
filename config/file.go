package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// fileKey maps a config file key to the conf field path it overrides.
type fileKey struct {
	env    string // suffix after the prefix, e.g. MINING_ENABLED
	isBool bool
}

// fileKeys lists the node settings a config file may carry. Protocol
// parameters are not configurable.
var fileKeys = map[string]fileKey{
	"network":             {env: "NETWORK"},
	"datadir":             {env: "DATA_DIR"},
	"mining.enabled":      {env: "MINING_ENABLED", isBool: true},
	"mine":                {env: "MINING_ENABLED", isBool: true},
	"mining.coinbase":     {env: "MINING_COINBASE"},
	"coinbase":            {env: "MINING_COINBASE"},
	"mining.keyfile":      {env: "MINING_KEY_FILE"},
	"mining.threads":      {env: "MINING_THREADS"},
	"mining.interval":     {env: "MINING_INTERVAL"},
	"storage.syncwrites":  {env: "STORAGE_SYNC_WRITES", isBool: true},
	"storage.segmentsize": {env: "STORAGE_SEGMENT_SIZE"},
	"log.level":           {env: "LOG_LEVEL"},
	"log.file":            {env: "LOG_FILE"},
	"log.json":            {env: "LOG_JSON", isBool: true},
	"metrics.addr":        {env: "METRICS_ADDR"},
}

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments). A missing file yields
// an empty map.
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%s line %d: invalid format (expected key = value)", path, lineNum)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// EnvName returns the environment variable conf reads for a file key, or ""
// for keys the file may not set.
func EnvName(prefix, key string) string {
	k, ok := fileKeys[key]
	if !ok {
		return ""
	}
	return prefix + "_" + k.env
}

// ExportFileEnv exposes file values to conf.Parse as environment variables.
// Variables already present in the environment win, so the precedence is
// flags > environment > file > defaults. Unknown keys are ignored.
func ExportFileEnv(prefix string, values map[string]string) error {
	for key, value := range values {
		k, ok := fileKeys[key]
		if !ok {
			continue
		}
		name := prefix + "_" + k.env
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if k.isBool {
			value = strconv.FormatBool(parseBool(value))
		}
		if err := os.Setenv(name, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// FilePath finds the config file named on the command line (--config PATH or
// --config=PATH) or in the environment, before conf.Parse runs. It falls back
// to the file inside the default data directory.
func FilePath(prefix string, args []string) string {
	for i, arg := range args {
		switch {
		case arg == "--config" && i+1 < len(args):
			return ExpandHome(args[i+1])
		case strings.HasPrefix(arg, "--config="):
			return ExpandHome(strings.TrimPrefix(arg, "--config="))
		}
	}
	if v := os.Getenv(prefix + "_CONFIG"); v != "" {
		return ExpandHome(v)
	}
	return Default(Mainnet).ConfigFile()
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Klingnet Ledger Node Configuration
#
# This file contains NODE settings only. Protocol parameters (block time,
# targets, reward, fees) are fixed per network.
#
# Environment variables (` + EnvPrefix + `_*) and flags override this file.

# Network: mainnet, testnet or regnet
network = ` + string(network) + `

# Data directory (default: ~/.klingnet-ledger)
# datadir = ~/.klingnet-ledger

# ============================================================================
# Mining / Block Production
# ============================================================================

mining.enabled = false

# Address to receive block rewards
# mining.coinbase = <your-address>

# Or derive it from a hex private key file
# mining.keyfile = ~/.klingnet-ledger/miner.key

# mining.threads = 1
# mining.interval = 0s

# ============================================================================
# Storage
# ============================================================================

# storage.syncwrites = false
# storage.segmentsize = 134217728

# ============================================================================
# Logging / Metrics
# ============================================================================

log.level = info
# log.file =
log.json = false

# metrics.addr = 127.0.0.1:9100
`
	return os.WriteFile(path, []byte(content), 0644)
}
