package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Default returns the default node configuration for the given network.
// Values mirror the conf struct tags so code that skips conf.Parse sees the
// same settings.
func Default(network NetworkType) *Config {
	return &Config{
		Network: string(network),
		DataDir: DefaultDataDir(),
		Mining: MiningConfig{
			Enabled: false,
			Threads: 1,
		},
		Storage: StorageConfig{
			SegmentSize: 128 << 20,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// Normalize fills values that have no static default and expands a leading
// "~" in path settings.
func (c *Config) Normalize() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	c.DataDir = ExpandHome(c.DataDir)
	c.Config = ExpandHome(c.Config)
	c.Log.File = ExpandHome(c.Log.File)
	c.Mining.KeyFile = ExpandHome(c.Mining.KeyFile)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
