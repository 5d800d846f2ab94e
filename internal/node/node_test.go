package node

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-ledger/config"
	"github.com/Klingon-tech/klingnet-ledger/pkg/crypto"
	"github.com/Klingon-tech/klingnet-ledger/pkg/types"
)

func writeKey(t *testing.T, dir string) (string, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	path := filepath.Join(dir, "miner.key")
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key.Serialize())+"\n"), 0600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path, key
}

func TestLoadKey(t *testing.T) {
	path, key := writeKey(t, t.TempDir())

	loaded, err := loadKey(path)
	if err != nil {
		t.Fatalf("loadKey() error: %v", err)
	}
	if hex.EncodeToString(loaded.Serialize()) != hex.EncodeToString(key.Serialize()) {
		t.Errorf("key mismatch: got %x, want %x", loaded.Serialize(), key.Serialize())
	}
}

func TestLoadKey_Missing(t *testing.T) {
	if _, err := loadKey("/nonexistent/path"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadKey_InvalidHex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	if err := os.WriteFile(path, []byte("not-hex-data"), 0600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	if _, err := loadKey(path); err == nil {
		t.Fatal("expected error for invalid hex")
	}
}

func TestResolveCoinbase(t *testing.T) {
	addr, err := types.EncodeAddress(types.RegnetHRP, make([]byte, types.AddressPayloadSize))
	if err != nil {
		t.Fatalf("EncodeAddress() error: %v", err)
	}
	got, err := ResolveCoinbase(config.MiningConfig{Coinbase: addr}, types.RegnetHRP)
	if err != nil {
		t.Fatalf("ResolveCoinbase() error: %v", err)
	}
	if got != addr {
		t.Errorf("ResolveCoinbase() = %s, want %s", got, addr)
	}

	if _, err := ResolveCoinbase(config.MiningConfig{Coinbase: addr}, types.MainnetHRP); err == nil {
		t.Error("expected error for address with the wrong prefix")
	}

	path, key := writeKey(t, t.TempDir())
	want, err := crypto.Blake3Deriver{}.DeriveAddress(key.PublicKey(), types.RegnetHRP)
	if err != nil {
		t.Fatalf("DeriveAddress() error: %v", err)
	}
	got, err = ResolveCoinbase(config.MiningConfig{KeyFile: path}, types.RegnetHRP)
	if err != nil {
		t.Fatalf("ResolveCoinbase(key) error: %v", err)
	}
	if got != want {
		t.Errorf("ResolveCoinbase(key) = %s, want %s", got, want)
	}

	got, err = ResolveCoinbase(config.MiningConfig{}, types.RegnetHRP)
	if err != nil || got != "" {
		t.Errorf("ResolveCoinbase(none) = %q, %v; want empty", got, err)
	}
}

func TestParamConversion(t *testing.T) {
	net := config.RegnetParams()
	p := powParams(net.PoW)
	if err := p.Validate(); err != nil {
		t.Fatalf("powParams() invalid: %v", err)
	}
	if p.BlockTime != net.PoW.BlockTime || p.MaxDrift != net.PoW.MaxDrift {
		t.Errorf("powParams() = %+v, want fields of %+v", p, net.PoW)
	}
	if err := poolPolicy(net.Standard).Check(); err != nil {
		t.Fatalf("poolPolicy() invalid: %v", err)
	}
	if fm := feeModel(net.Fees); fm.TaxBP != net.Fees.TaxBP || fm.MinFee != net.Fees.MinFee {
		t.Errorf("feeModel() = %+v, want fields of %+v", fm, net.Fees)
	}
}

func testConfig(t *testing.T, dataDir string) *config.Config {
	t.Helper()
	cfg := config.Default(config.Regnet)
	cfg.DataDir = dataDir
	cfg.Storage.SegmentSize = 1 << 20
	return cfg
}

func TestNodeMiningRequiresCoinbase(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Mining.Enabled = true
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error when mining without a coinbase")
	}
}

func TestNodeLifecycle(t *testing.T) {
	dataDir := t.TempDir()
	keyPath, _ := writeKey(t, dataDir)

	cfg := testConfig(t, dataDir)
	cfg.Mining.Enabled = true
	cfg.Mining.KeyFile = keyPath

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if n.Coinbase() == "" {
		t.Fatal("coinbase not resolved from key file")
	}
	if err := n.Start(); err != nil {
		n.Stop()
		t.Fatalf("Start() error: %v", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for n.Height() < 3 {
		if time.Now().After(deadline) {
			n.Stop()
			t.Fatalf("height %d after deadline, want >= 3", n.Height())
		}
		time.Sleep(10 * time.Millisecond)
	}
	n.Stop()

	height := n.Height()
	tip := n.Chain().TipHash()

	// Reopen read-only and rebuild the indexes from the block log.
	cfg2 := testConfig(t, dataDir)
	cfg2.Reindex = true
	n2, err := New(cfg2)
	if err != nil {
		t.Fatalf("New(reopen) error: %v", err)
	}
	defer n2.Stop()

	if n2.Height() != height {
		t.Errorf("reopened height = %d, want %d", n2.Height(), height)
	}
	if n2.Chain().TipHash() != tip {
		t.Errorf("reopened tip = %s, want %s", n2.Chain().TipHash(), tip)
	}
	supply, err := n2.Chain().Blocks().TotalMinedSupply()
	if err != nil {
		t.Fatalf("TotalMinedSupply() error: %v", err)
	}
	if want := (height + 1) * n2.Network().BlockReward; supply != want {
		t.Errorf("supply = %d, want %d", supply, want)
	}
	if err := n2.Start(); err != nil {
		t.Fatalf("Start(reopen) error: %v", err)
	}
}

func TestNodeEmptyChainWithoutCoinbase(t *testing.T) {
	n, err := New(testConfig(t, t.TempDir()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := n.Start(); err != nil {
		n.Stop()
		t.Fatalf("Start() error: %v", err)
	}
	if !n.Chain().State().IsEmpty() {
		t.Error("chain should stay empty without a coinbase")
	}
	n.Stop()
	if err := n.Wait(); err != nil {
		t.Errorf("Wait() error: %v", err)
	}
}
