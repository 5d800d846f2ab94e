package types

import (
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
)

// AddressPayloadSize is the length of the public key hash behind an address.
const AddressPayloadSize = 20

// MaxAddressLen bounds the text form of an address; the block record
// reserves this many bytes for the miner address.
const MaxAddressLen = 128

// Network address prefixes (bech32 human-readable parts).
const (
	MainnetHRP = "kln"
	TestnetHRP = "tkln"
	RegnetHRP  = "rkln"
)

// EncodeAddress builds the network-prefixed text address for a payload.
func EncodeAddress(hrp string, payload []byte) (string, error) {
	if len(payload) != AddressPayloadSize {
		return "", fmt.Errorf("address payload must be %d bytes, got %d", AddressPayloadSize, len(payload))
	}
	conv, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert bits: %w", err)
	}
	return bech32.Encode(hrp, conv)
}

// DecodeAddress splits an address into its prefix and payload.
func DecodeAddress(addr string) (string, []byte, error) {
	if addr == "" {
		return "", nil, fmt.Errorf("empty address")
	}
	if len(addr) > MaxAddressLen {
		return "", nil, fmt.Errorf("address longer than %d bytes", MaxAddressLen)
	}
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return "", nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	payload, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if len(payload) != AddressPayloadSize {
		return "", nil, fmt.Errorf("address payload must be %d bytes, got %d", AddressPayloadSize, len(payload))
	}
	return hrp, payload, nil
}

// ValidateAddress checks that addr decodes and carries the expected prefix.
func ValidateAddress(addr, hrp string) error {
	got, _, err := DecodeAddress(addr)
	if err != nil {
		return err
	}
	if got != hrp {
		return fmt.Errorf("address %q has prefix %q, want %q", addr, got, hrp)
	}
	return nil
}
