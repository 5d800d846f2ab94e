package mempool

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects which transactions a pool accepts.
type Kind uint8

// Pool kinds.
const (
	KindStandard Kind = iota
	KindSmart
)

func (k Kind) String() string {
	if k == KindSmart {
		return "smart"
	}
	return "standard"
}

// keyPrefix is the persisted keyspace of the pool.
func (k Kind) keyPrefix() []byte {
	if k == KindSmart {
		return []byte("m/smart/")
	}
	return []byte("m/std/")
}

// Status is the lifecycle state of a pending entry.
type Status uint8

// Entry states. Confirmed entries are removed, not stored.
const (
	StatusPending Status = iota
	StatusDisputed
)

func (s Status) String() string {
	if s == StatusDisputed {
		return "disputed"
	}
	return "pending"
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "pending", "":
		*s = StatusPending
	case "disputed":
		*s = StatusDisputed
	default:
		return fmt.Errorf("unknown mempool status %q", b)
	}
	return nil
}

// Policy defines admission, capacity and aging rules for one pool.
type Policy struct {
	// MaxBytes is the byte ceiling over the sizes of all entries.
	MaxBytes int
	// MinFee is the network minimum absolute fee.
	MinFee uint64
	// ProtectedFeeRate is the fee per byte at or above which entries are
	// evicted only after every cheaper candidate is gone.
	ProtectedFeeRate uint64
	// AgePriority is the number of blocks after which an entry is selected
	// ahead of higher-paying ones (0 disables).
	AgePriority uint64
	// MaxAge is the number of blocks after which an unselected entry is
	// dropped (0 disables).
	MaxAge uint64
	// Expiry removes entries admitted longer ago than this (0 disables).
	Expiry time.Duration
}

// DefaultPolicy returns a policy with sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxBytes:         8 << 20,
		MinFee:           1_000,
		ProtectedFeeRate: 10,
		AgePriority:      50,
		MaxAge:           500,
		Expiry:           72 * time.Hour,
	}
}

// Check validates the policy values.
func (p Policy) Check() error {
	if p.MaxBytes <= 0 {
		return fmt.Errorf("mempool max bytes must be > 0, got %d", p.MaxBytes)
	}
	if p.MaxAge > 0 && p.AgePriority > p.MaxAge {
		return fmt.Errorf("mempool age priority %d exceeds max age %d", p.AgePriority, p.MaxAge)
	}
	if p.Expiry < 0 {
		return fmt.Errorf("mempool expiry must be >= 0")
	}
	return nil
}
