package tx

import (
	"fmt"
	"math"
	"math/bits"
)

// PaymentType selects the fee schedule for a transaction.
type PaymentType uint8

// Payment types.
const (
	PaymentStandard PaymentType = iota
	PaymentSmart
	PaymentInstant
)

// PaymentTypeOf maps a transaction kind to its payment type.
func PaymentTypeOf(t Type) PaymentType {
	switch t {
	case TypeSmart:
		return PaymentSmart
	case TypeInstant:
		return PaymentInstant
	default:
		return PaymentStandard
	}
}

// FeeBreakdown splits a fee into the network tax and the miner share.
// Tax + Miner == Base.
type FeeBreakdown struct {
	Base  uint64 `json:"base_fee"`
	Tax   uint64 `json:"tax_fee"`
	Miner uint64 `json:"miner_fee"`
}

// FeeModel computes required fees.
type FeeModel interface {
	CalculateFee(blockSize int, payment PaymentType, amount uint64, txSize int) (uint64, error)
	CalculateFeeAndTax(blockSize int, payment PaymentType, amount uint64, txSize int) (FeeBreakdown, error)
}

// basisPoints is the denominator of all rate fields.
const basisPoints = 10_000

// LinearFeeModel charges a per-byte rate with a floor, a proportional amount
// component and a congestion surcharge that grows with the block size.
type LinearFeeModel struct {
	MinFee            uint64 // floor in base units
	PerByte           uint64 // base units per byte
	AmountBP          uint64 // basis points of the transferred amount
	TaxBP             uint64 // share of the fee that goes to the network fund
	SmartMultiplier   uint64 // percent, 100 = no change
	InstantMultiplier uint64 // percent, 100 = no change
	CongestionBytes   uint64 // block size at which the fee doubles; 0 disables
}

// CalculateFee returns the required fee.
func (m LinearFeeModel) CalculateFee(blockSize int, payment PaymentType, amount uint64, txSize int) (uint64, error) {
	if txSize < 0 || blockSize < 0 {
		return 0, fmt.Errorf("negative size: block=%d tx=%d", blockSize, txSize)
	}
	fee, err := mulDiv(uint64(txSize), m.PerByte, 1)
	if err != nil {
		return 0, err
	}
	prop, err := mulDiv(amount, m.AmountBP, basisPoints)
	if err != nil {
		return 0, err
	}
	if fee, err = addChecked(fee, prop); err != nil {
		return 0, err
	}
	if fee < m.MinFee {
		fee = m.MinFee
	}

	mult := uint64(100)
	switch payment {
	case PaymentSmart:
		mult = m.SmartMultiplier
	case PaymentInstant:
		mult = m.InstantMultiplier
	}
	if mult == 0 {
		mult = 100
	}
	if fee, err = mulDiv(fee, mult, 100); err != nil {
		return 0, err
	}

	if m.CongestionBytes > 0 && blockSize > 0 {
		surcharge, err := mulDiv(fee, uint64(blockSize), m.CongestionBytes)
		if err != nil {
			return 0, err
		}
		if fee, err = addChecked(fee, surcharge); err != nil {
			return 0, err
		}
	}
	return fee, nil
}

// CalculateFeeAndTax returns the required fee split into tax and miner share.
func (m LinearFeeModel) CalculateFeeAndTax(blockSize int, payment PaymentType, amount uint64, txSize int) (FeeBreakdown, error) {
	fee, err := m.CalculateFee(blockSize, payment, amount, txSize)
	if err != nil {
		return FeeBreakdown{}, err
	}
	return SplitFee(fee, m.TaxBP)
}

// SplitFee divides fee by a tax rate in basis points.
func SplitFee(fee, taxBP uint64) (FeeBreakdown, error) {
	if taxBP > basisPoints {
		return FeeBreakdown{}, fmt.Errorf("tax rate %d exceeds %d basis points", taxBP, basisPoints)
	}
	tax, err := mulDiv(fee, taxBP, basisPoints)
	if err != nil {
		return FeeBreakdown{}, err
	}
	return FeeBreakdown{Base: fee, Tax: tax, Miner: fee - tax}, nil
}

// mulDiv computes a*b/d with a 128-bit intermediate.
func mulDiv(a, b, d uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		return 0, fmt.Errorf("fee overflow: %d*%d/%d", a, b, d)
	}
	q, _ := bits.Div64(hi, lo, d)
	return q, nil
}

func addChecked(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, fmt.Errorf("fee overflow: %d+%d", a, b)
	}
	return a + b, nil
}

// CompareFeeRate compares feeA/sizeA to feeB/sizeB without rounding.
// It returns -1, 0 or 1.
func CompareFeeRate(feeA uint64, sizeA int, feeB uint64, sizeB int) int {
	if sizeA <= 0 {
		sizeA = 1
	}
	if sizeB <= 0 {
		sizeB = 1
	}
	ahi, alo := bits.Mul64(feeA, uint64(sizeB))
	bhi, blo := bits.Mul64(feeB, uint64(sizeA))
	switch {
	case ahi < bhi || (ahi == bhi && alo < blo):
		return -1
	case ahi == bhi && alo == blo:
		return 0
	default:
		return 1
	}
}

// MeetsFeeRate reports whether fee/size >= rate.
func MeetsFeeRate(fee uint64, size int, rate uint64) bool {
	if size <= 0 {
		size = 1
	}
	hi, lo := bits.Mul64(rate, uint64(size))
	return hi == 0 && fee >= lo
}
