package tx

import (
	"testing"
)

func TestLinearFeeModel_CalculateFee(t *testing.T) {
	m := LinearFeeModel{MinFee: 100, PerByte: 2, AmountBP: 10, SmartMultiplier: 150, InstantMultiplier: 200}
	tests := []struct {
		name    string
		payment PaymentType
		amount  uint64
		size    int
		want    uint64
	}{
		{"floor applies", PaymentStandard, 0, 10, 100},
		{"per byte", PaymentStandard, 0, 300, 600},
		{"amount share", PaymentStandard, 1_000_000, 300, 600 + 1000},
		{"smart multiplier", PaymentSmart, 0, 300, 900},
		{"instant multiplier", PaymentInstant, 0, 300, 1200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.CalculateFee(0, tt.payment, tt.amount, tt.size)
			if err != nil {
				t.Fatalf("CalculateFee() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("CalculateFee() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLinearFeeModel_Congestion(t *testing.T) {
	m := LinearFeeModel{PerByte: 1, CongestionBytes: 1000}
	base, _ := m.CalculateFee(0, PaymentStandard, 0, 200)
	busy, _ := m.CalculateFee(1000, PaymentStandard, 0, 200)
	if busy != 2*base {
		t.Errorf("full block fee = %d, want %d", busy, 2*base)
	}
}

func TestLinearFeeModel_Overflow(t *testing.T) {
	m := LinearFeeModel{PerByte: ^uint64(0)}
	if _, err := m.CalculateFee(0, PaymentStandard, 0, 10); err == nil {
		t.Error("expected overflow error")
	}
}

func TestCalculateFeeAndTax(t *testing.T) {
	m := LinearFeeModel{MinFee: 1000, TaxBP: 2500}
	fb, err := m.CalculateFeeAndTax(0, PaymentStandard, 0, 1)
	if err != nil {
		t.Fatalf("CalculateFeeAndTax() error: %v", err)
	}
	if fb.Base != 1000 || fb.Tax != 250 || fb.Miner != 750 {
		t.Errorf("breakdown = %+v", fb)
	}
	if _, err := SplitFee(10, 10_001); err == nil {
		t.Error("expected error for tax rate above 100%")
	}
}

func TestCompareFeeRate(t *testing.T) {
	if CompareFeeRate(100, 10, 50, 10) != 1 {
		t.Error("10/byte should beat 5/byte")
	}
	if CompareFeeRate(100, 20, 50, 10) != 0 {
		t.Error("equal rates should compare equal")
	}
	if CompareFeeRate(1, 3, 1, 2) != -1 {
		t.Error("1/3 should be below 1/2")
	}
	if CompareFeeRate(^uint64(0), 1<<20, ^uint64(0)-1, 1<<20) != 1 {
		t.Error("large fees compared incorrectly")
	}
}

func TestMeetsFeeRate(t *testing.T) {
	if !MeetsFeeRate(100, 100, 1) {
		t.Error("100/100 should meet rate 1")
	}
	if MeetsFeeRate(99, 100, 1) {
		t.Error("99/100 should not meet rate 1")
	}
	if MeetsFeeRate(^uint64(0), 2, ^uint64(0)) {
		t.Error("overflowing requirement should not be met")
	}
}
