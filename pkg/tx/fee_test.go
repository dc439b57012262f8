package tx

import "testing"

func TestEstimateTxFee(t *testing.T) {
	const overhead = 4 + 1 + 1 + 4
	const perInput = 32 + 4 + 1 + 97 + 4
	const perOutput = 8 + 1 + 1 + 20

	tests := []struct {
		name       string
		numInputs  int
		numOutputs int
		feeRate    uint64
	}{
		{"zero rate", 1, 2, 0},
		{"simple 1-in 2-out", 1, 2, 10},
		{"2-in 2-out", 2, 2, 10},
		{"consolidate 10-in 1-out", 10, 1, 10},
		{"rate 1", 1, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := uint64(overhead+perInput*tt.numInputs+perOutput*tt.numOutputs) * tt.feeRate
			got := EstimateTxFee(tt.numInputs, tt.numOutputs, tt.feeRate)
			if got != want {
				t.Errorf("EstimateTxFee(%d, %d, %d) = %d, want %d",
					tt.numInputs, tt.numOutputs, tt.feeRate, got, want)
			}
		})
	}
}

func TestRequiredFee(t *testing.T) {
	tx := sampleTx()
	size := tx.SerializedSize()
	got := RequiredFee(tx, 5)
	if got != uint64(size)*5 {
		t.Errorf("RequiredFee = %d, want %d", got, uint64(size)*5)
	}
}

func TestFeeRate(t *testing.T) {
	if got := FeeRate(100, 50); got != 2 {
		t.Errorf("FeeRate(100, 50) = %d, want 2", got)
	}
	if got := FeeRate(100, 0); got != 0 {
		t.Errorf("FeeRate(100, 0) = %d, want 0", got)
	}
}
