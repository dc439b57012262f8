package tx

// MinRelayFeeRate is the default minimum fee-per-byte a transaction must pay
// to be admitted into the mempool (ErrorKind FeeTooLow). Overridable via
// config.MempoolConfig.MinRelayFeeRate; the spec leaves the exact rate to
// implementers to choose and publish (design note, Open Questions).
const MinRelayFeeRate = 1 // base units per byte

// EstimateTxFee returns the minimum fee for a transaction with the given
// number of inputs and outputs at the given fee rate (base units per byte),
// based on the CanonicalEncode layout.
//
// By default, perOutput = 30 (8 value + 1 varint len + 1 type + 20 P2PKH
// addr); extraOutputBytes adds to each output.
func EstimateTxFee(numInputs, numOutputs int, feeRate uint64, extraOutputBytes ...int) uint64 {
	const overhead = 4 + 1 + 1 + 4            // version + in_count varint + out_count varint + locktime
	const perInput = 32 + 4 + 1 + 97 + 4      // txid + vout + scriptlen + sig(64)+pubkey(33) + sequence
	const perOutput = 8 + 1 + 1 + 20          // value + scriptlen varint + scripttype + P2PKH addr

	extra := 0
	if len(extraOutputBytes) > 0 {
		extra = extraOutputBytes[0]
	}

	size := overhead + perInput*numInputs + (perOutput+extra)*numOutputs
	return uint64(size) * feeRate
}

// RequiredFee returns the exact minimum fee for a fully built transaction at
// the given fee rate (base units per byte of CanonicalEncode).
func RequiredFee(transaction *Transaction, feeRate uint64) uint64 {
	return uint64(transaction.SerializedSize()) * feeRate
}

// FeeRate returns fee / size in base units per byte, for mempool ordering.
func FeeRate(fee uint64, size int) uint64 {
	if size <= 0 {
		return 0
	}
	return fee / uint64(size)
}
