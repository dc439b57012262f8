// Package consensus implements proof-of-work block validation, difficulty
// retargeting, and the block-assembly preparation step ("Prepare"/"Seal")
// shared by validators and miners.
package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/klingnet-core/klingnet/config"
	"github.com/klingnet-core/klingnet/pkg/block"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet difficulty target")
	ErrBadBits          = errors.New("block bits field is invalid")
	ErrBadDifficulty    = errors.New("block difficulty does not match expected")
	ErrNoOracleHandle   = errors.New("no hash-oracle handle cached for this epoch")
)

// maxUint256 is 2^256 - 1, the ceiling a compact target can represent.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// EpochLength is the number of blocks between hash-oracle reseeds.
const EpochLength = 2048

// EpochSeedHeight returns the height of the block whose hash seeds the
// oracle epoch containing tipHeight.
func EpochSeedHeight(tipHeight uint64) uint64 {
	return (tipHeight / EpochLength) * EpochLength
}

// Handle is an opaque, oracle-specific context produced by HashOracle.Init.
// Its shape is owned entirely by the oracle implementation.
type Handle interface{}

// HashOracle stands in for the proof-of-work hash primitive itself, which
// is out of scope for this module (see pow_init/pow_hash in the external
// interfaces). Init derives a handle from an epoch seed; Hash evaluates the
// PoW function for that handle over an arbitrary byte string. Both must be
// pure functions of their inputs so that verification is reproducible.
type HashOracle interface {
	Init(seed []byte) (Handle, error)
	Hash(handle Handle, data []byte) [32]byte
}

// CompactToTarget expands a compact "bits" encoding into a 256-bit target,
// using the classic base-256 floating point layout: the high byte is an
// exponent, the low three bytes are the mantissa.
func CompactToTarget(bits uint32) *big.Int {
	exponent := bits >> 24
	mantissa := bits & 0x007fffff
	if bits&0x00800000 != 0 {
		// Negative mantissa is not a valid target.
		return big.NewInt(0)
	}
	target := new(big.Int).SetInt64(int64(mantissa))
	switch {
	case exponent <= 3:
		target.Rsh(target, uint(8*(3-exponent)))
	default:
		target.Lsh(target, uint(8*(exponent-3)))
	}
	return target
}

// TargetToCompact condenses a 256-bit target into its compact "bits" form.
func TargetToCompact(target *big.Int) uint32 {
	if target.Sign() <= 0 {
		return 0
	}
	b := target.Bytes()
	exponent := len(b)

	var mantissa uint32
	if exponent <= 3 {
		shifted := new(big.Int).Lsh(target, uint(8*(3-exponent)))
		mantissa = uint32(shifted.Uint64())
	} else {
		shifted := new(big.Int).Rsh(target, uint(8*(exponent-3)))
		mantissa = uint32(shifted.Uint64())
	}

	// The mantissa's high bit doubles as a sign bit; if it's set, shift
	// down a byte and bump the exponent to keep the target positive.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}
	return uint32(exponent)<<24 | mantissa
}

// PoW implements proof-of-work consensus over a pluggable HashOracle.
// It caches at most two oracle handles at a time — the current epoch and
// the next one — so that validation never blocks on Init() at an epoch
// boundary.
type PoW struct {
	Oracle HashOracle

	// Threads controls the number of parallel mining goroutines used by
	// Seal. 0 or 1 = single-threaded.
	Threads int

	mu         sync.RWMutex
	curEpoch   uint64
	curHandle  Handle
	haveCur    bool
	nextEpoch  uint64
	nextHandle Handle
	haveNext   bool
}

// NewPoW creates a PoW engine bound to the given hash oracle.
func NewPoW(oracle HashOracle) *PoW {
	return &PoW{Oracle: oracle}
}

// Reseed installs the oracle handle for the epoch starting at
// epochSeedHeight, derived from seed (the hash of the block at that height).
// It becomes the "current" handle used by VerifyHeader/Seal.
func (p *PoW) Reseed(epochSeedHeight uint64, seed []byte) error {
	handle, err := p.Oracle.Init(seed)
	if err != nil {
		return fmt.Errorf("consensus: init hash oracle: %w", err)
	}
	p.mu.Lock()
	p.curEpoch, p.curHandle, p.haveCur = epochSeedHeight, handle, true
	p.mu.Unlock()
	return nil
}

// PrepareNextEpoch pre-derives the handle for the epoch following the
// current one, so Reseed at the boundary is instant.
func (p *PoW) PrepareNextEpoch(epochSeedHeight uint64, seed []byte) error {
	handle, err := p.Oracle.Init(seed)
	if err != nil {
		return fmt.Errorf("consensus: init next hash oracle: %w", err)
	}
	p.mu.Lock()
	p.nextEpoch, p.nextHandle, p.haveNext = epochSeedHeight, handle, true
	p.mu.Unlock()
	return nil
}

// PromoteNextEpoch moves the pre-derived next-epoch handle into the current
// slot, avoiding a redundant Init call when the boundary is actually crossed.
func (p *PoW) PromoteNextEpoch() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveNext {
		return false
	}
	p.curEpoch, p.curHandle, p.haveCur = p.nextEpoch, p.nextHandle, true
	p.haveNext = false
	return true
}

func (p *PoW) handleFor(epoch uint64) (Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.haveCur && epoch == p.curEpoch {
		return p.curHandle, nil
	}
	if p.haveNext && epoch == p.nextEpoch {
		return p.nextHandle, nil
	}
	return nil, fmt.Errorf("%w: epoch seed height %d", ErrNoOracleHandle, epoch)
}

// VerifyHeader checks that the block header hash, evaluated by the oracle
// handle for its height's epoch, meets the target encoded in header.Bits.
func (p *PoW) VerifyHeader(header *block.Header, height uint64) error {
	target := CompactToTarget(header.Bits)
	if target.Sign() <= 0 {
		return ErrBadBits
	}
	handle, err := p.handleFor(EpochSeedHeight(height))
	if err != nil {
		return err
	}
	hash := p.Oracle.Hash(handle, header.CanonicalEncode())
	hashInt := new(big.Int).SetBytes(hash[:])
	if hashInt.Cmp(target) > 0 {
		return ErrInsufficientWork
	}
	return nil
}

// Seal mines the block by iterating the nonce until the header hash, under
// the oracle handle for its height's epoch, meets header.Bits.
func (p *PoW) Seal(blk *block.Block, height uint64) error {
	return p.SealWithCancel(context.Background(), blk, height)
}

// SealWithCancel mines with cancellation support. If Threads > 1, mining
// runs in parallel goroutines over a strided partition of the nonce space.
func (p *PoW) SealWithCancel(ctx context.Context, blk *block.Block, height uint64) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	target := CompactToTarget(blk.Header.Bits)
	if target.Sign() <= 0 {
		return ErrBadBits
	}
	handle, err := p.handleFor(EpochSeedHeight(height))
	if err != nil {
		return err
	}

	if p.Threads > 1 {
		return p.sealParallel(ctx, blk, target, handle, p.Threads)
	}
	return p.sealSingle(ctx, blk, target, handle)
}

// headerPrefix returns the header's canonical encoding without the trailing
// 8-byte nonce, so a mining loop can append+hash just the nonce per try.
func headerPrefix(h *block.Header) []byte {
	return h.CanonicalEncode()[:block.HeaderSize-8]
}

func (p *PoW) sealSingle(ctx context.Context, blk *block.Block, target *big.Int, handle Handle) error {
	prefix := headerPrefix(blk.Header)
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	hashInt := new(big.Int)

	for nonce := uint64(0); ; nonce++ {
		if nonce&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
		hash := p.Oracle.Hash(handle, buf)
		hashInt.SetBytes(hash[:])
		if hashInt.Cmp(target) <= 0 {
			blk.Header.Nonce = nonce
			return nil
		}
		if nonce == ^uint64(0) {
			return fmt.Errorf("nonce space exhausted")
		}
	}
}

func (p *PoW) sealParallel(ctx context.Context, blk *block.Block, target *big.Int, handle Handle, threads int) error {
	prefix := headerPrefix(blk.Header)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		nonce uint64
		err   error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		startNonce := uint64(i)
		stride := uint64(threads)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(prefix)+8)
			copy(buf, prefix)
			hashInt := new(big.Int)

			for nonce := startNonce; ; nonce += stride {
				if (nonce/stride)&0xFFFF == 0 && nonce > 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}

				binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
				hash := p.Oracle.Hash(handle, buf)
				hashInt.SetBytes(hash[:])
				if hashInt.Cmp(target) <= 0 {
					select {
					case found <- result{nonce: nonce}:
					default:
					}
					cancel()
					return
				}

				if nonce > ^uint64(0)-stride {
					select {
					case found <- result{err: fmt.Errorf("nonce space exhausted")}:
					default:
					}
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			return fmt.Errorf("nonce space exhausted")
		}
		if r.err != nil {
			return r.err
		}
		blk.Header.Nonce = r.nonce
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prepare sets the block header's bits field for mining at the given
// height, deriving it from chain history via ExpectedBits.
func (p *PoW) Prepare(header *block.Header, height uint64, prevBits, genesisBits uint32, getTimestamp func(uint64) (uint64, error)) {
	header.Bits = ExpectedBits(height, prevBits, genesisBits, getTimestamp)
}

// ShouldAdjust returns true if the difficulty retargets at this height.
func ShouldAdjust(height uint64) bool {
	return height > 0 && height%config.DifficultyWindow == 0
}

// ExpectedBits computes the correct bits value for a block at the given
// height. prevBits is the bits field from the block at height-1.
func ExpectedBits(height uint64, prevBits, genesisBits uint32, getTimestamp func(uint64) (uint64, error)) uint32 {
	if height == 0 {
		return genesisBits
	}
	if !ShouldAdjust(height) {
		return prevBits
	}

	window := uint64(config.DifficultyWindow)
	// Start from the block before the window so it spans DifficultyWindow
	// intervals; the first window starts at genesis and has one fewer.
	start := height - window
	if start > 0 {
		start--
	}
	startTS, err := getTimestamp(start)
	if err != nil {
		return prevBits
	}
	endTS, err := getTimestamp(height - 1)
	if err != nil {
		return prevBits
	}

	actual := int64(endTS - startTS)
	expected := int64(window) * int64(config.TargetBlockTime)
	return CalcNextBits(prevBits, actual, expected, genesisBits)
}

// VerifyDifficulty checks that a block header's stated bits match the
// expected value computed from chain history at the given height.
func VerifyDifficulty(header *block.Header, height uint64, prevBits, genesisBits uint32, getTimestamp func(uint64) (uint64, error)) error {
	expected := ExpectedBits(height, prevBits, genesisBits, getTimestamp)
	if header.Bits != expected {
		return fmt.Errorf("%w: height %d has bits %#08x, want %#08x",
			ErrBadDifficulty, height, header.Bits, expected)
	}
	return nil
}

// CalcNextBits computes the retargeted bits after a difficulty window,
// clamping the effective time span to [expected/DifficultyClamp,
// expected*DifficultyClamp] so a single window can never move difficulty by
// more than that factor in either direction. The resulting target is then
// clamped to [1, max_target], where max_target is the genesis target (bits
// difficulty 1, the deployment's easiest allowed difficulty) — a sustained
// slow-block window must never retarget the network easier than genesis.
func CalcNextBits(currentBits uint32, actualTimeSpan, expectedTimeSpan int64, genesisBits uint32) uint32 {
	if actualTimeSpan <= 0 {
		actualTimeSpan = 1
	}
	if expectedTimeSpan <= 0 {
		expectedTimeSpan = 1
	}

	minSpan := expectedTimeSpan / config.DifficultyClamp
	maxSpan := expectedTimeSpan * config.DifficultyClamp
	if minSpan == 0 {
		minSpan = 1
	}
	if actualTimeSpan < minSpan {
		actualTimeSpan = minSpan
	}
	if actualTimeSpan > maxSpan {
		actualTimeSpan = maxSpan
	}

	oldTarget := CompactToTarget(currentBits)
	if oldTarget.Sign() <= 0 {
		oldTarget = new(big.Int).Set(maxUint256)
	}

	newTarget := new(big.Int).Mul(oldTarget, big.NewInt(actualTimeSpan))
	newTarget.Div(newTarget, big.NewInt(expectedTimeSpan))

	if newTarget.Sign() <= 0 {
		newTarget.SetInt64(1)
	}
	if newTarget.Cmp(maxUint256) > 0 {
		newTarget.Set(maxUint256)
	}

	maxTarget := CompactToTarget(genesisBits)
	if maxTarget.Sign() > 0 && newTarget.Cmp(maxTarget) > 0 {
		newTarget.Set(maxTarget)
	}

	return TargetToCompact(newTarget)
}

// workBase is 2^256, the dividend used to convert a compact target into an
// expected-hashes-to-find figure.
var workBase = new(big.Int).Lsh(big.NewInt(1), 256)

// Work returns a block's contribution to cumulative chain work: the expected
// number of hashes needed to find a header meeting bits, computed as
// 2^256 / (target+1). Fork choice sums this across a branch rather than
// comparing bits directly, since lower targets (harder blocks) must count
// for more even when a retarget briefly lengthens the easier branch.
func Work(bits uint32) *big.Int {
	target := CompactToTarget(bits)
	if target.Sign() <= 0 {
		return big.NewInt(0)
	}
	denom := new(big.Int).Add(target, big.NewInt(1))
	return new(big.Int).Div(workBase, denom)
}
