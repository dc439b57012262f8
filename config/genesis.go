package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/klingnet-core/klingnet/pkg/crypto"
	"github.com/klingnet-core/klingnet/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^8 base units. All on-chain values are in base units.
const (
	Decimals  = 8
	Coin      = 100_000_000 // 10^8 base units per coin
	MilliCoin = 100_000     // 10^5
	MicroCoin = 100         // 10^2
)

// CoinbaseMaturity is the number of blocks a coinbase output must wait
// before it can be spent. Prevents payout loss during reorgs.
const CoinbaseMaturity uint64 = 100

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize = 1_048_576 // 1 MiB max block size (header + all tx canonical bytes)
	MaxTxSize    = 100_000   // 100 KB max transaction size

	// MaxTxInputs and MaxTxOutputs bound per-transaction input/output counts
	// so that a single pathological transaction cannot blow up validation
	// or block-assembly cost.
	MaxTxInputs  = 4_096
	MaxTxOutputs = 4_096

	// MaxScriptData bounds the locking-script payload of a single output.
	// Multisig scripts (several embedded pubkey hashes) are the largest
	// legitimate user of this space.
	MaxScriptData = 512
)

// Emission schedule.
const (
	// InitialReward is the coinbase reward (base units) at height 0, before
	// any halving has occurred.
	InitialReward uint64 = 2_710_000_000 // 27.1 coins

	// HalvingInterval is the number of blocks between reward halvings.
	HalvingInterval uint64 = 262_800

	// MaxSupply is the hard cap on total emission (base units). Once the
	// cumulative coinbase issuance would cross this cap, block_reward must
	// be clamped so that emission never exceeds it.
	MaxSupply uint64 = 1_999_999_900_000_000 // 19,999,999 coins
)

// Timestamp and difficulty-retarget rules.
const (
	// TargetBlockTime is the desired number of seconds between blocks.
	TargetBlockTime = 450

	// MedianTimeSpan is the number of preceding block timestamps used to
	// compute a block's median-time-past floor.
	MedianTimeSpan = 11

	// FutureTimeLimit is how far into the future (seconds, relative to the
	// validator's wall clock) a block timestamp may be before it is rejected.
	FutureTimeLimit = 7200

	// DifficultyWindow is the number of blocks over which the next target is
	// retargeted.
	DifficultyWindow = 10

	// DifficultyClamp bounds how much the retargeted interval may differ
	// from the ideal window (never adjust by more than this factor in
	// either direction).
	DifficultyClamp = 4
)

// MinRelayFeeRate is the network-wide minimum fee rate (base units per byte
// of canonical-encoded size) a transaction must pay to be relayed or mined.
// Individual deployments may publish a higher default via genesis.
const MinRelayFeeRate = 1

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"`

	// Genesis block
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// GenesisBits is the compact-encoded starting PoW target. There is no
	// canonical value in the protocol itself; each deployment fixes one at
	// launch and it becomes immutable history from that point on.
	GenesisBits uint32 `json:"genesis_bits"`

	// Initial allocations (address -> balance in base units). Genesis
	// allocations are minted directly into the UTXO set at height 0 and do
	// not count against MaxSupply in the same way coinbase issuance does;
	// they are nonetheless bounded by it for sanity.
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ForkSchedule defines block heights at which protocol upgrades activate.
// A zero value means the fork is not scheduled.
type ForkSchedule struct {
	// Future forks are added here as fields. Example:
	// ScriptEngineHeight uint64 `json:"script_engine_height,omitempty"`
}

// IsActive returns true if a fork at forkHeight has activated at currentHeight.
// Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint64) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	Consensus ConsensusRules `json:"consensus"`
	Forks     ForkSchedule   `json:"forks,omitempty"`
}

// ConsensusRules defines how blocks are produced and validated.
type ConsensusRules struct {
	// InitialDifficultyBits is the compact target new nodes start from if
	// they do not derive it from GenesisBits directly (kept for explicitness
	// in published genesis files).
	InitialDifficultyBits uint32 `json:"initial_difficulty_bits"`

	// BlockTime is the target number of seconds between blocks.
	BlockTime int `json:"block_time"`

	// InitialReward and HalvingInterval mirror the package constants but are
	// published in genesis so alternate deployments can retune them.
	InitialReward   uint64 `json:"initial_reward"`
	HalvingInterval uint64 `json:"halving_interval"`
	MaxSupply       uint64 `json:"max_supply"`

	// MinFeeRate is the minimum fee rate (base units per byte) this
	// deployment requires for relay/mining, defaulting to MinRelayFeeRate.
	MinFeeRate uint64 `json:"min_fee_rate"`
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:     "klingnet-mainnet-1",
		ChainName:   "Klingnet Mainnet",
		Symbol:      "KGX",
		Timestamp:   1770734103, // 2026-02-10
		ExtraData:   "Klingnet Genesis",
		GenesisBits: 0x1e0ffff0,
		Alloc:       map[string]uint64{},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				InitialDifficultyBits: 0x1e0ffff0,
				BlockTime:             TargetBlockTime,
				InitialReward:         InitialReward,
				HalvingInterval:       HalvingInterval,
				MaxSupply:             MaxSupply,
				MinFeeRate:            MinRelayFeeRate,
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "klingnet-testnet-1"
	g.ChainName = "Klingnet Testnet"
	g.ExtraData = "Klingnet Testnet Genesis"

	// Much easier starting target so testnet blocks can be mined on a
	// laptop CPU.
	g.GenesisBits = 0x1f00ffff
	g.Protocol.Consensus.InitialDifficultyBits = g.GenesisBits
	g.Protocol.Consensus.MinFeeRate = 0 // no relay floor on testnet

	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	if g.GenesisBits == 0 {
		return fmt.Errorf("genesis_bits is required")
	}

	if g.Protocol.Consensus.BlockTime <= 0 {
		return fmt.Errorf("block_time must be positive")
	}

	if g.Protocol.Consensus.InitialReward == 0 {
		return fmt.Errorf("initial_reward must be positive")
	}

	var totalAlloc uint64
	for addrStr, v := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		totalAlloc += v
	}
	if g.Protocol.Consensus.MaxSupply > 0 && totalAlloc > g.Protocol.Consensus.MaxSupply {
		return fmt.Errorf("genesis allocations (%d) exceed max_supply (%d)",
			totalAlloc, g.Protocol.Consensus.MaxSupply)
	}

	return nil
}

// Hash returns the h256 digest of the genesis configuration. Used to
// identify the chain and detect genesis mismatches between peers.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash256(data), nil
}

// BlockReward computes the coinbase reward for a block at the given height,
// applying the halving schedule and flooring at zero once emission is
// exhausted.
func (g *Genesis) BlockReward(height uint64) uint64 {
	return RewardAt(height, g.Protocol.Consensus.InitialReward, g.Protocol.Consensus.HalvingInterval)
}

// RewardAt computes block_reward(height) = floor(initial / 2^(height/interval)).
// An interval of 0 disables halving (constant reward forever).
func RewardAt(height, initial, interval uint64) uint64 {
	if interval == 0 {
		return initial
	}
	epoch := height / interval
	if epoch >= 64 {
		return 0
	}
	return initial >> epoch
}
