// Package node wires together storage, the UTXO set, the chain state
// machine, the mempool, and the block-assembly miner into a single
// runnable proof-of-work chain node. It owns their lifecycle but not their
// semantics — all consensus and validation logic lives in internal/chain
// and internal/consensus.
//
// The proof-of-work hash primitive itself is out of scope for this module
// (see internal/consensus.HashOracle): callers supply a concrete oracle to
// New, and this package only drives epoch reseeding and block sealing
// around it.
package node

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/klingnet-core/klingnet/config"
	"github.com/klingnet-core/klingnet/internal/chain"
	"github.com/klingnet-core/klingnet/internal/consensus"
	klog "github.com/klingnet-core/klingnet/internal/log"
	"github.com/klingnet-core/klingnet/internal/mempool"
	"github.com/klingnet-core/klingnet/internal/miner"
	"github.com/klingnet-core/klingnet/internal/storage"
	"github.com/klingnet-core/klingnet/internal/utxo"
	"github.com/klingnet-core/klingnet/pkg/block"
	"github.com/klingnet-core/klingnet/pkg/tx"
	"github.com/klingnet-core/klingnet/pkg/types"
	"github.com/rs/zerolog"
)

// Node is a fully-initialized proof-of-work chain node: storage, UTXO set,
// chain state machine, mempool, and (optionally) a miner. It has no
// transport surface of its own — ingestion of blocks and transactions
// produced elsewhere (P2P gossip, RPC, a test harness) happens through
// SubmitBlock/SubmitTransaction.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	db        storage.DB
	utxoStore *utxo.Store
	pow       *consensus.PoW
	ch        *chain.Chain
	pool      *mempool.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node: logger, genesis, storage,
// consensus engine, chain, and mempool. It does not start background
// goroutines (mining) — call Start for that.
//
// oracle is the proof-of-work hash primitive. Its implementation is out of
// scope for this module; New only seeds its genesis epoch and drives
// reseeding as the chain advances past epoch boundaries.
func New(cfg *config.Config, oracle consensus.HashOracle) (*Node, error) {
	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/klingnet.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	genesis := config.GenesisFor(cfg.Network)
	genesisHash, err := genesis.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash genesis: %w", err)
	}

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Uint32("genesis_bits", genesis.GenesisBits).
		Msg("Starting Klingnet Chain Node")

	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.ChainDataDir(), err)
	}

	utxoStore := utxo.NewStore(db)
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	pow, err := createEngine(oracle, genesisHash, cfg.Mining.Threads)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create consensus engine: %w", err)
	}
	if work := consensus.Work(genesis.GenesisBits); work.IsUint64() {
		logger.Info().Str("genesis_work", formatDifficulty(work.Uint64())).Msg("Consensus engine ready")
	} else {
		logger.Info().Str("genesis_work", work.String()).Msg("Consensus engine ready")
	}

	ch, err := chain.New(types.ChainID(genesisHash), db, utxoStore, pow)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create chain: %w", err)
	}
	ch.SetConsensusRules(genesis.Protocol.Consensus)

	state := ch.State()
	if state.IsGenesis() {
		if err := ch.InitFromGenesis(genesis); err != nil {
			db.Close()
			return nil, fmt.Errorf("init from genesis: %w", err)
		}
		logger.Info().Msg("Chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", ch.Height()).
			Str("tip", ch.TipHash().String()[:16]+"...").
			Msg("Chain resumed from database")
	}

	maxPoolSize := cfg.Mempool.MaxPoolSize
	if maxPoolSize == 0 {
		maxPoolSize = 5000
	}
	minFeeRate := cfg.Mempool.MinRelayFeeRate
	if minFeeRate == 0 {
		minFeeRate = genesis.Protocol.Consensus.MinFeeRate
	}

	adapter := miner.NewUTXOAdapter(utxoStore, ch.Height)
	pool := mempool.New(adapter, maxPoolSize)
	pool.SetMinFeeRate(minFeeRate)
	ch.SetRevertedTxHandler(func(txs []*tx.Transaction) {
		for _, t := range txs {
			if _, err := pool.Add(t); err != nil {
				logger.Debug().Err(err).Str("tx", t.Hash().String()[:16]+"...").
					Msg("Reverted transaction not re-admitted to mempool")
			}
		}
	})

	logger.Info().
		Uint64("min_fee_rate", minFeeRate).
		Int("max_pool_size", maxPoolSize).
		Msg("Mempool ready")

	return &Node{
		cfg:       cfg,
		genesis:   genesis,
		logger:    logger,
		db:        db,
		utxoStore: utxoStore,
		pow:       pow,
		ch:        ch,
		pool:      pool,
	}, nil
}

// Start begins background processing: block production when mining is
// enabled. It does not block.
func (n *Node) Start() error {
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if n.cfg.Mining.Enabled {
		coinbaseAddr, err := resolveCoinbase(n.cfg.Mining.Coinbase, nil)
		if err != nil {
			return fmt.Errorf("resolve coinbase: %w", err)
		}

		m := miner.New(n.ch, n.pow, n.pool, coinbaseAddr,
			n.genesis.Protocol.Consensus.InitialReward,
			n.genesis.Protocol.Consensus.MaxSupply,
			n.ch.Supply)

		blockTime := time.Duration(n.genesis.Protocol.Consensus.BlockTime) * time.Second

		n.logger.Info().
			Str("coinbase", coinbaseAddr.String()).
			Uint64("reward", n.genesis.Protocol.Consensus.InitialReward).
			Dur("target_block_time", blockTime).
			Msg("Block production enabled")

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runMiner(m)
		}()
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", n.ch.TipHash().String()[:16]+"...").
		Bool("mining", n.cfg.Mining.Enabled).
		Msg("Node started successfully")

	return nil
}

// Stop performs graceful shutdown, waiting for the miner to finish its
// current attempt before closing storage.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// Height returns the current chain height.
func (n *Node) Height() uint64 {
	return n.ch.Height()
}

// Chain returns the node's chain state machine, for callers (an ingress
// layer, an RPC surface) that need to submit blocks or inspect state
// beyond what Node exposes directly.
func (n *Node) Chain() *chain.Chain {
	return n.ch
}

// Mempool returns the node's mempool.
func (n *Node) Mempool() *mempool.Pool {
	return n.pool
}

// SubmitBlock validates and applies an externally-received block, then
// drops any of its transactions from the mempool and reseeds the PoW
// oracle if the new tip crosses an epoch boundary.
func (n *Node) SubmitBlock(blk *block.Block) error {
	if err := n.ch.ProcessBlock(blk); err != nil {
		return err
	}
	n.pool.RemoveConfirmed(blk.Transactions)
	n.pool.Evict()
	n.maybeReseedOracle()
	return nil
}

// SubmitTransaction validates and admits a transaction to the mempool.
func (n *Node) SubmitTransaction(transaction *tx.Transaction) (uint64, error) {
	return n.pool.Add(transaction)
}

// runMiner repeatedly assembles, seals, and applies blocks for as long as
// the node runs. Unlike a fixed-slot schedule, PoW mining has no natural
// cadence of its own — each attempt runs until it finds a valid nonce or
// the node shuts down, then immediately starts assembling the next block.
func (n *Node) runMiner(m *miner.Miner) {
	for {
		select {
		case <-n.ctx.Done():
			return
		default:
		}

		blk, err := m.ProduceBlockCtx(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			n.logger.Error().Err(err).Msg("Block production failed")
			if !n.sleepOrDone(time.Second) {
				return
			}
			continue
		}

		if err := n.ch.ProcessBlock(blk); err != nil {
			n.logger.Error().Err(err).Msg("Mined block rejected by chain")
			if !n.sleepOrDone(time.Second) {
				return
			}
			continue
		}
		n.pool.RemoveConfirmed(blk.Transactions)
		n.pool.Evict()
		n.maybeReseedOracle()

		n.logger.Info().
			Uint64("height", n.ch.Height()).
			Str("hash", blk.Hash().String()[:16]+"...").
			Uint32("bits", blk.Header.Bits).
			Int("txs", len(blk.Transactions)).
			Msg("Block mined")
	}
}

// sleepOrDone waits out d, or returns false early if the node is shutting
// down. Used between retry attempts in runMiner so a persistent, non-
// cancellation failure (a jammed assembly step, a rejected block) backs off
// instead of spinning the CPU.
func (n *Node) sleepOrDone(d time.Duration) bool {
	select {
	case <-n.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// maybeReseedOracle installs the hash-oracle handle for the epoch the chain
// tip just entered. PoW.VerifyHeader/Seal look up a cached handle by epoch
// seed height; without this the node would start rejecting its own blocks
// the moment the tip crosses an epoch boundary.
func (n *Node) maybeReseedOracle() {
	height := n.ch.Height()
	if height == 0 || height%consensus.EpochLength != 0 {
		return
	}
	blk, err := n.ch.GetBlockByHeight(height)
	if err != nil {
		n.logger.Error().Err(err).Uint64("height", height).Msg("Failed to fetch epoch-seed block")
		return
	}
	hash := blk.Hash()
	if err := n.pow.Reseed(height, hash[:]); err != nil {
		n.logger.Error().Err(err).Uint64("height", height).Msg("Failed to reseed hash oracle")
	}

	// Epoch boundaries are a natural, infrequent point to log a UTXO set
	// commitment: cheap relative to the epoch length, useful for comparing
	// state across nodes without requiring a dedicated RPC surface.
	if commitment, err := n.ch.UTXOCommitment(); err != nil {
		n.logger.Error().Err(err).Uint64("height", height).Msg("Failed to compute UTXO commitment")
	} else {
		n.logger.Info().Uint64("height", height).Str("utxo_commitment", commitment.String()).Msg("UTXO set commitment")
	}
}
