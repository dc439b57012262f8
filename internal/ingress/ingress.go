// Package ingress defines the boundary between this module's consensus core
// and whatever feeds it candidate blocks and transactions from the outside
// world. Peer-to-peer gossip, an RPC submission endpoint, and a test
// harness replaying fixtures are all external collaborators from the
// core's point of view — they implement BlockSource/TxSource and hand
// raw, wire-encoded payloads to a Sink. This package never opens a socket
// or a listener itself.
package ingress

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klingnet-core/klingnet/internal/chain"
	"github.com/klingnet-core/klingnet/pkg/block"
	"github.com/klingnet-core/klingnet/pkg/tx"
)

// PeerID identifies the origin of a candidate block or transaction. The
// concrete identity scheme — a libp2p peer ID, an RPC client address, a
// fixture name — belongs entirely to whichever collaborator implements
// BlockSource/TxSource; this package treats it as an opaque label used
// only for logging and misbehavior bookkeeping.
type PeerID string

// BlockSource is implemented by an external collaborator that can deliver
// a stream of candidate blocks. Registering a handler is the entire
// contract — the source decides how blocks arrive (gossip, polling, a
// fixture file) and the handler decides what happens to them.
type BlockSource interface {
	SetBlockHandler(fn func(from PeerID, data []byte))
}

// TxSource is the transaction analogue of BlockSource.
type TxSource interface {
	SetTxHandler(fn func(from PeerID, data []byte))
}

// Sink is the subset of *internal/node.Node this package drives. Blocks and
// transactions are JSON-encoded on the wire, mirroring pkg/block.Block and
// pkg/tx.Transaction's json tags; the 88-byte canonical header encoding
// used for hashing and signing is internal to those packages and never
// appears at this boundary.
type Sink interface {
	SubmitBlock(blk *block.Block) error
	SubmitTransaction(transaction *tx.Transaction) (uint64, error)
}

// Misbehavior classifies why a candidate was rejected, so a BlockSource/
// TxSource implementation can decide whether to penalize the sender (e.g.
// a P2P ban score) without this package knowing anything about peer
// scoring itself.
type Misbehavior int

const (
	// MisbehaviorNone indicates the payload was well-formed but the sink
	// rejected it for a reason that isn't the sender's fault (e.g. the
	// block is an orphan waiting on a parent the sender hasn't sent yet).
	MisbehaviorNone Misbehavior = iota
	// MisbehaviorMalformed indicates the payload itself failed to decode.
	MisbehaviorMalformed
	// MisbehaviorInvalid indicates the payload decoded but failed
	// consensus or mempool-policy validation.
	MisbehaviorInvalid
)

// RejectHandler is notified whenever a candidate block or transaction is
// rejected, so the caller can apply its own penalty policy.
type RejectHandler func(from PeerID, kind Misbehavior, err error)

// Pump wires one or more BlockSource/TxSource collaborators into a Sink.
// It owns no transport of its own; Attach just registers handlers that
// decode the wire payload and forward it to the sink.
type Pump struct {
	sink     Sink
	onBlock  func(from PeerID, blk *block.Block)
	onTx     func(from PeerID, transaction *tx.Transaction)
	onReject RejectHandler
}

// New creates a Pump that forwards decoded candidates to sink.
func New(sink Sink) *Pump {
	return &Pump{sink: sink}
}

// OnBlockAccepted registers a callback invoked after a candidate block is
// successfully decoded and applied to the chain. Optional.
func (p *Pump) OnBlockAccepted(fn func(from PeerID, blk *block.Block)) {
	p.onBlock = fn
}

// OnTxAccepted registers a callback invoked after a candidate transaction
// is successfully decoded and admitted to the mempool. Optional.
func (p *Pump) OnTxAccepted(fn func(from PeerID, transaction *tx.Transaction)) {
	p.onTx = fn
}

// OnReject registers a callback invoked whenever a candidate is rejected,
// decoded or not. Optional.
func (p *Pump) OnReject(fn RejectHandler) {
	p.onReject = fn
}

// Attach registers this pump's decode-and-forward handlers on a source.
// A single Pump can Attach to multiple sources (e.g. several P2P peers'
// shared dispatcher, plus an RPC submission endpoint).
func (p *Pump) Attach(src interface{}) error {
	blockSrc, isBlockSrc := src.(BlockSource)
	txSrc, isTxSrc := src.(TxSource)
	if !isBlockSrc && !isTxSrc {
		return fmt.Errorf("ingress: source implements neither BlockSource nor TxSource")
	}
	if isBlockSrc {
		blockSrc.SetBlockHandler(p.handleBlock)
	}
	if isTxSrc {
		txSrc.SetTxHandler(p.handleTx)
	}
	return nil
}

func (p *Pump) handleBlock(from PeerID, data []byte) {
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		p.reject(from, MisbehaviorMalformed, fmt.Errorf("decode block: %w", err))
		return
	}

	if err := p.sink.SubmitBlock(&blk); err != nil {
		kind := MisbehaviorInvalid
		if errors.Is(err, chain.ErrBlockKnown) || errors.Is(err, chain.ErrPrevNotFound) {
			// Known block or orphan waiting on a parent: not the sender's fault.
			kind = MisbehaviorNone
		}
		p.reject(from, kind, err)
		return
	}

	if p.onBlock != nil {
		p.onBlock(from, &blk)
	}
}

func (p *Pump) handleTx(from PeerID, data []byte) {
	var transaction tx.Transaction
	if err := json.Unmarshal(data, &transaction); err != nil {
		p.reject(from, MisbehaviorMalformed, fmt.Errorf("decode transaction: %w", err))
		return
	}

	if _, err := p.sink.SubmitTransaction(&transaction); err != nil {
		p.reject(from, MisbehaviorInvalid, err)
		return
	}

	if p.onTx != nil {
		p.onTx(from, &transaction)
	}
}

func (p *Pump) reject(from PeerID, kind Misbehavior, err error) {
	if p.onReject != nil {
		p.onReject(from, kind, err)
	}
}
