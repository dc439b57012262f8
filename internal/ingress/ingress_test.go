package ingress

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/klingnet-core/klingnet/internal/chain"
	"github.com/klingnet-core/klingnet/pkg/block"
	"github.com/klingnet-core/klingnet/pkg/tx"
	"github.com/klingnet-core/klingnet/pkg/types"
)

type fakeSink struct {
	blockErr error
	txErr    error
	gotBlock *block.Block
	gotTx    *tx.Transaction
}

func (f *fakeSink) SubmitBlock(blk *block.Block) error {
	f.gotBlock = blk
	return f.blockErr
}

func (f *fakeSink) SubmitTransaction(transaction *tx.Transaction) (uint64, error) {
	f.gotTx = transaction
	return 0, f.txErr
}

type fakeSource struct {
	blockHandler func(from PeerID, data []byte)
	txHandler    func(from PeerID, data []byte)
}

func (f *fakeSource) SetBlockHandler(fn func(from PeerID, data []byte)) { f.blockHandler = fn }
func (f *fakeSource) SetTxHandler(fn func(from PeerID, data []byte))    { f.txHandler = fn }

func testBlock() *block.Block {
	return block.NewBlock(&block.Header{Version: block.CurrentVersion}, nil)
}

func TestPump_AttachRegistersBothHandlers(t *testing.T) {
	sink := &fakeSink{}
	src := &fakeSource{}
	p := New(sink)

	if err := p.Attach(src); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if src.blockHandler == nil || src.txHandler == nil {
		t.Fatal("expected both handlers registered")
	}
}

func TestPump_AttachRejectsUnsupportedSource(t *testing.T) {
	p := New(&fakeSink{})
	if err := p.Attach(struct{}{}); err == nil {
		t.Fatal("expected error attaching a type with neither interface")
	}
}

func TestPump_HandleBlock_DecodesAndForwards(t *testing.T) {
	sink := &fakeSink{}
	src := &fakeSource{}
	p := New(sink)
	var accepted *block.Block
	p.OnBlockAccepted(func(from PeerID, blk *block.Block) { accepted = blk })
	if err := p.Attach(src); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	blk := testBlock()
	data, err := json.Marshal(blk)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	src.blockHandler("peer-1", data)

	if sink.gotBlock == nil {
		t.Fatal("expected block forwarded to sink")
	}
	if accepted == nil {
		t.Fatal("expected OnBlockAccepted to fire")
	}
}

func TestPump_HandleBlock_MalformedPayloadRejected(t *testing.T) {
	sink := &fakeSink{}
	src := &fakeSource{}
	p := New(sink)

	var gotKind Misbehavior
	var gotFrom PeerID
	p.OnReject(func(from PeerID, kind Misbehavior, err error) {
		gotFrom = from
		gotKind = kind
	})
	if err := p.Attach(src); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	src.blockHandler("peer-1", []byte("not json"))

	if gotKind != MisbehaviorMalformed {
		t.Errorf("expected MisbehaviorMalformed, got %v", gotKind)
	}
	if gotFrom != "peer-1" {
		t.Errorf("expected from=peer-1, got %q", gotFrom)
	}
	if sink.gotBlock != nil {
		t.Error("sink should not have received a malformed block")
	}
}

func TestPump_HandleBlock_OrphanIsNotMisbehavior(t *testing.T) {
	sink := &fakeSink{blockErr: chain.ErrPrevNotFound}
	src := &fakeSource{}
	p := New(sink)

	var gotKind Misbehavior
	p.OnReject(func(from PeerID, kind Misbehavior, err error) {
		gotKind = kind
	})
	if err := p.Attach(src); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	data, _ := json.Marshal(testBlock())
	src.blockHandler("peer-1", data)

	if gotKind != MisbehaviorNone {
		t.Errorf("expected MisbehaviorNone for an orphan, got %v", gotKind)
	}
}

func TestPump_HandleBlock_InvalidIsMisbehavior(t *testing.T) {
	sink := &fakeSink{blockErr: errors.New("bad coinbase")}
	src := &fakeSource{}
	p := New(sink)

	var gotKind Misbehavior
	p.OnReject(func(from PeerID, kind Misbehavior, err error) {
		gotKind = kind
	})
	if err := p.Attach(src); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	data, _ := json.Marshal(testBlock())
	src.blockHandler("peer-1", data)

	if gotKind != MisbehaviorInvalid {
		t.Errorf("expected MisbehaviorInvalid, got %v", gotKind)
	}
}

func TestPump_HandleTx_DecodesAndForwards(t *testing.T) {
	sink := &fakeSink{}
	src := &fakeSource{}
	p := New(sink)
	var accepted *tx.Transaction
	p.OnTxAccepted(func(from PeerID, transaction *tx.Transaction) { accepted = transaction })
	if err := p.Attach(src); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	transaction := &tx.Transaction{
		Version: 1,
		Outputs: []tx.Output{{Value: 100, Script: types.Script{Type: types.ScriptTypeP2PKHClassical}}},
	}
	data, err := json.Marshal(transaction)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	src.txHandler("peer-2", data)

	if sink.gotTx == nil {
		t.Fatal("expected transaction forwarded to sink")
	}
	if accepted == nil {
		t.Fatal("expected OnTxAccepted to fire")
	}
}

func TestPump_HandleTx_MalformedPayloadRejected(t *testing.T) {
	sink := &fakeSink{}
	src := &fakeSource{}
	p := New(sink)

	var gotKind Misbehavior
	p.OnReject(func(from PeerID, kind Misbehavior, err error) {
		gotKind = kind
	})
	if err := p.Attach(src); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	src.txHandler("peer-2", []byte("{"))

	if gotKind != MisbehaviorMalformed {
		t.Errorf("expected MisbehaviorMalformed, got %v", gotKind)
	}
	if sink.gotTx != nil {
		t.Error("sink should not have received a malformed transaction")
	}
}
