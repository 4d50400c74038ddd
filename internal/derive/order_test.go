package derive

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

func entryFor(tx *wire.MsgTx, height uint32) *TxEntry {
	return &TxEntry{
		TxID: tx.TxHash().String(),
		Data: &models.TxData{BlockHeight: height},
	}
}

func orderedFor(tx *wire.MsgTx, height uint32) *orderedTx {
	return &orderedTx{
		entry:  entryFor(tx, height),
		parsed: &ParsedTx{MsgTx: tx, TxID: tx.TxHash()},
	}
}

func TestCompareTxOrderHeights(t *testing.T) {
	a := buildTx([]wire.OutPoint{fakePrevOut(1)}, []*wire.TxOut{wire.NewTxOut(1, []byte{0x51})})
	b := buildTx([]wire.OutPoint{fakePrevOut(2)}, []*wire.TxOut{wire.NewTxOut(2, []byte{0x51})})

	tests := []struct {
		name     string
		ha, hb   uint32
		expected int
	}{
		{"mempool after confirmed", 0, 100, 1},
		{"confirmed before mempool", 100, 0, -1},
		{"ascending heights", 99, 100, -1},
		{"descending heights", 100, 99, 1},
		{"same height no dependency", 100, 100, 0},
		{"both mempool no dependency", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := compareTxOrder(orderedFor(a, tt.ha), orderedFor(b, tt.hb))
			if got != tt.expected {
				t.Errorf("compareTxOrder() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestCompareTxOrderDependencyTieBreak(t *testing.T) {
	parent := buildTx([]wire.OutPoint{fakePrevOut(3)}, []*wire.TxOut{wire.NewTxOut(10_000, []byte{0x51})})
	child := buildTx([]wire.OutPoint{outpoint(parent, 0)}, []*wire.TxOut{wire.NewTxOut(9_000, []byte{0x51})})

	// Same block: the spender sorts after the spent regardless of the
	// order the explorer produced.
	if got := compareTxOrder(orderedFor(child, 100), orderedFor(parent, 100)); got != 1 {
		t.Errorf("spender vs spent = %d, want 1", got)
	}
	if got := compareTxOrder(orderedFor(parent, 100), orderedFor(child, 100)); got != -1 {
		t.Errorf("spent vs spender = %d, want -1", got)
	}
	// Both in mempool: same rule.
	if got := compareTxOrder(orderedFor(child, 0), orderedFor(parent, 0)); got != 1 {
		t.Errorf("mempool spender vs spent = %d, want 1", got)
	}
	// Height still dominates dependency.
	if got := compareTxOrder(orderedFor(child, 99), orderedFor(parent, 100)); got != -1 {
		t.Errorf("lower-height spender = %d, want -1", got)
	}
}

func TestHistorySortsDependencyWithinBlock(t *testing.T) {
	script := mustScript(t, walletDesc, 2)
	parent := buildTx([]wire.OutPoint{fakePrevOut(4)}, []*wire.TxOut{wire.NewTxOut(10_000, script)})
	child := buildTx([]wire.OutPoint{outpoint(parent, 0)}, []*wire.TxOut{wire.NewTxOut(9_000, script)})

	// Explorer reports the child first within the same block.
	root := walletStore(t, walletDesc, 2,
		[]*wire.MsgTx{child, parent}, []uint32{100, 100}, []bool{false, false})
	d := New(Options{})

	history, err := d.History(root, models.NetworkBitcoin, models.TxStatusAll, Criteria{Descriptors: []string{walletDesc}})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History length = %d, want 2", len(history))
	}
	if history[0].TxID != parent.TxHash().String() || history[1].TxID != child.TxHash().String() {
		t.Errorf("History order = [%s, %s], want parent before child", history[0].TxID, history[1].TxID)
	}

	// Identity across repeated queries on an unchanged store.
	again, _ := d.History(root, models.NetworkBitcoin, models.TxStatusAll, Criteria{Descriptors: []string{walletDesc}})
	if &again[0] != &history[0] {
		t.Errorf("History slice identity lost on an unchanged store")
	}
}
