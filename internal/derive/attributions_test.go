package derive

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// The classic wallet lifecycle: an external party funds the wallet, the
// wallet consolidates with itself, then sends out with change.
func TestAttributionsLifecycle(t *testing.T) {
	script := mustScript(t, walletDesc, 0)
	foreign := foreignScript(t, 0)

	received := buildTx(
		[]wire.OutPoint{fakePrevOut(0x10)},
		[]*wire.TxOut{wire.NewTxOut(10_000, script)},
	)
	consolidated := buildTx(
		[]wire.OutPoint{outpoint(received, 0)},
		[]*wire.TxOut{wire.NewTxOut(9_000, script)},
	)
	sent := buildTx(
		[]wire.OutPoint{outpoint(consolidated, 0)},
		[]*wire.TxOut{
			wire.NewTxOut(4_000, foreign),
			wire.NewTxOut(4_500, script),
		},
	)

	root := walletStore(t, walletDesc, 0,
		[]*wire.MsgTx{received, consolidated, sent},
		[]uint32{10, 11, 12}, []bool{true, true, false})
	d := New(Options{})

	attributions, err := d.Attributions(root, models.NetworkBitcoin, models.TxStatusAll,
		Criteria{Descriptors: []string{walletDesc}})
	if err != nil {
		t.Fatalf("Attributions: %v", err)
	}
	if len(attributions) != 3 {
		t.Fatalf("Attribution count = %d, want 3", len(attributions))
	}

	tests := []struct {
		name        string
		attribution models.TxAttribution
		wantType    models.TxAttributionType
		wantNet     int64
	}{
		{"receive from outside", attributions[0], models.AttributionReceived, 10_000},
		{"self consolidation pays the fee", attributions[1], models.AttributionConsolidated, -1_000},
		{"send with change", attributions[2], models.AttributionSent, -4_500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.attribution.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", tt.attribution.Type, tt.wantType)
			}
			if tt.attribution.NetReceived != tt.wantNet {
				t.Errorf("NetReceived = %d, want %d", tt.attribution.NetReceived, tt.wantNet)
			}
		})
	}

	// Input/output ownership flags on the send.
	send := attributions[2]
	if len(send.Ins) != 1 || !send.Ins[0].OwnedPrevTxo || send.Ins[0].Value != 9_000 {
		t.Errorf("Send inputs = %+v", send.Ins)
	}
	if len(send.Outs) != 2 || send.Outs[0].OwnedTxo || !send.Outs[1].OwnedTxo {
		t.Errorf("Send outputs = %+v", send.Outs)
	}
}

func TestAttributionReceivedAndSent(t *testing.T) {
	script := mustScript(t, walletDesc, 1)
	foreign := foreignScript(t, 1)

	funding := buildTx(
		[]wire.OutPoint{fakePrevOut(0x20)},
		[]*wire.TxOut{wire.NewTxOut(20_000, script)},
	)
	// A shared transaction: one wallet input, one foreign input, outputs to
	// both parties.
	joint := buildTx(
		[]wire.OutPoint{outpoint(funding, 0), fakePrevOut(0x21)},
		[]*wire.TxOut{
			wire.NewTxOut(15_000, script),
			wire.NewTxOut(12_000, foreign),
		},
	)

	root := walletStore(t, walletDesc, 1,
		[]*wire.MsgTx{funding, joint}, []uint32{10, 11}, []bool{false, false})
	d := New(Options{})

	attributions, err := d.Attributions(root, models.NetworkBitcoin, models.TxStatusAll,
		Criteria{Descriptors: []string{walletDesc}})
	if err != nil {
		t.Fatalf("Attributions: %v", err)
	}
	if len(attributions) != 2 {
		t.Fatalf("Attribution count = %d, want 2", len(attributions))
	}
	jointAttribution := attributions[1]
	if jointAttribution.Type != models.AttributionReceivedAndSent {
		t.Errorf("Type = %s, want RECEIVED_AND_SENT", jointAttribution.Type)
	}
	if jointAttribution.NetReceived != 15_000-20_000 {
		t.Errorf("NetReceived = %d, want -5000", jointAttribution.NetReceived)
	}
}

func TestAttributionsNeedTxBodies(t *testing.T) {
	script := mustScript(t, walletDesc, 4)
	funding := buildTx([]wire.OutPoint{fakePrevOut(0x30)}, []*wire.TxOut{wire.NewTxOut(1_000, script)})

	root := walletStore(t, walletDesc, 4, []*wire.MsgTx{funding}, []uint32{10}, []bool{false})
	// Drop the body to simulate a history entry before backfill.
	txID := funding.TxHash().String()
	root[models.NetworkBitcoin].TxMap[txID] = &models.TxData{BlockHeight: 10}

	d := New(Options{})
	_, err := d.Attributions(root, models.NetworkBitcoin, models.TxStatusAll,
		Criteria{Descriptors: []string{walletDesc}})
	if err == nil {
		t.Fatalf("Expected an error for a missing tx body")
	}
}
