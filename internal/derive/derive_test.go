package derive

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/rawblock/descriptor-discovery/internal/descriptor"
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// BIP32 test vector 1 master public key.
const testXpub = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"

const walletDesc = "pkh(" + testXpub + "/9/*)"

func mustScript(t *testing.T, desc string, index models.DescriptorIndex) []byte {
	t.Helper()
	script, err := descriptor.ScriptPubKey(desc, index, models.NetworkBitcoin)
	if err != nil {
		t.Fatalf("ScriptPubKey(%s, %s): %v", desc, index, err)
	}
	return script
}

func foreignScript(t *testing.T, index models.DescriptorIndex) []byte {
	t.Helper()
	return mustScript(t, "wpkh("+testXpub+"/3/*)", index)
}

// buildTx makes a transaction spending the given prevouts into the given
// (value, script) outputs.
func buildTx(prevouts []wire.OutPoint, outputs []*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	for i := range prevouts {
		tx.AddTxIn(wire.NewTxIn(&prevouts[i], nil, nil))
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	return tx
}

func serializeTx(t *testing.T, tx *wire.MsgTx) string {
	t.Helper()
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return hex.EncodeToString(buf.Bytes())
}

func outpoint(tx *wire.MsgTx, vout uint32) wire.OutPoint {
	return wire.OutPoint{Hash: tx.TxHash(), Index: vout}
}

// fakePrevOut makes an outpoint that does not refer to any known tx.
func fakePrevOut(tag byte) wire.OutPoint {
	var h chainhash.Hash
	h[0] = tag
	h[31] = 0x7f
	return wire.OutPoint{Hash: h, Index: 0}
}

// walletStore assembles a store with one descriptor slot holding the given
// txs at the given heights.
func walletStore(t *testing.T, desc string, index models.DescriptorIndex, txs []*wire.MsgTx, heights []uint32, irreversible []bool) models.DiscoveryData {
	t.Helper()
	txMap := make(map[string]*models.TxData)
	txIDs := make([]string, len(txs))
	for i, tx := range txs {
		txID := tx.TxHash().String()
		txIDs[i] = txID
		txMap[txID] = &models.TxData{
			BlockHeight:  heights[i],
			Irreversible: irreversible[i],
			TxHex:        serializeTx(t, tx),
		}
	}
	return models.DiscoveryData{
		models.NetworkBitcoin: &models.NetworkData{
			DescriptorMap: map[string]*models.DescriptorData{
				desc: {
					TimeFetched: 1000,
					Range: map[models.DescriptorIndex]*models.OutputData{
						index: {TxIDs: txIDs, TimeFetched: 1000},
					},
				},
			},
			TxMap: txMap,
		},
	}
}

func TestTxosByOutput(t *testing.T) {
	script := mustScript(t, walletDesc, 0)

	funding := buildTx(
		[]wire.OutPoint{fakePrevOut(1)},
		[]*wire.TxOut{wire.NewTxOut(100_000, script), wire.NewTxOut(5_000, foreignScript(t, 0))},
	)
	spend := buildTx(
		[]wire.OutPoint{outpoint(funding, 0)},
		[]*wire.TxOut{wire.NewTxOut(60_000, foreignScript(t, 1)), wire.NewTxOut(39_000, script)},
	)

	root := walletStore(t, walletDesc, 0,
		[]*wire.MsgTx{funding, spend}, []uint32{10, 11}, []bool{true, false})
	d := New(Options{})

	txos, err := d.TxosByOutput(root, models.NetworkBitcoin, models.TxStatusAll, walletDesc, 0)
	if err != nil {
		t.Fatalf("TxosByOutput: %v", err)
	}

	fundingID := funding.TxHash().String()
	spendID := spend.TxHash().String()
	wantUtxo := fmt.Sprintf("%s:1", spendID)
	wantStxo := fmt.Sprintf("%s:0:%s:0", fundingID, spendID)

	if len(txos.Utxos) != 1 || txos.Utxos[0] != wantUtxo {
		t.Errorf("Utxos = %v, want [%s]", txos.Utxos, wantUtxo)
	}
	if len(txos.Stxos) != 1 || txos.Stxos[0] != wantStxo {
		t.Errorf("Stxos = %v, want [%s]", txos.Stxos, wantStxo)
	}
	owner := walletDesc + "~0"
	if txos.TxoMap[wantUtxo] != owner || txos.TxoMap[fundingID+":0"] != owner {
		t.Errorf("TxoMap = %v", txos.TxoMap)
	}
	if txos.Values[wantUtxo] != 39_000 {
		t.Errorf("Value of %s = %d, want 39000", wantUtxo, txos.Values[wantUtxo])
	}
}

func TestUtxosAndBalanceStatusFilter(t *testing.T) {
	script := mustScript(t, walletDesc, 0)
	mempoolTx := buildTx(
		[]wire.OutPoint{fakePrevOut(2)},
		[]*wire.TxOut{wire.NewTxOut(123_123, script)},
	)

	criteria := Criteria{Descriptors: []string{walletDesc}}

	t.Run("mempool only", func(t *testing.T) {
		root := walletStore(t, walletDesc, 0, []*wire.MsgTx{mempoolTx}, []uint32{0}, []bool{false})
		d := New(Options{})

		all, err := d.UtxosAndBalance(root, models.NetworkBitcoin, models.TxStatusAll, criteria)
		if err != nil {
			t.Fatalf("ALL: %v", err)
		}
		if len(all.Utxos) != 1 || all.Balance != 123_123 {
			t.Errorf("ALL = %d utxos, balance %d; want 1, 123123", len(all.Utxos), all.Balance)
		}

		confirmed, err := d.UtxosAndBalance(root, models.NetworkBitcoin, models.TxStatusConfirmed, criteria)
		if err != nil {
			t.Fatalf("CONFIRMED: %v", err)
		}
		if len(confirmed.Utxos) != 0 || confirmed.Balance != 0 {
			t.Errorf("CONFIRMED = %d utxos, balance %d; want 0, 0", len(confirmed.Utxos), confirmed.Balance)
		}
	})

	t.Run("confirmed then irreversible", func(t *testing.T) {
		root := walletStore(t, walletDesc, 0, []*wire.MsgTx{mempoolTx}, []uint32{100}, []bool{false})
		d := New(Options{})

		confirmed, err := d.UtxosAndBalance(root, models.NetworkBitcoin, models.TxStatusConfirmed, criteria)
		if err != nil {
			t.Fatalf("CONFIRMED: %v", err)
		}
		if len(confirmed.Utxos) != 1 {
			t.Errorf("CONFIRMED after mining = %d utxos, want 1", len(confirmed.Utxos))
		}

		irr, err := d.UtxosAndBalance(root, models.NetworkBitcoin, models.TxStatusIrreversible, criteria)
		if err != nil {
			t.Fatalf("IRREVERSIBLE: %v", err)
		}
		if len(irr.Utxos) != 0 {
			t.Errorf("IRREVERSIBLE without the flag = %d utxos, want 0", len(irr.Utxos))
		}

		deep := walletStore(t, walletDesc, 0, []*wire.MsgTx{mempoolTx}, []uint32{100}, []bool{true})
		irr, err = d.UtxosAndBalance(deep, models.NetworkBitcoin, models.TxStatusIrreversible, criteria)
		if err != nil {
			t.Fatalf("IRREVERSIBLE deep: %v", err)
		}
		if len(irr.Utxos) != 1 {
			t.Errorf("IRREVERSIBLE with the flag = %d utxos, want 1", len(irr.Utxos))
		}
	})
}

func TestUtxosIdentityAcrossQueriesAndUnrelatedEdits(t *testing.T) {
	script := mustScript(t, walletDesc, 0)
	funding := buildTx(
		[]wire.OutPoint{fakePrevOut(3)},
		[]*wire.TxOut{wire.NewTxOut(50_000, script)},
	)
	root := walletStore(t, walletDesc, 0, []*wire.MsgTx{funding}, []uint32{10}, []bool{true})
	d := New(Options{})
	criteria := Criteria{Descriptors: []string{walletDesc}}

	first, err := d.UtxosAndBalance(root, models.NetworkBitcoin, models.TxStatusAll, criteria)
	if err != nil {
		t.Fatalf("UtxosAndBalance: %v", err)
	}
	second, _ := d.UtxosAndBalance(root, models.NetworkBitcoin, models.TxStatusAll, criteria)
	if first != second {
		t.Fatalf("Same store, same criteria must return the same result object")
	}

	// A structurally-shared edit elsewhere: new root, new network node, but
	// the wallet's descriptor subtree and tx entries keep their pointers.
	netData := root[models.NetworkBitcoin]
	otherScript := foreignScript(t, 9)
	otherTx := buildTx([]wire.OutPoint{fakePrevOut(4)}, []*wire.TxOut{wire.NewTxOut(1, otherScript)})
	newTxMap := make(map[string]*models.TxData, len(netData.TxMap)+1)
	for k, v := range netData.TxMap {
		newTxMap[k] = v
	}
	newTxMap[otherTx.TxHash().String()] = &models.TxData{BlockHeight: 12, TxHex: serializeTx(t, otherTx)}
	newDescMap := make(map[string]*models.DescriptorData, len(netData.DescriptorMap)+1)
	for k, v := range netData.DescriptorMap {
		newDescMap[k] = v
	}
	newDescMap["wpkh("+testXpub+"/3/*)"] = &models.DescriptorData{
		Range: map[models.DescriptorIndex]*models.OutputData{
			9: {TxIDs: []string{otherTx.TxHash().String()}, TimeFetched: 1},
		},
	}
	edited := models.DiscoveryData{
		models.NetworkBitcoin: &models.NetworkData{DescriptorMap: newDescMap, TxMap: newTxMap},
	}

	third, err := d.UtxosAndBalance(edited, models.NetworkBitcoin, models.TxStatusAll, criteria)
	if err != nil {
		t.Fatalf("UtxosAndBalance after edit: %v", err)
	}
	if third != first {
		t.Errorf("An unrelated edit must not change the identity of an unaffected result")
	}
	if &third.Utxos[0] != &first.Utxos[0] {
		t.Errorf("Utxo slice identity lost across an unrelated edit")
	}
}

func TestBalanceFromUtxosRejectsDuplicates(t *testing.T) {
	_, err := balanceFromUtxos([]string{"a:0", "a:0"}, map[string]int64{"a:0": 5})
	if !errors.Is(err, models.ErrDuplicateUtxo) {
		t.Errorf("balanceFromUtxos with a duplicate = %v, want ErrDuplicateUtxo", err)
	}
}

func TestTxDataArrayMissingTx(t *testing.T) {
	root := models.DiscoveryData{
		models.NetworkBitcoin: &models.NetworkData{
			DescriptorMap: map[string]*models.DescriptorData{
				walletDesc: {Range: map[models.DescriptorIndex]*models.OutputData{
					0: {TxIDs: []string{"feedface"}, TimeFetched: 1},
				}},
			},
			TxMap: map[string]*models.TxData{},
		},
	}
	d := New(Options{})
	if _, err := d.TxDataArray(root, models.NetworkBitcoin, walletDesc, 0); !errors.Is(err, models.ErrMissingTxData) {
		t.Errorf("TxDataArray with a dangling tx id = %v, want ErrMissingTxData", err)
	}
}

func TestNotFetched(t *testing.T) {
	d := New(Options{})
	root := models.DiscoveryData{}
	if _, err := d.TxosByOutput(root, models.NetworkBitcoin, models.TxStatusAll, walletDesc, 0); !errors.Is(err, models.ErrNotFetched) {
		t.Errorf("TxosByOutput on an empty store = %v, want ErrNotFetched", err)
	}
}
