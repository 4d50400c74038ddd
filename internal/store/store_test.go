package store

import (
	"errors"
	"testing"

	"github.com/rawblock/descriptor-discovery/pkg/models"
)

const descA = "pkh(xpubA/0/*)"

func history(txIDs ...string) []models.TxHistoryEntry {
	entries := make([]models.TxHistoryEntry, len(txIDs))
	for i, txID := range txIDs {
		entries[i] = models.TxHistoryEntry{TxID: txID, BlockHeight: 100}
	}
	return entries
}

func TestEditsReplaceRootAndKeepOldSnapshots(t *testing.T) {
	s := New()
	s.MarkDescriptorFetching(models.NetworkBitcoin, descA)
	before := s.Snapshot()

	s.CreateOutput(models.NetworkBitcoin, descA, 0)
	s.CommitOutputHistory(models.NetworkBitcoin, descA, 0, history("tx1"), 1000)
	after := s.Snapshot()

	if before[models.NetworkBitcoin] == after[models.NetworkBitcoin] {
		t.Fatalf("Expected a new network node after an edit")
	}
	// The old snapshot is untouched: still no output slot.
	if got := before[models.NetworkBitcoin].DescriptorMap[descA].Range[0]; got != nil {
		t.Errorf("Old snapshot gained an output slot: %+v", got)
	}
	out := after[models.NetworkBitcoin].DescriptorMap[descA].Range[0]
	if out == nil || len(out.TxIDs) != 1 || out.TxIDs[0] != "tx1" {
		t.Fatalf("Committed output = %+v, want tx1", out)
	}
	if out.Fetching || out.TimeFetched != 1000 {
		t.Errorf("Output flags = fetching %v, time %d; want false, 1000", out.Fetching, out.TimeFetched)
	}
}

func TestStructuralSharingAcrossNetworks(t *testing.T) {
	s := New()
	s.MarkDescriptorFetching(models.NetworkBitcoin, descA)
	mid := s.Snapshot()

	s.MarkDescriptorFetching(models.NetworkRegtest, descA)
	after := s.Snapshot()

	if mid[models.NetworkBitcoin] != after[models.NetworkBitcoin] {
		t.Errorf("An edit on REGTEST must not replace the BITCOIN subtree")
	}
}

func TestCommitPreservesTxIDsIdentityWhenUnchanged(t *testing.T) {
	s := New()
	s.MarkDescriptorFetching(models.NetworkBitcoin, descA)
	s.CreateOutput(models.NetworkBitcoin, descA, 3)
	s.CommitOutputHistory(models.NetworkBitcoin, descA, 3, history("tx1", "tx2"), 1000)
	first := s.Snapshot()[models.NetworkBitcoin].DescriptorMap[descA].Range[3].TxIDs

	s.MarkOutputFetching(models.NetworkBitcoin, descA, 3)
	s.CommitOutputHistory(models.NetworkBitcoin, descA, 3, history("tx1", "tx2"), 2000)
	second := s.Snapshot()[models.NetworkBitcoin].DescriptorMap[descA].Range[3].TxIDs

	if &first[0] != &second[0] {
		t.Errorf("Expected the tx id slice to keep its identity on an unchanged history")
	}
}

func TestCommitPreservesKnownTxHex(t *testing.T) {
	s := New()
	s.MarkDescriptorFetching(models.NetworkBitcoin, descA)
	s.CreateOutput(models.NetworkBitcoin, descA, 0)
	s.CommitOutputHistory(models.NetworkBitcoin, descA, 0, history("tx1"), 1000)
	s.SetTxBodies(models.NetworkBitcoin, map[string]string{"tx1": "deadbeef"})

	// Re-fetch at a new height: the body must survive the upsert.
	s.CommitOutputHistory(models.NetworkBitcoin, descA, 0,
		[]models.TxHistoryEntry{{TxID: "tx1", BlockHeight: 101, Irreversible: true}}, 2000)

	td := s.Snapshot()[models.NetworkBitcoin].TxMap["tx1"]
	if td.TxHex != "deadbeef" {
		t.Errorf("TxHex = %q, want preserved body", td.TxHex)
	}
	if td.BlockHeight != 101 || !td.Irreversible {
		t.Errorf("TxData = %+v, want height 101 irreversible", td)
	}
}

func TestRemoveDescriptorIfEmpty(t *testing.T) {
	s := New()
	s.MarkDescriptorFetching(models.NetworkBitcoin, descA)
	s.RemoveDescriptorIfEmpty(models.NetworkBitcoin, descA)
	if s.Descriptor(models.NetworkBitcoin, descA) != nil {
		t.Errorf("Expected the empty descriptor entry to be removed")
	}

	s.MarkDescriptorFetching(models.NetworkBitcoin, descA)
	s.CreateOutput(models.NetworkBitcoin, descA, 0)
	s.CommitOutputHistory(models.NetworkBitcoin, descA, 0, history("tx1"), 1000)
	s.RemoveDescriptorIfEmpty(models.NetworkBitcoin, descA)
	if s.Descriptor(models.NetworkBitcoin, descA) == nil {
		t.Errorf("A descriptor with outputs must not be removed")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	s := New()
	s.MarkDescriptorFetching(models.NetworkBitcoin, descA)
	s.CreateOutput(models.NetworkBitcoin, descA, models.NonRanged)
	s.CommitOutputHistory(models.NetworkBitcoin, descA, models.NonRanged,
		[]models.TxHistoryEntry{{TxID: "tx1", BlockHeight: 50, Irreversible: true}}, 1000)
	s.SetTxBodies(models.NetworkBitcoin, map[string]string{"tx1": "deadbeef"})
	s.FinishDescriptor(models.NetworkBitcoin, descA, 1234)

	exported, err := s.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	restored := New()
	if err := restored.Import(exported); err != nil {
		t.Fatalf("Import: %v", err)
	}

	out := restored.Snapshot()[models.NetworkBitcoin].DescriptorMap[descA].Range[models.NonRanged]
	if out == nil || len(out.TxIDs) != 1 || out.TxIDs[0] != "tx1" {
		t.Fatalf("Round-tripped output = %+v", out)
	}
	td := restored.Snapshot()[models.NetworkBitcoin].TxMap["tx1"]
	if td == nil || td.TxHex != "deadbeef" || td.BlockHeight != 50 || !td.Irreversible {
		t.Fatalf("Round-tripped tx = %+v", td)
	}
	reExported, err := restored.Export()
	if err != nil {
		t.Fatalf("Re-export: %v", err)
	}
	if string(exported) != string(reExported) {
		t.Errorf("Round trip is not byte-stable")
	}
}

func TestImportRejectsUnknownVersion(t *testing.T) {
	err := New().Import([]byte(`{"dataModelVersion":"V2","data":{}}`))
	if !errors.Is(err, models.ErrVersionMismatch) {
		t.Errorf("Import of V2 = %v, want ErrVersionMismatch", err)
	}
}

func TestImportRejectsBrokenReferentialIntegrity(t *testing.T) {
	payload := `{
		"dataModelVersion": "V1",
		"data": {
			"BITCOIN": {
				"descriptorMap": {
					"pkh(xpubA/0/*)": {
						"fetching": false,
						"timeFetched": 1,
						"range": {"0": {"txIds": ["missing"], "fetching": false, "timeFetched": 1}}
					}
				},
				"txMap": {}
			}
		}
	}`
	err := New().Import([]byte(payload))
	if !errors.Is(err, models.ErrMissingTxData) {
		t.Errorf("Import with dangling tx id = %v, want ErrMissingTxData", err)
	}
}

func TestImportRejectsIrreversibleMempoolTx(t *testing.T) {
	payload := `{
		"dataModelVersion": "V1",
		"data": {
			"BITCOIN": {
				"descriptorMap": {},
				"txMap": {"tx1": {"blockHeight": 0, "irreversible": true}}
			}
		}
	}`
	if err := New().Import([]byte(payload)); err == nil {
		t.Errorf("Expected an irreversible mempool tx to be rejected")
	}
}
