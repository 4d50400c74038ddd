package derive

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ParsedTx is a deserialized transaction with its txid computed once. The
// txid is kept in internal byte order so prevout hashes compare without
// re-reversing.
type ParsedTx struct {
	MsgTx *wire.MsgTx
	TxID  chainhash.Hash
}

// TxIDHex renders the txid in the usual reversed-hex form.
func (p *ParsedTx) TxIDHex() string {
	return p.TxID.String()
}

// TxFromHex deserializes a raw transaction, memoized by its hex (≤1000
// entries, owned by the derivation layer rather than the store).
func (d *Deriver) TxFromHex(txHex string) (*ParsedTx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txFromHexLocked(txHex)
}

func (d *Deriver) txFromHexLocked(txHex string) (*ParsedTx, error) {
	return d.txParse.GetOrCreate(txHex, func() (*ParsedTx, error) {
		raw, err := hex.DecodeString(txHex)
		if err != nil {
			return nil, fmt.Errorf("decode tx hex: %w", err)
		}
		var msg wire.MsgTx
		if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("deserialize tx: %w", err)
		}
		return &ParsedTx{MsgTx: &msg, TxID: msg.TxHash()}, nil
	})
}

// orderedTx is the unit the canonical ordering works on.
type orderedTx struct {
	entry  *TxEntry
	parsed *ParsedTx
}

// compareTxOrder is the canonical transaction ordering: mempool after any
// confirmed tx, confirmed ascending by height, same-height ties resolved by
// input dependency (a spender sorts after the tx it spends), everything
// else keeps its relative order under a stable sort.
//
// Explorers do not guarantee intra-block order, so the dependency tie-break
// is what makes histories deterministic.
func compareTxOrder(a, b *orderedTx) int {
	ah, bh := a.entry.Data.BlockHeight, b.entry.Data.BlockHeight
	switch {
	case ah == bh:
		// fall through to the dependency check
	case ah == 0:
		return 1
	case bh == 0:
		return -1
	case ah < bh:
		return -1
	default:
		return 1
	}
	if spends(a.parsed, b.parsed) {
		return 1
	}
	if spends(b.parsed, a.parsed) {
		return -1
	}
	return 0
}

// spends reports whether a consumes any output of b, comparing prevout
// hashes against b's cached txid.
func spends(a, b *ParsedTx) bool {
	if a == nil || b == nil {
		return false
	}
	for _, in := range a.MsgTx.TxIn {
		if in.PreviousOutPoint.Hash == b.TxID {
			return true
		}
	}
	return false
}

// sortTxOrder stable-sorts entries chronologically. Entries whose body is
// known participate in dependency tie-breaks; the rest only order by
// height.
func (d *Deriver) sortTxOrder(entries []*TxEntry) error {
	ordered := make([]*orderedTx, len(entries))
	for i, e := range entries {
		ot := &orderedTx{entry: e}
		if e.Data.TxHex != "" {
			parsed, err := d.txFromHexLocked(e.Data.TxHex)
			if err != nil {
				return err
			}
			ot.parsed = parsed
		}
		ordered[i] = ot
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return compareTxOrder(ordered[i], ordered[j]) < 0
	})
	for i, ot := range ordered {
		entries[i] = ot.entry
	}
	return nil
}
