package derive

import (
	"bytes"
	"fmt"

	"github.com/rawblock/descriptor-discovery/internal/descriptor"
	"github.com/rawblock/descriptor-discovery/internal/memo"
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// ScriptPubKey derives (and permanently memoizes) the output script for one
// indexed descriptor. Identical inputs return the identical byte slice.
func (d *Deriver) ScriptPubKey(network models.NetworkID, desc string, index models.DescriptorIndex) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scriptPubKeyLocked(network, desc, index)
}

func (d *Deriver) scriptPubKeyLocked(network models.NetworkID, desc string, index models.DescriptorIndex) ([]byte, error) {
	n := d.network(network)
	perDesc, err := n.scripts.GetOrCreate(desc, func() (*memo.Cache[models.DescriptorIndex, []byte], error) {
		return memo.NewCache[models.DescriptorIndex, []byte](d.opts.OutputsPerDescriptorCacheSize), nil
	})
	if err != nil {
		return nil, err
	}
	return perDesc.GetOrCreate(index, func() ([]byte, error) {
		return descriptor.ScriptPubKey(desc, index, network)
	})
}

// TxDataArray resolves an output's tx id list against the network's tx map.
// The result keeps its identity while none of the referenced TxData entries
// changed.
func (d *Deriver) TxDataArray(root models.DiscoveryData, network models.NetworkID, desc string, index models.DescriptorIndex) ([]*models.TxData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txDataArrayLocked(root, network, desc, index)
}

func (d *Deriver) txDataArrayLocked(root models.DiscoveryData, network models.NetworkID, desc string, index models.DescriptorIndex) ([]*models.TxData, error) {
	netData := root[network]
	if netData == nil {
		return nil, fmt.Errorf("%w: network %s", models.ErrNotFetched, network)
	}
	descData := netData.DescriptorMap[desc]
	if descData == nil {
		return nil, fmt.Errorf("%w: descriptor %s", models.ErrNotFetched, desc)
	}
	out := descData.Range[index]
	if out == nil {
		return nil, fmt.Errorf("%w: %s~%s", models.ErrNotFetched, desc, index)
	}

	n := d.network(network)
	perDesc, err := n.txArrays.GetOrCreate(desc, func() (*memo.Cache[models.DescriptorIndex, *txArrayState], error) {
		return memo.NewCache[models.DescriptorIndex, *txArrayState](d.opts.OutputsPerDescriptorCacheSize), nil
	})
	if err != nil {
		return nil, err
	}
	state, err := perDesc.GetOrCreate(index, func() (*txArrayState, error) {
		return &txArrayState{}, nil
	})
	if err != nil {
		return nil, err
	}
	if state.lastNet == netData {
		return state.result, nil
	}

	arr := make([]*models.TxData, len(out.TxIDs))
	for i, txID := range out.TxIDs {
		td := netData.TxMap[txID]
		if td == nil {
			return nil, fmt.Errorf("%w: tx %s referenced by %s~%s", models.ErrMissingTxData, txID, desc, index)
		}
		arr[i] = td
	}
	state.result = memo.PinSlice(state.result, arr)
	state.lastNet = netData
	return state.result, nil
}

// TxosByOutput derives the txo view of one output under a status filter:
// which txos the script owns, which of them are spent, and the reverse
// txo → indexed-descriptor map. Identity-stable per (descriptor, index,
// status) while the underlying data is unchanged.
func (d *Deriver) TxosByOutput(root models.DiscoveryData, network models.NetworkID, status models.TxStatus, desc string, index models.DescriptorIndex) (*TxoSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txosByOutputLocked(root, network, status, desc, index)
}

func (d *Deriver) txosByOutputLocked(root models.DiscoveryData, network models.NetworkID, status models.TxStatus, desc string, index models.DescriptorIndex) (*TxoSet, error) {
	netData := root[network]
	slot := d.outputSlot(network, status, desc, index)
	if netData != nil && slot.lastTxosNet == netData {
		return slot.txos, nil
	}

	txData, err := d.txDataArrayLocked(root, network, desc, index)
	if err != nil {
		return nil, err
	}
	script, err := d.scriptPubKeyLocked(network, desc, index)
	if err != nil {
		return nil, err
	}

	owner := desc + "~" + index.String()
	var recorded []string
	spent := make(map[string]string)
	txoMap := make(map[string]string)
	values := make(map[string]int64)

	for _, td := range txData {
		if !status.Accepts(td.BlockHeight, td.Irreversible) {
			continue
		}
		if td.TxHex == "" {
			return nil, fmt.Errorf("%w: %s~%s", models.ErrMissingTxHex, desc, index)
		}
		parsed, err := d.txFromHexLocked(td.TxHex)
		if err != nil {
			return nil, err
		}
		txID := parsed.TxIDHex()
		for vin, in := range parsed.MsgTx.TxIn {
			prev := fmt.Sprintf("%s:%d", in.PreviousOutPoint.Hash.String(), in.PreviousOutPoint.Index)
			spent[prev] = fmt.Sprintf("%s:%d", txID, vin)
		}
		for vout, out := range parsed.MsgTx.TxOut {
			if !bytes.Equal(out.PkScript, script) {
				continue
			}
			txo := fmt.Sprintf("%s:%d", txID, vout)
			recorded = append(recorded, txo)
			txoMap[txo] = owner
			values[txo] = out.Value
		}
	}

	var utxos, stxos []string
	for _, txo := range recorded {
		if spender, ok := spent[txo]; ok {
			stxos = append(stxos, txo+":"+spender)
		} else {
			utxos = append(utxos, txo)
		}
	}

	prev := slot.txos
	if prev != nil &&
		memo.EqualSlices(prev.Utxos, utxos) &&
		memo.EqualSlices(prev.Stxos, stxos) &&
		memo.EqualMaps(prev.TxoMap, txoMap) {
		slot.lastTxosNet = netData
		return prev, nil
	}
	next := &TxoSet{
		Utxos:  utxos,
		Stxos:  stxos,
		TxoMap: txoMap,
		Values: values,
	}
	if prev != nil {
		// Partial changes still preserve identity per field.
		next.Utxos = memo.PinSlice(prev.Utxos, utxos)
		next.Stxos = memo.PinSlice(prev.Stxos, stxos)
		next.TxoMap = memo.PinMap(prev.TxoMap, txoMap)
	}
	slot.txos = next
	slot.lastTxosNet = netData
	return next, nil
}

// balanceFromUtxos sums the values of a utxo list. A duplicate utxo is a
// fatal error: it would double-count.
func balanceFromUtxos(utxos []string, values map[string]int64) (int64, error) {
	seen := make(map[string]struct{}, len(utxos))
	var balance int64
	for _, utxo := range utxos {
		if _, dup := seen[utxo]; dup {
			return 0, fmt.Errorf("%w: %s", models.ErrDuplicateUtxo, utxo)
		}
		seen[utxo] = struct{}{}
		balance += values[utxo]
	}
	return balance, nil
}
