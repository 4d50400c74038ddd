package derive

import (
	"fmt"

	"github.com/rawblock/descriptor-discovery/internal/memo"
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// entryLocked returns the identity-stable history entry for a tx id. The
// entry is replaced only when the underlying TxData pointer changed.
func (n *networkDeriver) entryLocked(txID string, td *models.TxData) *TxEntry {
	if e, ok := n.entries.Get(txID); ok && e.Data == td {
		return e
	}
	e := &TxEntry{TxID: txID, Data: td}
	n.entries.Add(txID, e)
	return e
}

// HistoryByOutput derives the chronological history of one output under a
// status filter. Reference-pinned.
func (d *Deriver) HistoryByOutput(root models.DiscoveryData, network models.NetworkID, status models.TxStatus, desc string, index models.DescriptorIndex) ([]*TxEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.historyByOutputLocked(root, network, status, desc, index)
}

func (d *Deriver) historyByOutputLocked(root models.DiscoveryData, network models.NetworkID, status models.TxStatus, desc string, index models.DescriptorIndex) ([]*TxEntry, error) {
	netData := root[network]
	slot := d.outputSlot(network, status, desc, index)
	if netData != nil && slot.lastHistoryNet == netData {
		return slot.history, nil
	}

	entries, err := d.outputEntriesLocked(root, network, status, desc, index)
	if err != nil {
		return nil, err
	}
	if err := d.sortTxOrder(entries); err != nil {
		return nil, err
	}
	slot.history = memo.PinSlice(slot.history, entries)
	slot.lastHistoryNet = netData
	return slot.history, nil
}

// outputEntriesLocked resolves one output's filtered history entries in
// explorer order, without sorting.
func (d *Deriver) outputEntriesLocked(root models.DiscoveryData, network models.NetworkID, status models.TxStatus, desc string, index models.DescriptorIndex) ([]*TxEntry, error) {
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
	var entries []*TxEntry
	for _, txID := range out.TxIDs {
		td := netData.TxMap[txID]
		if td == nil {
			return nil, fmt.Errorf("%w: tx %s referenced by %s~%s", models.ErrMissingTxData, txID, desc, index)
		}
		if !status.Accepts(td.BlockHeight, td.Irreversible) {
			continue
		}
		entries = append(entries, n.entryLocked(txID, td))
	}
	return entries, nil
}

// historyLocked merges histories across outputs, deduplicates by tx id and
// sorts chronologically.
func (d *Deriver) historyLocked(root models.DiscoveryData, network models.NetworkID, status models.TxStatus, outputs []outputRef) ([]*TxEntry, error) {
	seen := make(map[string]struct{})
	var merged []*TxEntry
	for _, ref := range outputs {
		entries, err := d.outputEntriesLocked(root, network, status, ref.descriptor, ref.index)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if _, dup := seen[e.TxID]; dup {
				continue
			}
			seen[e.TxID] = struct{}{}
			merged = append(merged, e)
		}
	}
	if err := d.sortTxOrder(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// outputRef names one (descriptor, index) slot of an aggregation.
type outputRef struct {
	descriptor string
	index      models.DescriptorIndex
}
