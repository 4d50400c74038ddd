package derive

import (
	"strings"

	"github.com/rawblock/descriptor-discovery/internal/memo"
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// Criteria selects the outputs an aggregated view covers: one or more
// canonical descriptors and, optionally, a single explicit index.
type Criteria struct {
	Descriptors []string
	Index       *models.DescriptorIndex
}

func (c Criteria) cacheKey() string {
	key := strings.Join(c.Descriptors, "\x00")
	if c.Index != nil {
		key += "\x00@" + c.Index.String()
	}
	return key
}

// resolveOutputsLocked expands criteria to concrete output slots: the
// explicit index when given, otherwise every used index of each descriptor
// in ascending order.
func (d *Deriver) resolveOutputsLocked(root models.DiscoveryData, network models.NetworkID, c Criteria) ([]outputRef, error) {
	var refs []outputRef
	for _, desc := range c.Descriptors {
		if c.Index != nil {
			refs = append(refs, outputRef{descriptor: desc, index: *c.Index})
			continue
		}
		indices, err := d.usedIndicesLocked(root, network, desc)
		if err != nil {
			return nil, err
		}
		for _, index := range indices {
			refs = append(refs, outputRef{descriptor: desc, index: index})
		}
	}
	return refs, nil
}

func (d *Deriver) aggregateSlot(network models.NetworkID, status models.TxStatus, c Criteria) *aggregateState {
	s := d.statusLevel(network, status)
	slot, _ := s.aggregates.GetOrCreate(c.cacheKey(), func() (*aggregateState, error) {
		return &aggregateState{}, nil
	})
	return slot
}

// UtxosAndBalance aggregates the per-output txo views of every output the
// criteria select, deduplicating utxos and stxos across descriptors, and
// sums the balance. The result object and each of its fields keep their
// identity while the underlying data is unchanged.
func (d *Deriver) UtxosAndBalance(root models.DiscoveryData, network models.NetworkID, status models.TxStatus, c Criteria) (*UtxosAndBalance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.utxosAndBalanceLocked(root, network, status, c)
}

func (d *Deriver) utxosAndBalanceLocked(root models.DiscoveryData, network models.NetworkID, status models.TxStatus, c Criteria) (*UtxosAndBalance, error) {
	netData := root[network]
	slot := d.aggregateSlot(network, status, c)
	if netData != nil && slot.lastNet == netData && slot.result != nil {
		return slot.result, nil
	}

	refs, err := d.resolveOutputsLocked(root, network, c)
	if err != nil {
		return nil, err
	}

	var utxos, stxos []string
	txoMap := make(map[string]string)
	values := make(map[string]int64)
	seenUtxo := make(map[string]struct{})
	seenStxo := make(map[string]struct{})

	for _, ref := range refs {
		txos, err := d.txosByOutputLocked(root, network, status, ref.descriptor, ref.index)
		if err != nil {
			return nil, err
		}
		for _, utxo := range txos.Utxos {
			if _, dup := seenUtxo[utxo]; dup {
				continue
			}
			seenUtxo[utxo] = struct{}{}
			utxos = append(utxos, utxo)
		}
		for _, stxo := range txos.Stxos {
			if _, dup := seenStxo[stxo]; dup {
				continue
			}
			seenStxo[stxo] = struct{}{}
			stxos = append(stxos, stxo)
		}
		for txo, owner := range txos.TxoMap {
			txoMap[txo] = owner
		}
		for txo, value := range txos.Values {
			values[txo] = value
		}
	}

	balance, err := balanceFromUtxos(utxos, values)
	if err != nil {
		return nil, err
	}

	prev := slot.result
	if prev != nil &&
		prev.Balance == balance &&
		memo.EqualSlices(prev.Utxos, utxos) &&
		memo.EqualSlices(prev.Stxos, stxos) &&
		memo.EqualMaps(prev.TxoMap, txoMap) {
		slot.lastNet = netData
		return prev, nil
	}
	next := &UtxosAndBalance{
		Utxos:   utxos,
		Stxos:   stxos,
		TxoMap:  txoMap,
		Balance: balance,
		values:  values,
	}
	if prev != nil {
		next.Utxos = memo.PinSlice(prev.Utxos, utxos)
		next.Stxos = memo.PinSlice(prev.Stxos, stxos)
		next.TxoMap = memo.PinMap(prev.TxoMap, txoMap)
	}
	slot.result = next
	slot.lastNet = netData
	return next, nil
}

// History derives the merged chronological history of the criteria's
// outputs. Reference-pinned per (network, status, criteria).
func (d *Deriver) History(root models.DiscoveryData, network models.NetworkID, status models.TxStatus, c Criteria) ([]*TxEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.historyForCriteriaLocked(root, network, status, c)
}

func (d *Deriver) historyForCriteriaLocked(root models.DiscoveryData, network models.NetworkID, status models.TxStatus, c Criteria) ([]*TxEntry, error) {
	netData := root[network]
	slot := d.aggregateSlot(network, status, c)
	if netData != nil && slot.lastHistNet == netData && slot.history != nil {
		return slot.history, nil
	}

	refs, err := d.resolveOutputsLocked(root, network, c)
	if err != nil {
		return nil, err
	}
	merged, err := d.historyLocked(root, network, status, refs)
	if err != nil {
		return nil, err
	}
	slot.history = memo.PinSlice(slot.history, merged)
	slot.lastHistNet = netData
	return slot.history, nil
}
