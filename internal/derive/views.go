package derive

import (
	"fmt"
	"sort"

	"github.com/rawblock/descriptor-discovery/internal/descriptor"
	"github.com/rawblock/descriptor-discovery/internal/memo"
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// UsedRange filters a descriptor's range down to the indices with history.
// Reference-pinned per descriptor.
func (d *Deriver) UsedRange(root models.DiscoveryData, network models.NetworkID, desc string) (map[models.DescriptorIndex]*models.OutputData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usedRangeLocked(root, network, desc)
}

func (d *Deriver) usedRangeLocked(root models.DiscoveryData, network models.NetworkID, desc string) (map[models.DescriptorIndex]*models.OutputData, error) {
	netData := root[network]
	if netData == nil {
		return nil, fmt.Errorf("%w: network %s", models.ErrNotFetched, network)
	}
	descData := netData.DescriptorMap[desc]
	if descData == nil {
		return nil, fmt.Errorf("%w: descriptor %s", models.ErrNotFetched, desc)
	}

	n := d.network(network)
	state, err := n.ranges.GetOrCreate(desc, func() (*rangeState, error) {
		return &rangeState{}, nil
	})
	if err != nil {
		return nil, err
	}
	if state.last == descData {
		return state.result, nil
	}

	used := make(map[models.DescriptorIndex]*models.OutputData)
	for index, out := range descData.Range {
		if out.Used() {
			used[index] = out
		}
	}
	state.result = memo.PinMap(state.result, used)
	state.last = descData
	return state.result, nil
}

// usedIndicesLocked returns the used indices of a descriptor in ascending
// order, for deterministic aggregation.
func (d *Deriver) usedIndicesLocked(root models.DiscoveryData, network models.NetworkID, desc string) ([]models.DescriptorIndex, error) {
	used, err := d.usedRangeLocked(root, network, desc)
	if err != nil {
		return nil, err
	}
	indices := make([]models.DescriptorIndex, 0, len(used))
	for index := range used {
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices, nil
}

// UsedDescriptors lists the descriptors of a network with at least one used
// index, sorted lexicographically. Reference-pinned per network.
func (d *Deriver) UsedDescriptors(root models.DiscoveryData, network models.NetworkID) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usedDescriptorsLocked(root, network)
}

func (d *Deriver) usedDescriptorsLocked(root models.DiscoveryData, network models.NetworkID) []string {
	netData := root[network]
	n := d.network(network)
	if netData != nil && n.lastUsedDescriptorsNet == netData {
		return n.usedDescriptors
	}

	var used []string
	if netData != nil {
		for desc, descData := range netData.DescriptorMap {
			for _, out := range descData.Range {
				if out.Used() {
					used = append(used, desc)
					break
				}
			}
		}
		sort.Strings(used)
	}
	n.usedDescriptors = memo.PinSlice(n.usedDescriptors, used)
	n.lastUsedDescriptorsNet = netData
	return n.usedDescriptors
}

// UsedAccounts lists the external-branch representatives of the used
// descriptors, deduplicated and sorted. Reference-pinned per network.
func (d *Deriver) UsedAccounts(root models.DiscoveryData, network models.NetworkID) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	netData := root[network]
	n := d.network(network)
	if netData != nil && n.lastUsedAccountsNet == netData {
		return n.usedAccounts, nil
	}

	seen := make(map[string]struct{})
	var accounts []string
	for _, desc := range d.usedDescriptorsLocked(root, network) {
		account, ok, err := descriptor.AccountOf(desc)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if _, dup := seen[account]; dup {
			continue
		}
		seen[account] = struct{}{}
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)

	n.usedAccounts = memo.PinSlice(n.usedAccounts, accounts)
	n.lastUsedAccountsNet = netData
	return n.usedAccounts, nil
}

// AccountDescriptors returns the (external, internal) descriptor pair of an
// account. Memoized.
func (d *Deriver) AccountDescriptors(network models.NetworkID, account string) (string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pair, err := d.network(network).accountPairs.GetOrCreate(account, func() ([2]string, error) {
		external, internal, err := descriptor.AccountDescriptors(account)
		if err != nil {
			return [2]string{}, err
		}
		return [2]string{external, internal}, nil
	})
	if err != nil {
		return "", "", err
	}
	return pair[0], pair[1], nil
}

// NextIndex returns the smallest index of a ranged descriptor whose
// status-filtered history is empty. Gaps count: an unfetched index wins
// immediately.
func (d *Deriver) NextIndex(root models.DiscoveryData, network models.NetworkID, desc string, status models.TxStatus) (models.DescriptorIndex, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	netData := root[network]
	if netData == nil {
		return 0, fmt.Errorf("%w: network %s", models.ErrNotFetched, network)
	}
	descData := netData.DescriptorMap[desc]
	if descData == nil {
		return 0, fmt.Errorf("%w: descriptor %s", models.ErrNotFetched, desc)
	}

	for index := models.DescriptorIndex(0); ; index++ {
		out := descData.Range[index]
		if out == nil {
			return index, nil
		}
		usedUnderFilter := false
		for _, txID := range out.TxIDs {
			td := netData.TxMap[txID]
			if td == nil {
				return 0, fmt.Errorf("%w: tx %s referenced by %s~%s", models.ErrMissingTxData, txID, desc, index)
			}
			if status.Accepts(td.BlockHeight, td.Irreversible) {
				usedUnderFilter = true
				break
			}
		}
		if !usedUnderFilter {
			return index, nil
		}
	}
}
