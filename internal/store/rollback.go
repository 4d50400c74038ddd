package store

import (
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// Compensating edits for discovery error paths. A failed fetch must leave
// no half-written slots behind: a freshly created output that never got a
// history is removed, and a descriptor entry created by the failing call is
// removed when it stayed empty.

// Descriptor returns the descriptor entry, or nil.
func (s *Store) Descriptor(network models.NetworkID, descriptor string) *models.DescriptorData {
	root := s.Snapshot()
	net := root[network]
	if net == nil {
		return nil
	}
	return net.DescriptorMap[descriptor]
}

// RemoveOutput drops an output slot.
func (s *Store) RemoveOutput(network models.NetworkID, descriptor string, index models.DescriptorIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()

	net := s.root[network]
	if net == nil || net.DescriptorMap[descriptor] == nil {
		return
	}
	if _, ok := net.DescriptorMap[descriptor].Range[index]; !ok {
		return
	}

	root := cloneRoot(s.root)
	nextNet := cloneNetwork(net)
	desc := cloneDescriptor(nextNet.DescriptorMap[descriptor])
	delete(desc.Range, index)
	nextNet.DescriptorMap[descriptor] = desc
	root[network] = nextNet
	s.replace(root)
}

// ClearOutputFetching resets the fetching flag of an existing slot after a
// failed explorer call.
func (s *Store) ClearOutputFetching(network models.NetworkID, descriptor string, index models.DescriptorIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()

	net := s.root[network]
	if net == nil || net.DescriptorMap[descriptor] == nil || net.DescriptorMap[descriptor].Range[index] == nil {
		return
	}

	root := cloneRoot(s.root)
	nextNet := cloneNetwork(net)
	desc := cloneDescriptor(nextNet.DescriptorMap[descriptor])
	out := cloneOutput(desc.Range[index])
	out.Fetching = false
	desc.Range[index] = out
	nextNet.DescriptorMap[descriptor] = desc
	root[network] = nextNet
	s.replace(root)
}

// RemoveDescriptorIfEmpty drops a descriptor entry whose range never gained
// an output, restoring the pre-call tree after a failed first fetch.
func (s *Store) RemoveDescriptorIfEmpty(network models.NetworkID, descriptor string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	net := s.root[network]
	if net == nil {
		return
	}
	desc := net.DescriptorMap[descriptor]
	if desc == nil || len(desc.Range) > 0 {
		return
	}

	root := cloneRoot(s.root)
	nextNet := cloneNetwork(net)
	delete(nextNet.DescriptorMap, descriptor)
	root[network] = nextNet
	s.replace(root)
}
