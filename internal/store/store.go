package store

import (
	"sync"

	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// Store owns the single mutable reference to the discovery data. Writers are
// serialized by the mutex; each edit replaces the root wholesale while
// sharing every untouched subtree with the previous version, so a reader
// holding an old snapshot keeps a fully consistent, never-mutated view.
//
// The identity of each per-network node doubles as the memoization key for
// the derivation layer: an unchanged subtree keeps its pointer across edits.
type Store struct {
	mu   sync.Mutex
	root models.DiscoveryData
}

// New creates an empty store.
func New() *Store {
	return &Store{root: models.DiscoveryData{}}
}

// Snapshot returns the current root. The returned tree must be treated as
// immutable.
func (s *Store) Snapshot() models.DiscoveryData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// replace installs a new root.
func (s *Store) replace(root models.DiscoveryData) {
	s.root = root
}

// ── clone-on-write helpers ──────────────────────────────────────────

func cloneRoot(root models.DiscoveryData) models.DiscoveryData {
	next := make(models.DiscoveryData, len(root)+1)
	for k, v := range root {
		next[k] = v
	}
	return next
}

func cloneNetwork(n *models.NetworkData) *models.NetworkData {
	if n == nil {
		return &models.NetworkData{
			DescriptorMap: map[string]*models.DescriptorData{},
			TxMap:         map[string]*models.TxData{},
		}
	}
	descs := make(map[string]*models.DescriptorData, len(n.DescriptorMap)+1)
	for k, v := range n.DescriptorMap {
		descs[k] = v
	}
	txs := make(map[string]*models.TxData, len(n.TxMap)+1)
	for k, v := range n.TxMap {
		txs[k] = v
	}
	return &models.NetworkData{DescriptorMap: descs, TxMap: txs}
}

func cloneDescriptor(d *models.DescriptorData) *models.DescriptorData {
	if d == nil {
		return &models.DescriptorData{
			Range: map[models.DescriptorIndex]*models.OutputData{},
		}
	}
	rng := make(map[models.DescriptorIndex]*models.OutputData, len(d.Range)+1)
	for k, v := range d.Range {
		rng[k] = v
	}
	return &models.DescriptorData{
		Fetching:    d.Fetching,
		TimeFetched: d.TimeFetched,
		Range:       rng,
	}
}

func cloneOutput(o *models.OutputData) *models.OutputData {
	if o == nil {
		return &models.OutputData{}
	}
	return &models.OutputData{
		TxIDs:       o.TxIDs,
		Fetching:    o.Fetching,
		TimeFetched: o.TimeFetched,
	}
}

// sameTxIDs reports whether the freshly fetched history matches the stored
// one element-wise, so the old slice reference can be kept.
func sameTxIDs(old []string, next []string) bool {
	if len(old) != len(next) {
		return false
	}
	for i := range old {
		if old[i] != next[i] {
			return false
		}
	}
	return true
}

// ── edits ───────────────────────────────────────────────────────────

// MarkDescriptorFetching creates the descriptor entry if absent and flags it
// as being fetched.
func (s *Store) MarkDescriptorFetching(network models.NetworkID, descriptor string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := cloneRoot(s.root)
	net := cloneNetwork(root[network])
	desc := cloneDescriptor(net.DescriptorMap[descriptor])
	desc.Fetching = true
	net.DescriptorMap[descriptor] = desc
	root[network] = net
	s.replace(root)
}

// FinishDescriptor clears the fetching flag and stamps the fetch time.
func (s *Store) FinishDescriptor(network models.NetworkID, descriptor string, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := cloneRoot(s.root)
	net := cloneNetwork(root[network])
	desc := cloneDescriptor(net.DescriptorMap[descriptor])
	desc.Fetching = false
	desc.TimeFetched = now
	net.DescriptorMap[descriptor] = desc
	root[network] = net
	s.replace(root)
}

// Output returns the output slot for (descriptor, index), or nil.
func (s *Store) Output(network models.NetworkID, descriptor string, index models.DescriptorIndex) *models.OutputData {
	root := s.Snapshot()
	net := root[network]
	if net == nil {
		return nil
	}
	desc := net.DescriptorMap[descriptor]
	if desc == nil {
		return nil
	}
	return desc.Range[index]
}

// CreateOutput makes a fresh fetching slot for (descriptor, index). The
// caller has already verified scriptPubKey uniqueness; this edit assumes the
// slot does not exist yet.
func (s *Store) CreateOutput(network models.NetworkID, descriptor string, index models.DescriptorIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := cloneRoot(s.root)
	net := cloneNetwork(root[network])
	desc := cloneDescriptor(net.DescriptorMap[descriptor])
	desc.Range[index] = &models.OutputData{Fetching: true}
	net.DescriptorMap[descriptor] = desc
	root[network] = net
	s.replace(root)
}

// MarkOutputFetching flags an existing slot as being re-fetched.
func (s *Store) MarkOutputFetching(network models.NetworkID, descriptor string, index models.DescriptorIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := cloneRoot(s.root)
	net := cloneNetwork(root[network])
	desc := cloneDescriptor(net.DescriptorMap[descriptor])
	out := cloneOutput(desc.Range[index])
	out.Fetching = true
	desc.Range[index] = out
	net.DescriptorMap[descriptor] = desc
	root[network] = net
	s.replace(root)
}

// CommitOutputHistory applies the explorer's history for one output in a
// single edit: upsert every returned tx into the tx map (preserving any
// known body), then set the slot's tx id list. The old tx id slice keeps
// its identity when the history is unchanged, and a TxData entry keeps its
// identity when height and irreversibility are unchanged.
func (s *Store) CommitOutputHistory(network models.NetworkID, descriptor string, index models.DescriptorIndex, history []models.TxHistoryEntry, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := cloneRoot(s.root)
	net := cloneNetwork(root[network])

	txIDs := make([]string, len(history))
	for i, entry := range history {
		txIDs[i] = entry.TxID
		prev := net.TxMap[entry.TxID]
		if prev != nil && prev.BlockHeight == entry.BlockHeight && prev.Irreversible == entry.Irreversible {
			continue
		}
		next := &models.TxData{
			BlockHeight:  entry.BlockHeight,
			Irreversible: entry.Irreversible,
		}
		if prev != nil {
			next.TxHex = prev.TxHex
		}
		net.TxMap[entry.TxID] = next
	}

	desc := cloneDescriptor(net.DescriptorMap[descriptor])
	out := cloneOutput(desc.Range[index])
	if !sameTxIDs(out.TxIDs, txIDs) {
		out.TxIDs = txIDs
	}
	out.Fetching = false
	out.TimeFetched = now
	desc.Range[index] = out
	net.DescriptorMap[descriptor] = desc
	root[network] = net
	s.replace(root)
}

// SetTxBodies writes backfilled raw transactions in one edit.
func (s *Store) SetTxBodies(network models.NetworkID, bodies map[string]string) {
	if len(bodies) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	root := cloneRoot(s.root)
	net := cloneNetwork(root[network])
	for txID, txHex := range bodies {
		prev := net.TxMap[txID]
		if prev == nil {
			net.TxMap[txID] = &models.TxData{TxHex: txHex}
			continue
		}
		if prev.TxHex == txHex {
			continue
		}
		net.TxMap[txID] = &models.TxData{
			BlockHeight:  prev.BlockHeight,
			Irreversible: prev.Irreversible,
			TxHex:        txHex,
		}
	}
	root[network] = net
	s.replace(root)
}
