package derive

import (
	"sync"

	"github.com/rawblock/descriptor-discovery/internal/memo"
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// Layered derivation engine
//
// Every view is a pure function of a store snapshot, memoized level by
// level: network > txStatus > descriptor > index, with the snapshot itself
// as the innermost key. Because the store replaces its root on every edit
// while sharing untouched subtrees, a per-network *NetworkData pointer is a
// precise change detector: pointer unchanged means nothing on that network
// moved, so the cached view is returned as-is. When the pointer did change,
// the view is recomputed and then pinned against the previous result, so
// logically identical outputs keep their identity across edits.
//
// Network and status levels are unbounded (domains of four and three);
// descriptor and index levels are LRU-bounded by Options.

const (
	defaultDescriptorsCacheSize          = 1000
	defaultOutputsPerDescriptorCacheSize = 10000
	parsedTxCacheSize                    = 1000
)

// Options bound the descriptor- and index-keyed cache levels.
type Options struct {
	DescriptorsCacheSize          int
	OutputsPerDescriptorCacheSize int
}

func (o Options) withDefaults() Options {
	if o.DescriptorsCacheSize == 0 {
		o.DescriptorsCacheSize = defaultDescriptorsCacheSize
	}
	if o.OutputsPerDescriptorCacheSize == 0 {
		o.OutputsPerDescriptorCacheSize = defaultOutputsPerDescriptorCacheSize
	}
	return o
}

// TxoSet is the per-output txo derivation: utxos and stxos in discovery
// order, plus the reverse index from txo to its owning indexed descriptor.
type TxoSet struct {
	Utxos  []string          `json:"utxos"`
	Stxos  []string          `json:"stxos"`
	TxoMap map[string]string `json:"txoMap"`
	// Values carries the satoshi value of every recorded txo; internal to
	// balance computation.
	Values map[string]int64 `json:"-"`
}

// UtxosAndBalance extends a TxoSet with the summed value of its utxos.
type UtxosAndBalance struct {
	Utxos   []string          `json:"utxos"`
	Stxos   []string          `json:"stxos"`
	TxoMap  map[string]string `json:"txoMap"`
	Balance int64             `json:"balance"`
	values  map[string]int64
}

// TxEntry is one element of a derived history: a tx id and the store's
// record for it. Entries keep their identity while the underlying TxData
// pointer is unchanged.
type TxEntry struct {
	TxID string         `json:"txId"`
	Data *models.TxData `json:"txData"`
}

// Deriver hosts every memoization level. All methods are safe for
// concurrent use; a single lock serializes cache access.
type Deriver struct {
	mu       sync.Mutex
	opts     Options
	networks map[models.NetworkID]*networkDeriver
	txParse  *memo.Cache[string, *ParsedTx]
}

// New creates a deriver with the given cache bounds.
func New(opts Options) *Deriver {
	return &Deriver{
		opts:     opts.withDefaults(),
		networks: make(map[models.NetworkID]*networkDeriver),
		txParse:  memo.NewCache[string, *ParsedTx](parsedTxCacheSize),
	}
}

// networkDeriver holds the per-network cache levels.
type networkDeriver struct {
	// scriptPubKeys: descriptor → index → script bytes.
	scripts *memo.Cache[string, *memo.Cache[models.DescriptorIndex, []byte]]

	// used-range filters, keyed by descriptor.
	ranges *memo.Cache[string, *rangeState]

	// tx-data arrays, status-independent: descriptor → index → state.
	txArrays *memo.Cache[string, *memo.Cache[models.DescriptorIndex, *txArrayState]]

	// per-status output and aggregate states.
	status map[models.TxStatus]*statusDeriver

	// history entries, keyed by tx id; identity-stable while the TxData
	// pointer is stable.
	entries *memo.Cache[string, *TxEntry]

	// account pair expansion, keyed by account descriptor.
	accountPairs *memo.Cache[string, [2]string]

	lastUsedDescriptorsNet *models.NetworkData
	usedDescriptors        []string

	lastUsedAccountsNet *models.NetworkData
	usedAccounts        []string
}

type rangeState struct {
	last   *models.DescriptorData
	result map[models.DescriptorIndex]*models.OutputData
}

type statusDeriver struct {
	descriptors *memo.Cache[string, *descriptorStatus]
	aggregates  *memo.Cache[string, *aggregateState]
}

type descriptorStatus struct {
	outputs *memo.Cache[models.DescriptorIndex, *outputState]
}

// outputState is the innermost per-(descriptor, index, status) slot: the
// last network snapshot it was computed against plus the pinned results.
type outputState struct {
	lastTxosNet *models.NetworkData
	txos        *TxoSet

	lastHistoryNet *models.NetworkData
	history        []*TxEntry
}

type txArrayState struct {
	lastNet *models.NetworkData
	result  []*models.TxData
}

type aggregateState struct {
	lastNet      *models.NetworkData
	result       *UtxosAndBalance
	lastHistNet  *models.NetworkData
	history      []*TxEntry
	lastAttrNet  *models.NetworkData
	attributions []models.TxAttribution
}

func (d *Deriver) network(network models.NetworkID) *networkDeriver {
	n := d.networks[network]
	if n == nil {
		n = &networkDeriver{
			scripts:      memo.NewCache[string, *memo.Cache[models.DescriptorIndex, []byte]](d.opts.DescriptorsCacheSize),
			ranges:       memo.NewCache[string, *rangeState](d.opts.DescriptorsCacheSize),
			txArrays:     memo.NewCache[string, *memo.Cache[models.DescriptorIndex, *txArrayState]](d.opts.DescriptorsCacheSize),
			status:       make(map[models.TxStatus]*statusDeriver),
			entries:      memo.NewCache[string, *TxEntry](d.opts.OutputsPerDescriptorCacheSize),
			accountPairs: memo.NewCache[string, [2]string](d.opts.DescriptorsCacheSize),
		}
		d.networks[network] = n
	}
	return n
}

func (d *Deriver) statusLevel(network models.NetworkID, status models.TxStatus) *statusDeriver {
	n := d.network(network)
	s := n.status[status]
	if s == nil {
		s = &statusDeriver{
			descriptors: memo.NewCache[string, *descriptorStatus](d.opts.DescriptorsCacheSize),
			aggregates:  memo.NewCache[string, *aggregateState](d.opts.DescriptorsCacheSize),
		}
		n.status[status] = s
	}
	return s
}

func (d *Deriver) outputSlot(network models.NetworkID, status models.TxStatus, descriptor string, index models.DescriptorIndex) *outputState {
	s := d.statusLevel(network, status)
	ds, _ := s.descriptors.GetOrCreate(descriptor, func() (*descriptorStatus, error) {
		return &descriptorStatus{
			outputs: memo.NewCache[models.DescriptorIndex, *outputState](d.opts.OutputsPerDescriptorCacheSize),
		}, nil
	})
	slot, _ := ds.outputs.GetOrCreate(index, func() (*outputState, error) {
		return &outputState{}, nil
	})
	return slot
}
