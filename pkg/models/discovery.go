package models

import (
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg"
)

// NetworkID identifies which chain a piece of discovery state belongs to.
type NetworkID string

const (
	NetworkBitcoin NetworkID = "BITCOIN"
	NetworkTestnet NetworkID = "TESTNET"
	NetworkRegtest NetworkID = "REGTEST"
	NetworkSignet  NetworkID = "SIGNET"
)

// ChainParams maps a NetworkID onto the btcd chain parameters used for
// key decoding and address rendering.
func (n NetworkID) ChainParams() (*chaincfg.Params, error) {
	switch n {
	case NetworkBitcoin:
		return &chaincfg.MainNetParams, nil
	case NetworkTestnet:
		return &chaincfg.TestNet3Params, nil
	case NetworkRegtest:
		return &chaincfg.RegressionNetParams, nil
	case NetworkSignet:
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network id %q", string(n))
	}
}

// Valid reports whether n is one of the four supported networks.
func (n NetworkID) Valid() bool {
	_, err := n.ChainParams()
	return err == nil
}

// TxStatus filters derived views by confirmation state.
type TxStatus string

const (
	TxStatusAll          TxStatus = "ALL"
	TxStatusConfirmed    TxStatus = "CONFIRMED"
	TxStatusIrreversible TxStatus = "IRREVERSIBLE"
)

// Accepts reports whether a transaction with the given confirmation state
// passes this filter.
func (s TxStatus) Accepts(blockHeight uint32, irreversible bool) bool {
	switch s {
	case TxStatusAll:
		return true
	case TxStatusConfirmed:
		return blockHeight != 0
	case TxStatusIrreversible:
		return irreversible
	default:
		return false
	}
}

// Valid reports whether s is a known status filter.
func (s TxStatus) Valid() bool {
	switch s {
	case TxStatusAll, TxStatusConfirmed, TxStatusIrreversible:
		return true
	}
	return false
}

// DescriptorIndex addresses one output slot under a descriptor: a
// non-negative child index for ranged descriptors, or NonRanged for
// descriptors that expand to a single output.
type DescriptorIndex int32

// NonRanged is the index sentinel for descriptors without a wildcard.
const NonRanged DescriptorIndex = -1

// String renders the index the way it is keyed in exported stores.
func (i DescriptorIndex) String() string {
	if i == NonRanged {
		return "non-ranged"
	}
	return strconv.FormatInt(int64(i), 10)
}

// MarshalText lets DescriptorIndex key JSON maps in its exported string form.
func (i DescriptorIndex) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText parses the exported string form.
func (i *DescriptorIndex) UnmarshalText(b []byte) error {
	v, err := ParseDescriptorIndex(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// ParseDescriptorIndex is the inverse of DescriptorIndex.String.
func ParseDescriptorIndex(s string) (DescriptorIndex, error) {
	if s == "non-ranged" {
		return NonRanged, nil
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid descriptor index %q", s)
	}
	return DescriptorIndex(v), nil
}

// TxData is everything known about one transaction. TxHex is empty between
// history discovery and body backfill.
type TxData struct {
	BlockHeight  uint32 `json:"blockHeight"` // 0 = mempool
	Irreversible bool   `json:"irreversible"`
	TxHex        string `json:"txHex,omitempty"` // raw tx, lowercase hex
}

// OutputData is the per-(descriptor, index) slot: the tx ids affecting the
// derived scriptPubKey, in the order the explorer returned them.
type OutputData struct {
	TxIDs       []string `json:"txIds"`
	Fetching    bool     `json:"fetching"`
	TimeFetched int64    `json:"timeFetched"` // unix seconds, 0 = never
}

// Used reports whether this output has any on-chain history.
func (o *OutputData) Used() bool {
	return o != nil && len(o.TxIDs) > 0
}

// DescriptorData tracks discovery progress for one canonical descriptor.
type DescriptorData struct {
	Fetching    bool                             `json:"fetching"`
	TimeFetched int64                            `json:"timeFetched"`
	Range       map[DescriptorIndex]*OutputData  `json:"range"`
}

// NetworkData holds everything discovered on one network.
type NetworkData struct {
	DescriptorMap map[string]*DescriptorData `json:"descriptorMap"`
	TxMap         map[string]*TxData         `json:"txMap"`
}

// DiscoveryData is the root of the immutable store: one subtree per network.
// A published root and everything reachable from it is never mutated; edits
// produce a new root that shares untouched subtrees.
type DiscoveryData map[NetworkID]*NetworkData

// TxHistoryEntry is one row of an explorer's script-hash history.
type TxHistoryEntry struct {
	TxID         string `json:"txId"`
	BlockHeight  uint32 `json:"blockHeight"`
	Irreversible bool   `json:"irreversible"`
}

// FetchStatus is what WhenFetched reports for a descriptor or output slot.
type FetchStatus struct {
	Fetching    bool  `json:"fetching"`
	TimeFetched int64 `json:"timeFetched"`
}

// TxAttributionType classifies a wallet's role in one transaction.
type TxAttributionType string

const (
	AttributionConsolidated    TxAttributionType = "CONSOLIDATED"
	AttributionReceived        TxAttributionType = "RECEIVED"
	AttributionSent            TxAttributionType = "SENT"
	AttributionReceivedAndSent TxAttributionType = "RECEIVED_AND_SENT"
)

// AttributedInput annotates one input of an attributed transaction.
type AttributedInput struct {
	PrevTxID     string `json:"prevTxId"`
	PrevVout     uint32 `json:"prevVout"`
	Value        int64  `json:"value,omitempty"` // satoshis, set only when owned
	OwnedPrevTxo bool   `json:"ownedPrevTxo"`
}

// AttributedOutput annotates one output of an attributed transaction.
type AttributedOutput struct {
	Value    int64 `json:"value"` // satoshis
	OwnedTxo bool  `json:"ownedTxo"`
}

// TxAttribution is one entry of an attributed history: the transaction plus
// what the wallet received and spent in it.
type TxAttribution struct {
	TxID        string             `json:"txId"`
	TxData      *TxData            `json:"txData"`
	Ins         []AttributedInput  `json:"ins"`
	Outs        []AttributedOutput `json:"outs"`
	NetReceived int64              `json:"netReceived"` // satoshis
	Type        TxAttributionType  `json:"type"`
}
