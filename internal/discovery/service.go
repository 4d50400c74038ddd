package discovery

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rawblock/descriptor-discovery/internal/derive"
	"github.com/rawblock/descriptor-discovery/internal/explorer"
	"github.com/rawblock/descriptor-discovery/internal/store"
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// Discovery engine
//
// The side-effectful half of the system: walks ranged descriptors under a
// gap limit, pulls history and transaction bodies from the explorer, and
// feeds the immutable store. Everything read back out goes through the
// derivation layer, which keys its memoization on the store snapshots this
// engine produces.

// Event is a progress notification emitted during discovery.
type Event struct {
	Type       EventType               `json:"type"`
	SessionID  string                  `json:"sessionId"`
	Network    models.NetworkID        `json:"network"`
	Descriptor string                  `json:"descriptor,omitempty"`
	Index      *models.DescriptorIndex `json:"index,omitempty"`
	Time       int64                   `json:"time"`
}

// EventType tags a discovery event.
type EventType string

const (
	EventChecking      EventType = "descriptor_checking"
	EventOutputUsed    EventType = "output_used"
	EventFetchComplete EventType = "fetch_complete"
)

// Options configure a discovery service.
type Options struct {
	// DescriptorsCacheSize bounds every descriptor-keyed memo level
	// (default 1000).
	DescriptorsCacheSize int
	// OutputsPerDescriptorCacheSize bounds every index-keyed memo level
	// (default 10000).
	OutputsPerDescriptorCacheSize int
	// OnEvent, when set, receives progress events.
	OnEvent func(Event)
	// Now overrides the clock (unix seconds); for tests.
	Now func() int64
}

// Service ties one explorer and one network to a store and its derivation
// layer, and exposes the public wallet API.
type Service struct {
	explorer explorer.Explorer
	network  models.NetworkID
	store    *store.Store
	deriver  *derive.Deriver
	onEvent  func(Event)
	now      func() int64
}

// New creates a discovery service for one network backed by one explorer.
func New(exp explorer.Explorer, network models.NetworkID, opts Options) (*Service, error) {
	if exp == nil {
		return nil, fmt.Errorf("%w: nil explorer", models.ErrInvalidArgument)
	}
	if !network.Valid() {
		return nil, fmt.Errorf("%w: unknown network %q", models.ErrInvalidArgument, string(network))
	}
	now := opts.Now
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	return &Service{
		explorer: exp,
		network:  network,
		store:    store.New(),
		deriver: derive.New(derive.Options{
			DescriptorsCacheSize:          opts.DescriptorsCacheSize,
			OutputsPerDescriptorCacheSize: opts.OutputsPerDescriptorCacheSize,
		}),
		onEvent: opts.OnEvent,
		now:     now,
	}, nil
}

// Network returns the network this service discovers on.
func (s *Service) Network() models.NetworkID { return s.network }

func (s *Service) emit(e Event) {
	if s.onEvent != nil {
		e.Network = s.network
		e.Time = s.now()
		s.onEvent(e)
	}
}

// scriptHash computes the Electrum script hash: sha256(script), reversed,
// hex.
func scriptHash(script []byte) string {
	sum := sha256.Sum256(script)
	for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
		sum[i], sum[j] = sum[j], sum[i]
	}
	return hex.EncodeToString(sum[:])
}

// ensureScriptPubKeyUniqueness scans every used output on this network and
// rejects the candidate script if another (descriptor, index) already
// derives the same bytes.
func (s *Service) ensureScriptPubKeyUniqueness(descriptor string, index models.DescriptorIndex, script []byte) error {
	root := s.store.Snapshot()
	netData := root[s.network]
	if netData == nil {
		return nil
	}
	for otherDesc, descData := range netData.DescriptorMap {
		for otherIndex, out := range descData.Range {
			if !out.Used() {
				continue
			}
			if otherDesc == descriptor && otherIndex == index {
				continue
			}
			otherScript, err := s.deriver.ScriptPubKey(s.network, otherDesc, otherIndex)
			if err != nil {
				return err
			}
			if bytes.Equal(otherScript, script) {
				return fmt.Errorf("%w: %s~%s and %s~%s derive the same script",
					models.ErrDuplicateScriptPubKey, descriptor, index, otherDesc, otherIndex)
			}
		}
	}
	return nil
}
