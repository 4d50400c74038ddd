package store

import (
	"encoding/json"
	"fmt"

	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// DataModelVersion tags every serialized store. Importers reject anything
// they do not recognize.
const DataModelVersion = "V1"

type serializedStore struct {
	DataModelVersion string               `json:"dataModelVersion"`
	Data             models.DiscoveryData `json:"data"`
}

// Export serializes the current snapshot. Byte buffers are hex strings, map
// keys are the string forms defined by the data model.
func (s *Store) Export() ([]byte, error) {
	return json.Marshal(serializedStore{
		DataModelVersion: DataModelVersion,
		Data:             s.Snapshot(),
	})
}

// Import replaces the store contents with a previously exported snapshot.
// The version tag must match and the data must pass integrity validation;
// on any error the store is left unchanged.
func (s *Store) Import(data []byte) error {
	var raw serializedStore
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	if raw.DataModelVersion != DataModelVersion {
		return fmt.Errorf("%w: got %q, want %q",
			models.ErrVersionMismatch, raw.DataModelVersion, DataModelVersion)
	}
	if raw.Data == nil {
		raw.Data = models.DiscoveryData{}
	}
	if err := validate(raw.Data); err != nil {
		return fmt.Errorf("import: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.replace(raw.Data)
	return nil
}

// validate checks the structural invariants of an imported tree: every
// network id is known, every tx id referenced from an output exists in the
// network's tx map, and irreversible entries carry a block height.
func validate(root models.DiscoveryData) error {
	for networkID, net := range root {
		if !networkID.Valid() {
			return fmt.Errorf("unknown network id %q", string(networkID))
		}
		if net == nil {
			return fmt.Errorf("network %s: nil data", networkID)
		}
		for txID, tx := range net.TxMap {
			if tx == nil {
				return fmt.Errorf("network %s: tx %s: nil data", networkID, txID)
			}
			if tx.Irreversible && tx.BlockHeight == 0 {
				return fmt.Errorf("network %s: tx %s: irreversible at height 0", networkID, txID)
			}
		}
		for descriptor, desc := range net.DescriptorMap {
			if desc == nil {
				return fmt.Errorf("network %s: descriptor %s: nil data", networkID, descriptor)
			}
			for index, out := range desc.Range {
				if out == nil {
					return fmt.Errorf("network %s: %s~%s: nil output", networkID, descriptor, index)
				}
				for _, txID := range out.TxIDs {
					if _, ok := net.TxMap[txID]; !ok {
						return fmt.Errorf("%w: network %s: %s~%s references %s",
							models.ErrMissingTxData, networkID, descriptor, index, txID)
					}
				}
			}
		}
	}
	return nil
}
