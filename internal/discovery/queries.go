package discovery

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/rawblock/descriptor-discovery/internal/derive"
	"github.com/rawblock/descriptor-discovery/internal/descriptor"
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

func newSessionID() string { return uuid.NewString() }

// OutputCriteria selects outputs for the derived-view queries. Exactly one
// of Descriptor / Descriptors is set; Index is only valid with a single
// ranged descriptor; TxStatus defaults to ALL.
type OutputCriteria struct {
	Descriptor  string
	Descriptors []string
	Index       *models.DescriptorIndex
	TxStatus    models.TxStatus
}

// resolve validates the criteria, canonicalizes its descriptors and checks
// they have been fetched.
func (s *Service) resolve(c OutputCriteria) (derive.Criteria, models.TxStatus, error) {
	var zero derive.Criteria

	originals := c.Descriptors
	switch {
	case c.Descriptor != "" && c.Descriptors != nil:
		return zero, "", fmt.Errorf("%w: descriptor and descriptors are mutually exclusive", models.ErrInvalidArgument)
	case c.Descriptor != "":
		originals = []string{c.Descriptor}
	case len(originals) == 0:
		return zero, "", fmt.Errorf("%w: one of descriptor or descriptors is required", models.ErrInvalidArgument)
	}

	status := c.TxStatus
	if status == "" {
		status = models.TxStatusAll
	}
	if !status.Valid() {
		return zero, "", fmt.Errorf("%w: unknown tx status %q", models.ErrInvalidArgument, string(status))
	}

	canonicals, err := descriptor.CanonicalizeAll(originals)
	if err != nil {
		return zero, "", err
	}
	if c.Index != nil {
		if len(canonicals) != 1 {
			return zero, "", fmt.Errorf("%w: index requires a single descriptor", models.ErrInvalidArgument)
		}
		if !descriptor.IsRanged(canonicals[0]) {
			return zero, "", fmt.Errorf("%w: index on non-ranged descriptor", models.ErrInvalidArgument)
		}
	}

	// Reject queries on descriptors discovery never touched, so an empty
	// view is always a real answer rather than a silent miss.
	for _, canonical := range canonicals {
		if s.store.Descriptor(s.network, canonical) == nil {
			return zero, "", fmt.Errorf("%w: descriptor %s", models.ErrNotFetched, canonical)
		}
	}
	return derive.Criteria{Descriptors: canonicals, Index: c.Index}, status, nil
}

// GetUtxosAndBalance returns the aggregated utxos, stxos, txo map and
// balance of the criteria's outputs.
func (s *Service) GetUtxosAndBalance(c OutputCriteria) (*derive.UtxosAndBalance, error) {
	criteria, status, err := s.resolve(c)
	if err != nil {
		return nil, err
	}
	return s.deriver.UtxosAndBalance(s.store.Snapshot(), s.network, status, criteria)
}

// GetBalance returns the summed utxo value in satoshis.
func (s *Service) GetBalance(c OutputCriteria) (int64, error) {
	result, err := s.GetUtxosAndBalance(c)
	if err != nil {
		return 0, err
	}
	return result.Balance, nil
}

// GetUtxos returns the utxo list.
func (s *Service) GetUtxos(c OutputCriteria) ([]string, error) {
	result, err := s.GetUtxosAndBalance(c)
	if err != nil {
		return nil, err
	}
	return result.Utxos, nil
}

// GetHistory returns the merged chronological history of the criteria's
// outputs.
func (s *Service) GetHistory(c OutputCriteria) ([]*derive.TxEntry, error) {
	criteria, status, err := s.resolve(c)
	if err != nil {
		return nil, err
	}
	return s.deriver.History(s.store.Snapshot(), s.network, status, criteria)
}

// GetHistoryWithAttributions returns the history annotated with what the
// wallet received and spent per transaction.
func (s *Service) GetHistoryWithAttributions(c OutputCriteria) ([]models.TxAttribution, error) {
	criteria, status, err := s.resolve(c)
	if err != nil {
		return nil, err
	}
	return s.deriver.Attributions(s.store.Snapshot(), s.network, status, criteria)
}

// NextIndexRequest selects the descriptor for GetNextIndex.
type NextIndexRequest struct {
	Descriptor string
	TxStatus   models.TxStatus
}

// GetNextIndex returns the smallest index of a ranged descriptor whose
// status-filtered history is empty.
func (s *Service) GetNextIndex(req NextIndexRequest) (models.DescriptorIndex, error) {
	canonical, err := descriptor.Canonicalize(req.Descriptor)
	if err != nil {
		return 0, err
	}
	if !descriptor.IsRanged(canonical) {
		return 0, fmt.Errorf("%w: next index needs a ranged descriptor", models.ErrInvalidArgument)
	}
	status := req.TxStatus
	if status == "" {
		status = models.TxStatusAll
	}
	if !status.Valid() {
		return 0, fmt.Errorf("%w: unknown tx status %q", models.ErrInvalidArgument, string(status))
	}
	return s.deriver.NextIndex(s.store.Snapshot(), s.network, canonical, status)
}

// WhenFetched reports discovery progress for a descriptor, or for one of
// its output slots when index is set. Nil when never seen.
func (s *Service) WhenFetched(descriptorText string, index *models.DescriptorIndex) (*models.FetchStatus, error) {
	canonical, err := descriptor.Canonicalize(descriptorText)
	if err != nil {
		return nil, err
	}
	descData := s.store.Descriptor(s.network, canonical)
	if descData == nil {
		return nil, nil
	}
	if index == nil {
		return &models.FetchStatus{Fetching: descData.Fetching, TimeFetched: descData.TimeFetched}, nil
	}
	out := descData.Range[*index]
	if out == nil {
		return nil, nil
	}
	return &models.FetchStatus{Fetching: out.Fetching, TimeFetched: out.TimeFetched}, nil
}

// GetUsedDescriptors lists this network's descriptors with at least one
// used output, sorted.
func (s *Service) GetUsedDescriptors() []string {
	return s.deriver.UsedDescriptors(s.store.Snapshot(), s.network)
}

// GetUsedAccounts lists the account representatives of the used
// descriptors, sorted.
func (s *Service) GetUsedAccounts() ([]string, error) {
	return s.deriver.UsedAccounts(s.store.Snapshot(), s.network)
}

// GetAccountDescriptors returns the (external, internal) pair of an
// account.
func (s *Service) GetAccountDescriptors(account string) (string, string, error) {
	return s.deriver.AccountDescriptors(s.network, account)
}

// TxRequest identifies a transaction by id or by one of its utxos.
type TxRequest struct {
	TxID string
	Utxo string
}

func (r TxRequest) txID() (string, error) {
	switch {
	case r.TxID != "" && r.Utxo != "":
		return "", fmt.Errorf("%w: txId and utxo are mutually exclusive", models.ErrInvalidArgument)
	case r.TxID != "":
		return r.TxID, nil
	case r.Utxo != "":
		colon := strings.IndexByte(r.Utxo, ':')
		if colon <= 0 {
			return "", fmt.Errorf("%w: malformed utxo %q", models.ErrInvalidArgument, r.Utxo)
		}
		return r.Utxo[:colon], nil
	default:
		return "", fmt.Errorf("%w: one of txId or utxo is required", models.ErrInvalidArgument)
	}
}

// GetTxHex returns the raw transaction hex for a tx id or utxo.
func (s *Service) GetTxHex(req TxRequest) (string, error) {
	txID, err := req.txID()
	if err != nil {
		return "", err
	}
	netData := s.store.Snapshot()[s.network]
	if netData == nil {
		return "", fmt.Errorf("%w: network %s", models.ErrNotFetched, s.network)
	}
	td := netData.TxMap[txID]
	if td == nil {
		return "", fmt.Errorf("%w: tx %s", models.ErrMissingTxData, txID)
	}
	if td.TxHex == "" {
		return "", fmt.Errorf("%w: tx %s", models.ErrMissingTxHex, txID)
	}
	return td.TxHex, nil
}

// GetTransaction returns the deserialized transaction for a tx id or utxo.
func (s *Service) GetTransaction(req TxRequest) (*wire.MsgTx, error) {
	txHex, err := s.GetTxHex(req)
	if err != nil {
		return nil, err
	}
	parsed, err := s.deriver.TxFromHex(txHex)
	if err != nil {
		return nil, err
	}
	return parsed.MsgTx, nil
}

// IndexedDescriptor names the owner of a txo.
type IndexedDescriptor struct {
	Descriptor string                  `json:"descriptor"`
	Index      *models.DescriptorIndex `json:"index,omitempty"`
}

// GetDescriptor finds the indexed descriptor owning a utxo, nil when no
// fetched descriptor owns it. Ownership by more than one descriptor is an
// error.
func (s *Service) GetDescriptor(utxo string) (*IndexedDescriptor, error) {
	if strings.IndexByte(utxo, ':') <= 0 {
		return nil, fmt.Errorf("%w: malformed utxo %q", models.ErrInvalidArgument, utxo)
	}
	root := s.store.Snapshot()

	var owners []IndexedDescriptor
	for _, desc := range s.deriver.UsedDescriptors(root, s.network) {
		aggregate, err := s.deriver.UtxosAndBalance(root, s.network, models.TxStatusAll, derive.Criteria{Descriptors: []string{desc}})
		if err != nil {
			return nil, err
		}
		owner, ok := aggregate.TxoMap[utxo]
		if !ok {
			continue
		}
		sep := strings.LastIndexByte(owner, '~')
		index, err := models.ParseDescriptorIndex(owner[sep+1:])
		if err != nil {
			return nil, err
		}
		indexed := IndexedDescriptor{Descriptor: owner[:sep]}
		if index != models.NonRanged {
			indexed.Index = &index
		}
		owners = append(owners, indexed)
	}
	switch len(owners) {
	case 0:
		return nil, nil
	case 1:
		return &owners[0], nil
	default:
		return nil, fmt.Errorf("utxo %s is owned by more than one descriptor", utxo)
	}
}

// Export serializes the store (data model V1).
func (s *Service) Export() ([]byte, error) {
	return s.store.Export()
}

// Import replaces the store with a previously exported snapshot.
func (s *Service) Import(data []byte) error {
	return s.store.Import(data)
}
