package models

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers match with errors.Is; the wrapping message
// carries the specifics.
var (
	// ErrInvalidArgument covers bad descriptor/descriptors/index combinations
	// and malformed criteria. Nothing is mutated.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFetched is returned by derived-view queries on a descriptor or
	// output that discovery has never touched.
	ErrNotFetched = errors.New("not fetched")

	// ErrDuplicateScriptPubKey is a uniqueness violation at store-write time:
	// two (descriptor, index) pairs deriving the same scriptPubKey.
	ErrDuplicateScriptPubKey = errors.New("duplicate scriptPubKey")

	// ErrDuplicateUtxo is detected during balance aggregation.
	ErrDuplicateUtxo = errors.New("duplicate utxo")

	// ErrMissingTxData means an OutputData references a tx id with no TxMap
	// entry. Internal integrity failure, distinct from ErrNotFetched.
	ErrMissingTxData = errors.New("missing tx data")

	// ErrMissingTxHex means a transaction body was needed before backfill
	// completed.
	ErrMissingTxHex = errors.New("missing tx hex")

	// ErrUnknownTransactionType means the attribution classifier could not
	// assign a type.
	ErrUnknownTransactionType = errors.New("transaction type could not be determined")

	// ErrVersionMismatch rejects imports of serialized stores with an unknown
	// data model version.
	ErrVersionMismatch = errors.New("data model version mismatch")
)

// ExplorerError wraps a transport-level failure from the explorer. The core
// never retries; the explorer owns its retry policy.
type ExplorerError struct {
	Op  string // explorer operation, e.g. "fetch_tx_history"
	Err error
}

func (e *ExplorerError) Error() string {
	return fmt.Sprintf("explorer %s: %v", e.Op, e.Err)
}

func (e *ExplorerError) Unwrap() error { return e.Err }
