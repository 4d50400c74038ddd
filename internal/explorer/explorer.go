package explorer

import (
	"context"

	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// Explorer is the blockchain data source the discovery engine consumes.
// Script hashes follow the Electrum convention: sha256(scriptPubKey) in
// byte-reversed hex. Implementations own their transport, timeouts and
// retries; the engine never retries and wraps every failure as
// *models.ExplorerError.
type Explorer interface {
	// Connect establishes the transport. Idempotent.
	Connect(ctx context.Context) error
	// Close releases the transport.
	Close() error
	// FetchTxHistory returns every transaction affecting a script hash, in
	// the order the backend reports them. BlockHeight 0 means mempool.
	FetchTxHistory(ctx context.Context, scriptHash string) ([]models.TxHistoryEntry, error)
	// FetchTx returns the raw serialized transaction.
	FetchTx(ctx context.Context, txID string) ([]byte, error)
	// FetchBlockHeight returns the current tip height.
	FetchBlockHeight(ctx context.Context) (uint32, error)
}

// ScriptAware is implemented by explorers that need the raw script behind a
// script hash (bitcoind carries no script-hash index). The engine announces
// every script before asking for its history.
type ScriptAware interface {
	NoteScript(scriptHash string, script []byte)
}

// DefaultIrreversibleConfirmations is how deep a transaction must be buried
// before backends that have no own notion of finality report it
// irreversible.
const DefaultIrreversibleConfirmations = 3
