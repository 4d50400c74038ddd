package explorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// Bitcoind backs the explorer with a Bitcoin Core node. Core has no
// script-hash index, so the engine announces every script through
// NoteScript; the explorer imports it into a dedicated watch-only
// descriptor wallet and reads history back through the wallet RPCs.
// txindex=1 is required for FetchTx.
type Bitcoind struct {
	rpc              *rpcclient.Client
	walletRPC        *rpcclient.Client
	cfg              BitcoindConfig
	irreversibleConf uint32

	mu       sync.Mutex
	scripts  map[string][]byte // script hash → raw script
	imported map[string]string // script hash → address
	params   *chaincfg.Params
}

// BitcoindConfig configures a bitcoind explorer.
type BitcoindConfig struct {
	Host string
	User string
	Pass string
	// WalletName of the watch-only wallet (default "descriptor_watcher").
	WalletName string
	// Network the node is expected to run on.
	Network models.NetworkID
	// IrreversibleConfirmations before a tx counts as irreversible
	// (default DefaultIrreversibleConfirmations).
	IrreversibleConfirmations uint32
}

// NewBitcoind creates a bitcoind explorer. The RPC connection is
// established by Connect.
func NewBitcoind(cfg BitcoindConfig) (*Bitcoind, error) {
	if cfg.WalletName == "" {
		cfg.WalletName = "descriptor_watcher"
	}
	if cfg.IrreversibleConfirmations == 0 {
		cfg.IrreversibleConfirmations = DefaultIrreversibleConfirmations
	}
	params, err := cfg.Network.ChainParams()
	if err != nil {
		return nil, err
	}
	return &Bitcoind{
		cfg:              cfg,
		irreversibleConf: cfg.IrreversibleConfirmations,
		scripts:          make(map[string][]byte),
		imported:         make(map[string]string),
		params:           params,
	}, nil
}

// Connect dials the node, verifies it, and makes sure the watch-only
// wallet is loaded.
func (b *Bitcoind) Connect(ctx context.Context) error {
	if b.rpc != nil {
		return nil
	}
	connCfg := &rpcclient.ConnConfig{
		Host:         b.cfg.Host,
		User:         b.cfg.User,
		Pass:         b.cfg.Pass,
		HTTPPostMode: true, // Bitcoin Core only supports HTTP POST mode
		DisableTLS:   true,
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return err
	}
	blockCount, err := client.GetBlockCount()
	if err != nil {
		client.Shutdown()
		return err
	}
	log.Printf("[Explorer] Connected to Bitcoin node at %s, height %d", b.cfg.Host, blockCount)
	b.rpc = client

	if err := b.initializeWallet(); err != nil {
		client.Shutdown()
		b.rpc = nil
		return fmt.Errorf("initialize wallet: %w", err)
	}
	return nil
}

// Close shuts down both RPC clients.
func (b *Bitcoind) Close() error {
	if b.walletRPC != nil {
		b.walletRPC.Shutdown()
		b.walletRPC = nil
	}
	if b.rpc != nil {
		b.rpc.Shutdown()
		b.rpc = nil
	}
	return nil
}

// NoteScript records the raw script behind a script hash so FetchTxHistory
// can import it.
func (b *Bitcoind) NoteScript(scriptHash string, script []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[scriptHash] = append([]byte(nil), script...)
}

// initializeWallet loads or creates the watch-only descriptor wallet and
// points a second client at its endpoint.
func (b *Bitcoind) initializeWallet() error {
	wallets, err := b.listWallets()
	if err != nil {
		return err
	}
	loaded := false
	for _, w := range wallets {
		if w == b.cfg.WalletName {
			loaded = true
			break
		}
	}
	if !loaded {
		if _, err := b.rpc.LoadWallet(b.cfg.WalletName); err != nil {
			if err := b.createWallet(b.cfg.WalletName); err != nil {
				return err
			}
		}
	}

	walletCfg := &rpcclient.ConnConfig{
		Host:         b.cfg.Host + "/wallet/" + b.cfg.WalletName,
		User:         b.cfg.User,
		Pass:         b.cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
	walletClient, err := rpcclient.New(walletCfg, nil)
	if err != nil {
		return err
	}
	b.walletRPC = walletClient
	return nil
}

func (b *Bitcoind) listWallets() ([]string, error) {
	rawResp, err := b.rpc.RawRequest("listwallets", nil)
	if err != nil {
		return nil, err
	}
	var wallets []string
	if err := json.Unmarshal(rawResp, &wallets); err != nil {
		return nil, err
	}
	return wallets, nil
}

// createWallet makes a blank descriptor wallet with private keys disabled.
func (b *Bitcoind) createWallet(name string) error {
	params := []interface{}{
		name,  // wallet_name
		true,  // disable_private_keys
		true,  // blank
		"",    // passphrase
		false, // avoid_reuse
		true,  // descriptors
		true,  // load_on_startup
	}
	rawParams := make([]json.RawMessage, len(params))
	for i, v := range params {
		marshaled, err := json.Marshal(v)
		if err != nil {
			return err
		}
		rawParams[i] = marshaled
	}
	_, err := b.rpc.RawRequest("createwallet", rawParams)
	return err
}

type descriptorImport struct {
	Desc      string      `json:"desc"`
	Active    bool        `json:"active"`
	Timestamp interface{} `json:"timestamp"`
	Label     string      `json:"label"`
}

// importScript registers a script's address as watch-only, with a rescan
// from genesis, and returns the address. Idempotent per script hash.
func (b *Bitcoind) importScript(scriptHash string) (string, error) {
	b.mu.Lock()
	if addr, ok := b.imported[scriptHash]; ok {
		b.mu.Unlock()
		return addr, nil
	}
	script, ok := b.scripts[scriptHash]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no script known for hash %s", scriptHash)
	}

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, b.params)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("script %x has no address form", script)
	}
	address := addrs[0].EncodeAddress()

	// getdescriptorinfo supplies the checksum importdescriptors insists on.
	descStr := "addr(" + address + ")"
	descParam, err := json.Marshal(descStr)
	if err != nil {
		return "", err
	}
	resp, err := b.walletRPC.RawRequest("getdescriptorinfo", []json.RawMessage{descParam})
	if err != nil {
		return "", err
	}
	var info struct {
		Descriptor string `json:"descriptor"`
	}
	if err := json.Unmarshal(resp, &info); err != nil {
		return "", err
	}

	req := descriptorImport{
		Desc:      info.Descriptor,
		Active:    false, // addr() is not solvable, it can only be watched
		Timestamp: 0,     // rescan from genesis
		Label:     scriptHash,
	}
	reqBytes, err := json.Marshal([]descriptorImport{req})
	if err != nil {
		return "", err
	}
	if _, err := b.walletRPC.RawRequest("importdescriptors", []json.RawMessage{reqBytes}); err != nil {
		return "", err
	}

	b.mu.Lock()
	b.imported[scriptHash] = address
	b.mu.Unlock()
	return address, nil
}

// FetchTxHistory imports the script as watch-only and lists the wallet
// transactions touching its address.
func (b *Bitcoind) FetchTxHistory(ctx context.Context, scriptHash string) ([]models.TxHistoryEntry, error) {
	if b.walletRPC == nil {
		return nil, fmt.Errorf("not connected")
	}
	address, err := b.importScript(scriptHash)
	if err != nil {
		return nil, err
	}
	tip, err := b.FetchBlockHeight(ctx)
	if err != nil {
		return nil, err
	}

	// listtransactions label count skip include_watchonly
	params := []interface{}{scriptHash, 1000, 0, true}
	rawParams := make([]json.RawMessage, len(params))
	for i, v := range params {
		marshaled, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		rawParams[i] = marshaled
	}
	rawResp, err := b.walletRPC.RawRequest("listtransactions", rawParams)
	if err != nil {
		return nil, err
	}
	var listed []btcjson.ListTransactionsResult
	if err := json.Unmarshal(rawResp, &listed); err != nil {
		return nil, err
	}

	// One entry per txid, oldest first, confirmations mapped back to
	// heights the way the rest of the engine expects.
	seen := make(map[string]struct{})
	var entries []models.TxHistoryEntry
	for _, item := range listed {
		if item.Address != address {
			continue
		}
		if _, dup := seen[item.TxID]; dup {
			continue
		}
		seen[item.TxID] = struct{}{}
		entry := models.TxHistoryEntry{TxID: item.TxID}
		if item.Confirmations > 0 {
			entry.BlockHeight = tip - uint32(item.Confirmations) + 1
			entry.Irreversible = uint32(item.Confirmations) >= b.irreversibleConf
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// FetchTx returns the raw transaction via getrawtransaction (txindex=1).
func (b *Bitcoind) FetchTx(ctx context.Context, txID string) ([]byte, error) {
	if b.rpc == nil {
		return nil, fmt.Errorf("not connected")
	}
	hash, err := chainhash.NewHashFromStr(txID)
	if err != nil {
		return nil, fmt.Errorf("bad txid %q: %w", txID, err)
	}
	tx, err := b.rpc.GetRawTransaction(hash)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(tx.MsgTx().SerializeSize())
	if err := tx.MsgTx().Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FetchBlockHeight returns the node's tip height.
func (b *Bitcoind) FetchBlockHeight(ctx context.Context) (uint32, error) {
	if b.rpc == nil {
		return 0, fmt.Errorf("not connected")
	}
	count, err := b.rpc.GetBlockCount()
	if err != nil {
		return 0, err
	}
	return uint32(count), nil
}
