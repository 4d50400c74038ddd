package explorer

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// Electrum speaks the Electrum server protocol: newline-delimited JSON-RPC
// over TCP. Script hashes are already in the protocol's reversed-sha256
// form, so they pass straight through.
type Electrum struct {
	addr             string
	irreversibleConf uint32
	timeout          time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	nextID uint64
}

// ElectrumConfig configures an electrum explorer.
type ElectrumConfig struct {
	// Addr is the host:port of the server.
	Addr string
	// IrreversibleConfirmations before a tx counts as irreversible
	// (default DefaultIrreversibleConfirmations).
	IrreversibleConfirmations uint32
	// Timeout per request (default 30s).
	Timeout time.Duration
}

// NewElectrum creates an electrum explorer.
func NewElectrum(cfg ElectrumConfig) *Electrum {
	if cfg.IrreversibleConfirmations == 0 {
		cfg.IrreversibleConfirmations = DefaultIrreversibleConfirmations
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Electrum{
		addr:             cfg.Addr,
		irreversibleConf: cfg.IrreversibleConfirmations,
		timeout:          cfg.Timeout,
	}
}

// Connect dials the server and performs the version handshake.
func (e *Electrum) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return nil
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return err
	}
	e.conn = conn
	e.reader = bufio.NewReader(conn)

	var version []string
	if err := e.callLocked(ctx, "server.version", []any{"descriptor-discovery", "1.4"}, &version); err != nil {
		conn.Close()
		e.conn = nil
		e.reader = nil
		return fmt.Errorf("server.version: %w", err)
	}
	return nil
}

// Close tears down the connection.
func (e *Electrum) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	e.reader = nil
	return err
}

type electrumRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type electrumResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// callLocked sends one request and reads lines until its response arrives,
// skipping server-initiated notifications.
func (e *Electrum) callLocked(ctx context.Context, method string, params []any, result any) error {
	if e.conn == nil {
		return fmt.Errorf("not connected")
	}
	e.nextID++
	id := e.nextID

	payload, err := json.Marshal(electrumRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	deadline := time.Now().Add(e.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = e.conn.SetDeadline(deadline)

	if _, err := e.conn.Write(append(payload, '\n')); err != nil {
		return err
	}
	for {
		line, err := e.reader.ReadBytes('\n')
		if err != nil {
			return err
		}
		var resp electrumResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %d: %s", method, resp.Error.Code, resp.Error.Message)
		}
		return json.Unmarshal(resp.Result, result)
	}
}

func (e *Electrum) call(ctx context.Context, method string, params []any, result any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callLocked(ctx, method, params, result)
}

type electrumHistoryItem struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
}

// FetchTxHistory calls blockchain.scripthash.get_history. Heights of 0 and
// -1 both mean mempool.
func (e *Electrum) FetchTxHistory(ctx context.Context, scriptHash string) ([]models.TxHistoryEntry, error) {
	tip, err := e.FetchBlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	var items []electrumHistoryItem
	if err := e.call(ctx, "blockchain.scripthash.get_history", []any{scriptHash}, &items); err != nil {
		return nil, err
	}
	entries := make([]models.TxHistoryEntry, 0, len(items))
	for _, item := range items {
		entry := models.TxHistoryEntry{TxID: item.TxHash}
		if item.Height > 0 {
			entry.BlockHeight = uint32(item.Height)
			entry.Irreversible = tip-entry.BlockHeight+1 >= e.irreversibleConf
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// FetchTx calls blockchain.transaction.get.
func (e *Electrum) FetchTx(ctx context.Context, txID string) ([]byte, error) {
	var txHex string
	if err := e.call(ctx, "blockchain.transaction.get", []any{txID}, &txHex); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("decode tx %s: %w", txID, err)
	}
	return raw, nil
}

type electrumHeader struct {
	Height uint32 `json:"height"`
}

// FetchBlockHeight subscribes to headers and returns the announced tip.
func (e *Electrum) FetchBlockHeight(ctx context.Context) (uint32, error) {
	var header electrumHeader
	if err := e.call(ctx, "blockchain.headers.subscribe", []any{}, &header); err != nil {
		return 0, err
	}
	return header.Height, nil
}
