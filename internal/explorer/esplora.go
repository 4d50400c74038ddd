package explorer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// Esplora talks to a Blockstream-style esplora HTTP API. Esplora keys
// script hashes in plain sha256 order, so the Electrum-reversed hash the
// engine hands over is reversed back before hitting the wire.
type Esplora struct {
	baseURL          string
	client           *http.Client
	irreversibleConf uint32
}

// EsploraConfig configures an esplora explorer.
type EsploraConfig struct {
	// BaseURL, e.g. "https://blockstream.info/api".
	BaseURL string
	// IrreversibleConfirmations before a tx counts as irreversible
	// (default DefaultIrreversibleConfirmations).
	IrreversibleConfirmations uint32
	// Timeout per request (default 30s).
	Timeout time.Duration
}

// NewEsplora creates an esplora explorer.
func NewEsplora(cfg EsploraConfig) *Esplora {
	if cfg.IrreversibleConfirmations == 0 {
		cfg.IrreversibleConfirmations = DefaultIrreversibleConfirmations
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Esplora{
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		client:           &http.Client{Timeout: cfg.Timeout},
		irreversibleConf: cfg.IrreversibleConfirmations,
	}
}

// Connect is a no-op for the stateless HTTP transport.
func (e *Esplora) Connect(ctx context.Context) error { return nil }

// Close is a no-op.
func (e *Esplora) Close() error { return nil }

func (e *Esplora) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

type esploraTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint32 `json:"block_height"`
	} `json:"status"`
}

// FetchTxHistory pages through /scripthash/:hash/txs until the backend has
// nothing older to report.
func (e *Esplora) FetchTxHistory(ctx context.Context, scriptHash string) ([]models.TxHistoryEntry, error) {
	plain, err := unreverseHex(scriptHash)
	if err != nil {
		return nil, err
	}
	tip, err := e.FetchBlockHeight(ctx)
	if err != nil {
		return nil, err
	}

	var entries []models.TxHistoryEntry
	lastSeen := ""
	for {
		path := "/scripthash/" + plain + "/txs"
		if lastSeen != "" {
			path += "/chain/" + lastSeen
		}
		body, err := e.get(ctx, path)
		if err != nil {
			return nil, err
		}
		var page []esploraTx
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode history page: %w", err)
		}
		confirmedInPage := 0
		for _, tx := range page {
			entry := models.TxHistoryEntry{TxID: tx.TxID}
			if tx.Status.Confirmed {
				confirmedInPage++
				entry.BlockHeight = tx.Status.BlockHeight
				entry.Irreversible = tip-tx.Status.BlockHeight+1 >= e.irreversibleConf
				lastSeen = tx.TxID
			}
			entries = append(entries, entry)
		}
		// Pages past the first carry confirmed txs only; a short page is
		// the last one.
		if confirmedInPage < 25 {
			return entries, nil
		}
	}
}

// FetchTx returns the raw transaction bytes.
func (e *Esplora) FetchTx(ctx context.Context, txID string) ([]byte, error) {
	body, err := e.get(ctx, "/tx/"+txID+"/hex")
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("decode tx %s: %w", txID, err)
	}
	return raw, nil
}

// FetchBlockHeight returns the current tip height.
func (e *Esplora) FetchBlockHeight(ctx context.Context) (uint32, error) {
	body, err := e.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("decode tip height: %w", err)
	}
	return uint32(height), nil
}

// unreverseHex flips a byte-reversed hex string back to natural order.
func unreverseHex(s string) (string, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("bad script hash %q: %w", s, err)
	}
	for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
		raw[i], raw[j] = raw[j], raw[i]
	}
	return hex.EncodeToString(raw), nil
}
