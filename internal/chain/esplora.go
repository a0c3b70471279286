// Package chain implements job.ChainSource and job.Broadcaster against an
// Esplora-compatible HTTP API (blockstream.info / mempool.space), the same
// family of endpoints the teacher's internal/scanner polled for address
// balances — generalized here from "sum up an address's funded/spent
// totals" to "list this address's individual UTXOs with their
// confirmation depth" and "submit a raw transaction," since sync_wallet
// and broadcast need outpoint-level and write-path data the teacher's
// balance-only providers never did.
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/btcsuite/btcd/txscript"

	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/job"
	bitcoinprim "github.com/Rsync25/bria/internal/primitives/bitcoin"
)

const (
	EsploraMainnetURL = "https://blockstream.info/api"
	EsploraTestnetURL = "https://blockstream.info/testnet/api"
)

// esploraUTXO mirrors the /address/:addr/utxo response shape.
type esploraUTXO struct {
	Txid   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

// RateLimiter is the capability internal/job's RateLimiter already
// provides; declared here as an interface so this package doesn't import
// internal/job's concrete type back into its own constructor signature.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// EsploraClient watches scripts for funding and confirmation and
// broadcasts signed transactions against an Esplora-compatible API.
// Scripts are looked up by their corresponding address, since Esplora has
// no scriptPubKey-indexed endpoint; the caller-supplied scriptHex is
// echoed back on every Observation so job.Handlers can map it straight
// back to a keychain/index without a second lookup.
type EsploraClient struct {
	client  *http.Client
	rl      RateLimiter
	baseURL string
	network string
}

// NewEsploraClient constructs a client against the given network's
// Esplora instance ("mainnet" or anything else for testnet, matching
// config.Config.Network's validated values).
func NewEsploraClient(httpClient *http.Client, rl RateLimiter, network string) *EsploraClient {
	baseURL := EsploraTestnetURL
	if network == "mainnet" {
		baseURL = EsploraMainnetURL
	}
	return &EsploraClient{client: httpClient, rl: rl, baseURL: baseURL, network: network}
}

// WatchedOutputs implements job.ChainSource. Esplora has no
// scriptPubKey-indexed endpoint, only an address-indexed one, so each
// hex-encoded script is first decoded back into its address (the same
// txscript.PayToAddrScript the caller used to build it, run in reverse)
// before querying.
func (c *EsploraClient) WatchedOutputs(ctx context.Context, scripts []string) ([]job.Observation, error) {
	tipHeight, err := c.tipHeight(ctx)
	if err != nil {
		return nil, err
	}
	net := bitcoinprim.NetworkParams(c.network)

	observations := make([]job.Observation, 0, len(scripts))
	for _, scriptHex := range scripts {
		script, err := hex.DecodeString(scriptHex)
		if err != nil {
			return observations, fmt.Errorf("%w: decode scriptHex: %v", config.ErrChainData, err)
		}
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, net)
		if err != nil || len(addrs) == 0 {
			return observations, fmt.Errorf("%w: script has no derivable address", config.ErrChainData)
		}
		address := addrs[0].EncodeAddress()

		if err := c.rl.Wait(ctx); err != nil {
			return observations, err
		}
		utxos, err := c.fetchUTXOs(ctx, address)
		if err != nil {
			return observations, err
		}

		for _, u := range utxos {
			confirmations := uint32(0)
			if u.Status.Confirmed && u.Status.BlockHeight > 0 && tipHeight >= u.Status.BlockHeight {
				confirmations = uint32(tipHeight-u.Status.BlockHeight) + 1
			}
			observations = append(observations, job.Observation{
				Txid:            u.Txid,
				Vout:            u.Vout,
				ValueSats:       u.Value,
				Address:         address,
				ScriptHex:       scriptHex,
				Confirmations:   confirmations,
				SatsPerVByteNow: 0,
			})
		}
	}
	return observations, nil
}

func (c *EsploraClient) fetchUTXOs(ctx context.Context, address string) ([]esploraUTXO, error) {
	url := fmt.Sprintf("%s/address/%s/utxo", c.baseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create utxo request: %v", config.ErrChainData, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrChainData, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned HTTP %d", config.ErrChainData, url, resp.StatusCode)
	}

	var utxos []esploraUTXO
	if err := json.NewDecoder(resp.Body).Decode(&utxos); err != nil {
		return nil, fmt.Errorf("%w: decode utxo response: %v", config.ErrChainData, err)
	}
	return utxos, nil
}

func (c *EsploraClient) tipHeight(ctx context.Context) (int64, error) {
	url := fmt.Sprintf("%s/blocks/tip/height", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: create tip height request: %v", config.ErrChainData, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", config.ErrChainData, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: tip height returned HTTP %d", config.ErrChainData, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", config.ErrChainData, err)
	}
	var height int64
	if _, err := fmt.Sscanf(string(body), "%d", &height); err != nil {
		return 0, fmt.Errorf("%w: parse tip height: %v", config.ErrChainData, err)
	}
	return height, nil
}

// Broadcast implements job.Broadcaster by POSTing the raw transaction hex
// to Esplora's /tx endpoint, which echoes the resulting txid as plain text.
func (c *EsploraClient) Broadcast(ctx context.Context, signedTx []byte) (string, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/tx", c.baseURL)
	body := strings.NewReader(hex.EncodeToString(signedTx))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", fmt.Errorf("%w: create broadcast request: %v", config.ErrBroadcastFailed, err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", config.ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", config.ErrBroadcastFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", config.ErrBroadcastFailed, bytes.TrimSpace(respBody))
	}
	return strings.TrimSpace(string(respBody)), nil
}
