package chain

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

type noopRateLimiter struct{}

func (noopRateLimiter) Wait(ctx context.Context) error { return nil }

func testScriptHex(t *testing.T) (scriptHex, address string) {
	t.Helper()
	addr, err := btcutil.DecodeAddress("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("decode address: %v", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatalf("build script: %v", err)
	}
	return hex.EncodeToString(script), addr.EncodeAddress()
}

func TestWatchedOutputs_ReturnsObservationsWithComputedConfirmations(t *testing.T) {
	scriptHex, address := testScriptHex(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1000"))
	})
	mux.HandleFunc("/address/"+address+"/utxo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"txid":"abc123","vout":0,"value":100000,"status":{"confirmed":true,"block_height":990}},
			{"txid":"def456","vout":1,"value":50000,"status":{"confirmed":false,"block_height":0}}
		]`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := &EsploraClient{client: server.Client(), rl: noopRateLimiter{}, baseURL: server.URL, network: "mainnet"}

	obs, err := c.WatchedOutputs(context.Background(), []string{scriptHex})
	if err != nil {
		t.Fatalf("WatchedOutputs() error = %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(obs))
	}

	if obs[0].Txid != "abc123" || obs[0].Confirmations != 11 {
		t.Errorf("expected abc123 with 11 confirmations, got %+v", obs[0])
	}
	if obs[1].Txid != "def456" || obs[1].Confirmations != 0 {
		t.Errorf("expected def456 unconfirmed, got %+v", obs[1])
	}
	if obs[0].ScriptHex != scriptHex {
		t.Errorf("expected ScriptHex echoed back, got %q", obs[0].ScriptHex)
	}
}

func TestWatchedOutputs_InvalidScriptHexErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1000"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := &EsploraClient{client: server.Client(), rl: noopRateLimiter{}, baseURL: server.URL, network: "mainnet"}

	if _, err := c.WatchedOutputs(context.Background(), []string{"not-hex"}); err == nil {
		t.Fatal("expected an error for invalid scriptHex")
	}
}

func TestBroadcast_ReturnsTxidOnSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("deadbeef00112233\n"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := &EsploraClient{client: server.Client(), rl: noopRateLimiter{}, baseURL: server.URL, network: "mainnet"}

	txid, err := c.Broadcast(context.Background(), []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if txid != "deadbeef00112233" {
		t.Errorf("expected trimmed txid, got %q", txid)
	}
}

func TestBroadcast_NonOKStatusErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad-txns-inputs-missingorspent"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := &EsploraClient{client: server.Client(), rl: noopRateLimiter{}, baseURL: server.URL, network: "mainnet"}

	if _, err := c.Broadcast(context.Background(), []byte{0x01}); err == nil {
		t.Fatal("expected an error for a non-200 broadcast response")
	}
}

func TestNewEsploraClient_SelectsNetworkBaseURL(t *testing.T) {
	mainnet := NewEsploraClient(http.DefaultClient, noopRateLimiter{}, "mainnet")
	if mainnet.baseURL != EsploraMainnetURL {
		t.Errorf("expected mainnet base URL, got %q", mainnet.baseURL)
	}

	testnet := NewEsploraClient(http.DefaultClient, noopRateLimiter{}, "testnet")
	if testnet.baseURL != EsploraTestnetURL {
		t.Errorf("expected testnet base URL, got %q", testnet.baseURL)
	}
}
