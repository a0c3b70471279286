package job

import "context"

// Observation is one output a ChainSource has seen paid to a watched
// script, at whatever confirmation depth the source currently reports.
type Observation struct {
	Txid            string
	Vout            uint32
	ValueSats       int64
	Address         string
	ScriptHex       string
	Confirmations   uint32
	SatsPerVByteNow uint32
}

// ChainSource is the capability sync_wallet consumes to learn about new and
// newly-confirmed outputs paid to a keychain's derived addresses. No
// concrete chain-data HTTP client in the example pack matches "watch
// confirmations for a custodial Bitcoin wallet" closely enough to adapt
// without inventing a new protocol client from nothing, so — mirroring
// internal/xpub's Dialer/RemoteSigningClient seam — this is the interface a
// real Esplora/Electrum/bitcoind-RPC client plugs into; sync_wallet only
// ever depends on it.
type ChainSource interface {
	// WatchedOutputs returns every output currently visible on chain paid
	// to any of the given scripts (hex-encoded scriptPubKeys).
	WatchedOutputs(ctx context.Context, scripts []string) ([]Observation, error)
}

// Broadcaster is the capability the broadcast job hands a fully-signed
// transaction to. Same seam shape as ChainSource: a real implementation
// speaks to a node's RPC or a block-relay service, broadcast only ever
// depends on this interface.
type Broadcaster interface {
	Broadcast(ctx context.Context, signedTx []byte) (txid string, err error)
}
