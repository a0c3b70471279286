package xpub

import (
	"context"

	"github.com/Rsync25/bria/internal/config"
)

// RemoteSigningClient is the capability a configured xpub exposes once
// dialed: "sign this PSBT for me". Concrete wire protocols (LND's
// gRPC+macaroon signer RPC, bitcoind's walletprocesspsbt over RPC) are
// external collaborators out of scope here — this interface is the seam a
// real implementation plugs into; internal/signing only ever depends on it.
type RemoteSigningClient interface {
	// SignPSBT asks the remote signer to add its signatures to an unsigned
	// (or partially signed) PSBT, returning the updated PSBT bytes.
	SignPSBT(ctx context.Context, psbt []byte) ([]byte, error)
}

// Dialer turns a SignerConfig into a live RemoteSigningClient. Production
// wiring supplies a Dialer that actually speaks to LND/bitcoind; tests
// supply a fake. Keeping the dial behind an injected seam is what lets
// internal/signing be tested without any real remote signer running.
type Dialer interface {
	Dial(ctx context.Context, cfg SignerConfig) (RemoteSigningClient, error)
}

// ResolveSigner dials the RemoteSigningClient for xp's currently configured
// SignerConfig, or config.ErrSignerConfigMissing if none has been set —
// spec.md §7's "no signer configured for xpub" error case.
func ResolveSigner(ctx context.Context, dialer Dialer, xp *AccountXPub) (RemoteSigningClient, error) {
	cfg := xp.SigningCfg()
	if cfg == nil {
		return nil, config.ErrSignerConfigMissing
	}
	client, err := dialer.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}
