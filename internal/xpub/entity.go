// Package xpub implements the XPub & keychain registry (C4): persisting
// registered extended public keys as event-sourced entities and resolving
// the remote signer capability configured for one. Grounded in
// original_source's src/xpub/entity.go (AccountXPub, XPubEvent,
// SignerConfig, NewAccountXPub) and src/xpub/repo.go.
package xpub

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/entity"
	bitcoinprim "github.com/Rsync25/bria/internal/primitives/bitcoin"

	"github.com/Rsync25/bria/internal/primitives"
)

// SignerConfig is the polymorphic remote-signer configuration an xpub may
// carry — spec.md §3 "optional SignerConfig (variant: {Lnd(cfg),
// Bitcoind(cfg)})".
type SignerConfig interface {
	isSignerConfig()
	Kind() string
}

// LndSignerConfig configures signing via a remote LND node's PSBT signing
// RPC. The wire protocol itself is out of scope (external collaborator) —
// this is only the connection info a Dialer needs.
type LndSignerConfig struct {
	Endpoint    string
	MacaroonHex string
	TLSCertHex  string
}

func (LndSignerConfig) isSignerConfig() {}
func (LndSignerConfig) Kind() string    { return "lnd" }

// BitcoindSignerConfig configures signing via a remote bitcoind's
// walletprocesspsbt RPC.
type BitcoindSignerConfig struct {
	Endpoint string
	RPCUser  string
	RPCPass  string
}

func (BitcoindSignerConfig) isSignerConfig() {}
func (BitcoindSignerConfig) Kind() string    { return "bitcoind" }

// XPubEvent is the tagged event union rehydrated into an AccountXPub,
// mirroring original_source's XPubEvent enum (XpubInitialized,
// XpubNameUpdated, SignerConfigUpdated).
type XPubEvent struct {
	Initialized   *Initialized
	NameUpdated   *NameUpdated
	SignerUpdated *SignerUpdated
}

// Initialized is the founding event of every XPub entity; an entity with no
// Initialized event is not addressable, per spec.md §4.1.
type Initialized struct {
	AccountID         primitives.AccountID
	KeyName           string
	Fingerprint       bitcoinprim.Fingerprint
	ParentFingerprint bitcoinprim.Fingerprint
	Original          string
	DerivationDepth   uint8
}

// NameUpdated renames the xpub's key_name.
type NameUpdated struct {
	Name string
}

// SignerUpdated replaces the xpub's signer configuration.
type SignerUpdated struct {
	Config SignerConfig
}

// AccountXPub is the current projection of an xpub's event log, mirroring
// original_source's AccountXPub{account_id, key_name, value, db_uuid,
// events}.
type AccountXPub struct {
	ID                primitives.XPubID
	AccountID         primitives.AccountID
	KeyName           string
	Fingerprint       bitcoinprim.Fingerprint
	ParentFingerprint bitcoinprim.Fingerprint
	Original          string
	Events            *entity.EntityEvents[XPubEvent]
}

// SigningCfg returns the latest SignerConfigUpdated event's config, or nil
// if none has been set — mirroring AccountXPub::signing_cfg's "find the
// latest SignerConfigUpdated event" fold.
func (x *AccountXPub) SigningCfg() SignerConfig {
	var cfg SignerConfig
	for _, e := range x.Events.All() {
		if e.Payload.SignerUpdated != nil {
			cfg = e.Payload.SignerUpdated.Config
		}
	}
	return cfg
}

// builder implements entity.Builder[XPubEvent, *AccountXPub], folding the
// event stream into a projection.
type builder struct {
	id  primitives.XPubID
	acc *AccountXPub
}

func newBuilder(id primitives.XPubID) entity.Builder[XPubEvent, *AccountXPub] {
	return &builder{id: id}
}

func (b *builder) Apply(e XPubEvent) {
	switch {
	case e.Initialized != nil:
		init := e.Initialized
		b.acc = &AccountXPub{
			ID:                b.id,
			AccountID:         init.AccountID,
			KeyName:           init.KeyName,
			Fingerprint:       init.Fingerprint,
			ParentFingerprint: init.ParentFingerprint,
			Original:          init.Original,
		}
	case e.NameUpdated != nil:
		if b.acc != nil {
			b.acc.KeyName = e.NameUpdated.Name
		}
	}
}

func (b *builder) Build() (*AccountXPub, error) {
	if b.acc == nil {
		return nil, fmt.Errorf("xpub %s: %w", b.id.String(), config.ErrXPubNotFound)
	}
	return b.acc, nil
}

// NewAccountXPub validates and parses an xpub string and builds the initial
// event(s) for a freshly registered xpub — mirroring original_source's
// NewAccountXPub builder producing initial_events().
func NewAccountXPub(accountID primitives.AccountID, keyName, original, network string) (*AccountXPub, error) {
	net := bitcoinprim.NetworkParams(network)
	key, err := bitcoinprim.ParseXPub(original, net)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrXPubParseError, err)
	}
	if err := bitcoinprim.CheckDepth(key); err != nil {
		return nil, err
	}
	fp, err := bitcoinprim.OwnFingerprint(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrXPubParseError, err)
	}

	events := entity.NewEntityEvents[XPubEvent]()
	events.Push(XPubEvent{Initialized: &Initialized{
		AccountID:         accountID,
		KeyName:           keyName,
		Fingerprint:       fp,
		ParentFingerprint: bitcoinprim.ParentFingerprint(key),
		Original:          original,
		DerivationDepth:   key.Depth(),
	}})
	events.Push(XPubEvent{NameUpdated: &NameUpdated{Name: keyName}})

	return &AccountXPub{
		ID:                primitives.NewXPubID(),
		AccountID:         accountID,
		KeyName:           keyName,
		Fingerprint:       fp,
		ParentFingerprint: bitcoinprim.ParentFingerprint(key),
		Original:          original,
		Events:            events,
	}, nil
}

// Key re-parses the xpub's original string into an *hdkeychain.ExtendedKey,
// for derivation (internal/wallet keychain address derivation).
func (x *AccountXPub) Key(network string) (*hdkeychain.ExtendedKey, error) {
	return bitcoinprim.ParseXPub(x.Original, bitcoinprim.NetworkParams(network))
}
