// Package bitcoin holds the BIP32/BIP84 plumbing this service needs around
// already-registered extended public keys: parsing, fingerprinting, and
// deriving receive/change addresses. It never touches a private key — key
// generation is out of scope, custody is delegated to a remote signer.
package bitcoin

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/mr-tron/base58"

	"github.com/Rsync25/bria/internal/config"
)

// Fingerprint is the 4-byte BIP32 key fingerprint (parent or own), hex
// encoded for storage and comparison.
type Fingerprint [4]byte

// String renders the fingerprint as lowercase hex.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%08x", binary.BigEndian.Uint32(f[:]))
}

// NetworkParams returns the chaincfg.Params for the configured network,
// exactly the teacher's wallet.NetworkParams helper.
func NetworkParams(network string) *chaincfg.Params {
	switch network {
	case "testnet":
		return &chaincfg.TestNet3Params
	default:
		return &chaincfg.MainNetParams
	}
}

// ParseXPub parses and validates a base58check-encoded extended public key,
// rejecting anything that embeds a private key. A string with characters
// outside the base58 alphabet is surfaced distinctly from one that decodes
// but is not a valid extended key (a checksum failure falls in the latter).
func ParseXPub(xpub string, net *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {
	if _, err := base58.Decode(xpub); err != nil {
		return nil, fmt.Errorf("xpub %q is not valid base58: %w", xpub, err)
	}

	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("parse xpub: %w", err)
	}
	if key.IsPrivate() {
		return nil, fmt.Errorf("%q is an extended private key, not a public one", xpub)
	}
	if !key.IsForNet(net) {
		return nil, fmt.Errorf("xpub network mismatch: expected %s", net.Name)
	}
	return key, nil
}

// OwnFingerprint returns the fingerprint of the key itself (used to identify
// the xpub independent of its parent), matching the `fingerprint` column in
// spec.md's XPub entity.
func OwnFingerprint(key *hdkeychain.ExtendedKey) (Fingerprint, error) {
	pub, err := key.ECPubKey()
	if err != nil {
		return Fingerprint{}, fmt.Errorf("own fingerprint: %w", err)
	}
	h := btcutil.Hash160(pub.SerializeCompressed())
	var fp Fingerprint
	copy(fp[:], h[:4])
	return fp, nil
}

// ParentFingerprint extracts the parent-key fingerprint embedded in the
// extended key itself, matching the `parent_fingerprint` column.
func ParentFingerprint(key *hdkeychain.ExtendedKey) Fingerprint {
	var fp Fingerprint
	copy(fp[:], key.ParentFingerprint())
	return fp
}

// Keychain is a derivation branch (external/receive or internal/change) under
// a registered xpub, matching one row of spec.md's Keychain entity.
type Keychain struct {
	XPub     *hdkeychain.ExtendedKey
	External bool
}

// branch derives m/0 (external) or m/1 (internal) from the account-level
// xpub, per BIP84. Only non-hardened derivation is possible from a public
// key, which is exactly what receive/change branches require.
func (k Keychain) branch() (*hdkeychain.ExtendedKey, error) {
	idx := uint32(1)
	if k.External {
		idx = 0
	}
	child, err := k.XPub.Derive(idx)
	if err != nil {
		return nil, fmt.Errorf("derive keychain branch %d: %w", idx, err)
	}
	return child, nil
}

// DeriveAddress derives the Native SegWit (BIP84 bech32) address at the
// given index within this keychain. This is the public-key-only analogue of
// the teacher's DeriveBTCAddress — it never sees a private key.
func (k Keychain) DeriveAddress(index uint32, net *chaincfg.Params) (btcutil.Address, error) {
	branch, err := k.branch()
	if err != nil {
		return nil, err
	}
	child, err := branch.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive keychain child at index %d: %w", index, err)
	}
	pubKey, err := child.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("keychain child public key at index %d: %w", index, err)
	}
	witnessProg := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(witnessProg, net)
	if err != nil {
		return nil, fmt.Errorf("derive bech32 address at index %d: %w", index, err)
	}

	slog.Debug("derived keychain address",
		"index", index,
		"external", k.External,
		"address", addr.EncodeAddress(),
		"network", net.Name,
	)
	return addr, nil
}

// ExpectedDepth is the BIP84 account-level derivation depth
// (m/84'/coin'/account'), which every registered xpub must match — spec.md's
// XPubDepthMismatch invariant.
const ExpectedDepth = 3

// CheckDepth validates that an xpub sits at the expected account-level BIP32
// depth, returning config.ErrXPubDepthMismatch with both the expected and
// actual depth otherwise.
func CheckDepth(key *hdkeychain.ExtendedKey) error {
	if int(key.Depth()) != ExpectedDepth {
		return fmt.Errorf("%w: expected depth %d, got %d", config.ErrXPubDepthMismatch, ExpectedDepth, key.Depth())
	}
	return nil
}
