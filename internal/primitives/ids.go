// Package primitives holds the value types shared across every domain
// package: typed identifiers, satoshi amounts, and outpoints. Nothing here
// touches persistence or business rules — it is the vocabulary the rest of
// the module is written in.
package primitives

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// id is the common representation behind every typed identifier below: a
// UUID that knows how to read/write itself through database/sql and JSON
// without any other package needing to import google/uuid directly.
type id struct {
	uuid.UUID
}

func newID() id {
	return id{uuid.New()}
}

func parseID(s string) (id, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return id{}, fmt.Errorf("parse id %q: %w", s, err)
	}
	return id{u}, nil
}

func (i id) String() string { return i.UUID.String() }

func (i id) Value() (driver.Value, error) {
	return i.UUID.String(), nil
}

func (i *id) Scan(src any) error {
	switch v := src.(type) {
	case string:
		u, err := uuid.Parse(v)
		if err != nil {
			return fmt.Errorf("scan id: %w", err)
		}
		i.UUID = u
	case []byte:
		u, err := uuid.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("scan id: %w", err)
		}
		i.UUID = u
	default:
		return fmt.Errorf("scan id: unsupported type %T", src)
	}
	return nil
}

// AccountID identifies a tenant account.
type AccountID struct{ id }

// NewAccountID generates a fresh AccountID.
func NewAccountID() AccountID { return AccountID{newID()} }

// ParseAccountID parses a string-encoded AccountID.
func ParseAccountID(s string) (AccountID, error) {
	i, err := parseID(s)
	return AccountID{i}, err
}

// XPubID identifies a registered extended public key.
type XPubID struct{ id }

// NewXPubID generates a fresh XPubID.
func NewXPubID() XPubID { return XPubID{newID()} }

// ParseXPubID parses a string-encoded XPubID.
func ParseXPubID(s string) (XPubID, error) {
	i, err := parseID(s)
	return XPubID{i}, err
}

// WalletID identifies a wallet (a named group of keychains under an account).
type WalletID struct{ id }

// NewWalletID generates a fresh WalletID.
func NewWalletID() WalletID { return WalletID{newID()} }

// ParseWalletID parses a string-encoded WalletID.
func ParseWalletID(s string) (WalletID, error) {
	i, err := parseID(s)
	return WalletID{i}, err
}

// KeychainID identifies a single descriptor (external/internal derivation
// branch) belonging to a wallet.
type KeychainID struct{ id }

// NewKeychainID generates a fresh KeychainID.
func NewKeychainID() KeychainID { return KeychainID{newID()} }

// ParseKeychainID parses a string-encoded KeychainID.
func ParseKeychainID(s string) (KeychainID, error) {
	i, err := parseID(s)
	return KeychainID{i}, err
}

// PayoutID identifies a queued or batched payout request.
type PayoutID struct{ id }

// NewPayoutID generates a fresh PayoutID.
func NewPayoutID() PayoutID { return PayoutID{newID()} }

// ParsePayoutID parses a string-encoded PayoutID.
func ParsePayoutID(s string) (PayoutID, error) {
	i, err := parseID(s)
	return PayoutID{i}, err
}

// BatchGroupID identifies a recurring batch-signing policy for a wallet.
type BatchGroupID struct{ id }

// NewBatchGroupID generates a fresh BatchGroupID.
func NewBatchGroupID() BatchGroupID { return BatchGroupID{newID()} }

// ParseBatchGroupID parses a string-encoded BatchGroupID.
func ParseBatchGroupID(s string) (BatchGroupID, error) {
	i, err := parseID(s)
	return BatchGroupID{i}, err
}

// BatchID identifies a single constructed on-chain batch transaction.
type BatchID struct{ id }

// NewBatchID generates a fresh BatchID.
func NewBatchID() BatchID { return BatchID{newID()} }

// ParseBatchID parses a string-encoded BatchID.
func ParseBatchID(s string) (BatchID, error) {
	i, err := parseID(s)
	return BatchID{i}, err
}

// SigningSessionID identifies one (wallet, keychain, xpub) signing round for
// a batch.
type SigningSessionID struct{ id }

// NewSigningSessionID generates a fresh SigningSessionID.
func NewSigningSessionID() SigningSessionID { return SigningSessionID{newID()} }

// ParseSigningSessionID parses a string-encoded SigningSessionID.
func ParseSigningSessionID(s string) (SigningSessionID, error) {
	i, err := parseID(s)
	return SigningSessionID{i}, err
}

// JournalID identifies a ledger journal (one per account).
type JournalID struct{ id }

// NewJournalID generates a fresh JournalID.
func NewJournalID() JournalID { return JournalID{newID()} }

// ParseJournalID parses a string-encoded JournalID.
func ParseJournalID(s string) (JournalID, error) {
	i, err := parseID(s)
	return JournalID{i}, err
}

// LedgerAccountID identifies one (journal, account, currency) ledger account.
type LedgerAccountID struct{ id }

// NewLedgerAccountID generates a fresh LedgerAccountID.
func NewLedgerAccountID() LedgerAccountID { return LedgerAccountID{newID()} }

// ParseLedgerAccountID parses a string-encoded LedgerAccountID.
func ParseLedgerAccountID(s string) (LedgerAccountID, error) {
	i, err := parseID(s)
	return LedgerAccountID{i}, err
}

// LedgerTransactionID identifies one posted ledger transaction (a template
// instantiation, carrying one or more entries).
type LedgerTransactionID struct{ id }

// NewLedgerTransactionID generates a fresh LedgerTransactionID.
func NewLedgerTransactionID() LedgerTransactionID { return LedgerTransactionID{newID()} }

// ParseLedgerTransactionID parses a string-encoded LedgerTransactionID.
func ParseLedgerTransactionID(s string) (LedgerTransactionID, error) {
	i, err := parseID(s)
	return LedgerTransactionID{i}, err
}

// AccountKeyID identifies one account-scoped API key.
type AccountKeyID struct{ id }

// NewAccountKeyID generates a fresh AccountKeyID.
func NewAccountKeyID() AccountKeyID { return AccountKeyID{newID()} }

// ParseAccountKeyID parses a string-encoded AccountKeyID.
func ParseAccountKeyID(s string) (AccountKeyID, error) {
	i, err := parseID(s)
	return AccountKeyID{i}, err
}

// AdminKeyID identifies one admin-scoped API key.
type AdminKeyID struct{ id }

// NewAdminKeyID generates a fresh AdminKeyID.
func NewAdminKeyID() AdminKeyID { return AdminKeyID{newID()} }

// ParseAdminKeyID parses a string-encoded AdminKeyID.
func ParseAdminKeyID(s string) (AdminKeyID, error) {
	i, err := parseID(s)
	return AdminKeyID{i}, err
}

// JobID identifies one durable work-queue entry.
type JobID struct{ id }

// NewJobID generates a fresh JobID.
func NewJobID() JobID { return JobID{newID()} }

// ParseJobID parses a string-encoded JobID.
func ParseJobID(s string) (JobID, error) {
	i, err := parseID(s)
	return JobID{i}, err
}
