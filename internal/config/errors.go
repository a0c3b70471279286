package config

import "errors"

// Sentinel errors, grouped by the error-kind taxonomy internal/apperr
// classifies them into. Kept here, rather than in apperr itself, so every
// package can depend on the sentinel values without importing the
// classification logic — the teacher's own split between config.errors
// (values) and the handlers that interpret them.
var (
	// Parse / format
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrXPubParseError = errors.New("could not parse xpub")
	ErrAddressParse   = errors.New("could not parse address")
	ErrPSBTParse      = errors.New("could not parse PSBT")
	ErrMetaParse      = errors.New("could not parse metadata")

	// Not found
	ErrAccountNotFound        = errors.New("account not found")
	ErrXPubNotFound           = errors.New("xpub not found")
	ErrWalletNotFound         = errors.New("wallet not found")
	ErrKeychainNotFound       = errors.New("keychain not found")
	ErrPayoutNotFound         = errors.New("payout not found")
	ErrBatchGroupNotFound     = errors.New("batch group not found")
	ErrBatchNotFound          = errors.New("batch not found")
	ErrSigningSessionNotFound = errors.New("signing session not found")

	// Consistency
	ErrXPubDepthMismatch             = errors.New("xpub depth mismatch")
	ErrCouldNotRetrieveWalletBalance = errors.New("could not retrieve wallet balance")
	ErrCouldNotCombinePSBTs          = errors.New("could not combine PSBTs")
	ErrLedgerImbalance               = errors.New("ledger template entries do not balance")
	ErrEventSequenceConflict         = errors.New("entity event sequence conflict")
	ErrUTXOAlreadyExists             = errors.New("utxo already exists")
	ErrInsufficientUTXO              = errors.New("insufficient UTXO value to cover payouts and fee")
	ErrDustOutput                    = errors.New("output below dust threshold")
	ErrBatchGroupEmpty               = errors.New("no unbatched payouts for batch group")
	ErrAccountNameTaken              = errors.New("account name already taken")
	ErrAuthKeyInvalid                = errors.New("invalid api key")

	// External
	ErrLedgerEngine        = errors.New("ledger engine error")
	ErrChainData           = errors.New("chain data source error")
	ErrSignerUnreachable   = errors.New("remote signer unreachable")
	ErrSignerRejected      = errors.New("remote signer rejected the request")
	ErrSignerConfigMissing = errors.New("no signer configured for xpub")
	ErrBroadcastFailed     = errors.New("transaction broadcast failed")

	// Signing
	ErrSigningSessionStalled = errors.New("signing session stalled")

	// Infra
	ErrDatabase  = errors.New("database error")
	ErrMigration = errors.New("migration error")
	ErrOverflow  = errors.New("integer overflow")
)

// Error codes — shared with the admin HTTP surface in API error bodies.
const (
	ErrorInvalidConfig       = "ERROR_INVALID_CONFIG"
	ErrorDatabase            = "ERROR_DATABASE"
	ErrorXPubParse           = "ERROR_XPUB_PARSE"
	ErrorXPubDepthMismatch   = "ERROR_XPUB_DEPTH_MISMATCH"
	ErrorNotFound            = "ERROR_NOT_FOUND"
	ErrorInsufficientUTXO    = "ERROR_INSUFFICIENT_UTXO"
	ErrorLedgerImbalance     = "ERROR_LEDGER_IMBALANCE"
	ErrorCouldNotCombinePsbt = "ERROR_COULD_NOT_COMBINE_PSBTS"
	ErrorSignerUnreachable   = "ERROR_SIGNER_UNREACHABLE"
	ErrorSigningStalled      = "ERROR_SIGNING_SESSION_STALLED"
)
