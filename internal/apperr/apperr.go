// Package apperr classifies domain sentinel errors (internal/config.Err*)
// into the kind taxonomy the job harness and the admin API use to decide how
// to react: retry with backoff, fail the job outright, or reject synchronously.
package apperr

import (
	"errors"

	"github.com/Rsync25/bria/internal/config"
)

// Kind is the error-kind taxonomy from spec.md §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindParse
	KindNotFound
	KindConsistency
	KindExternal
	KindSigning
	KindInfra
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindNotFound:
		return "not_found"
	case KindConsistency:
		return "consistency"
	case KindExternal:
		return "external"
	case KindSigning:
		return "signing"
	case KindInfra:
		return "infra"
	default:
		return "unknown"
	}
}

var kindBySentinel = map[error]Kind{
	config.ErrInvalidConfig:  KindParse,
	config.ErrXPubParseError: KindParse,
	config.ErrAddressParse:   KindParse,
	config.ErrPSBTParse:      KindParse,
	config.ErrMetaParse:      KindParse,

	config.ErrAccountNotFound:        KindNotFound,
	config.ErrXPubNotFound:           KindNotFound,
	config.ErrWalletNotFound:         KindNotFound,
	config.ErrKeychainNotFound:       KindNotFound,
	config.ErrPayoutNotFound:         KindNotFound,
	config.ErrBatchGroupNotFound:     KindNotFound,
	config.ErrBatchNotFound:          KindNotFound,
	config.ErrSigningSessionNotFound: KindNotFound,

	config.ErrXPubDepthMismatch:             KindConsistency,
	config.ErrCouldNotRetrieveWalletBalance: KindConsistency,
	config.ErrCouldNotCombinePSBTs:          KindConsistency,
	config.ErrLedgerImbalance:               KindConsistency,
	config.ErrEventSequenceConflict:         KindConsistency,
	config.ErrUTXOAlreadyExists:             KindConsistency,
	config.ErrInsufficientUTXO:              KindConsistency,
	config.ErrDustOutput:                    KindConsistency,
	config.ErrBatchGroupEmpty:               KindConsistency,
	config.ErrAccountNameTaken:              KindConsistency,
	config.ErrAuthKeyInvalid:                KindConsistency,

	config.ErrLedgerEngine:        KindExternal,
	config.ErrChainData:           KindExternal,
	config.ErrSignerUnreachable:   KindExternal,
	config.ErrSignerRejected:      KindExternal,
	config.ErrSignerConfigMissing: KindExternal,
	config.ErrBroadcastFailed:     KindExternal,

	config.ErrSigningSessionStalled: KindSigning,

	config.ErrDatabase:  KindInfra,
	config.ErrMigration: KindInfra,
	config.ErrOverflow:  KindInfra,
}

// Classify walks err's wrap chain against the known sentinel table and
// returns the first kind it matches, or KindUnknown if none apply.
func Classify(err error) Kind {
	for sentinel, kind := range kindBySentinel {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// Retryable reports whether the job harness should requeue a job that failed
// with err, with backoff, rather than failing it outright. Only External
// errors (a transient collaborator failure) are retried;
// Parse/NotFound/Consistency/Signing/Infra and unclassified errors are
// treated as durable failures that reselection or operator intervention
// must resolve, not a retry.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindExternal:
		return true
	default:
		return false
	}
}
