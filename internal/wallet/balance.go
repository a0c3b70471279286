package wallet

import (
	"context"
	"fmt"

	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/ledger"
	"github.com/Rsync25/bria/internal/primitives"
)

// Balance is the wallet-level summary spec.md §3's three-layer split
// exposes, grounded verbatim on original_source's
// src/wallet/balance.rs WalletBalanceSummary.
type Balance struct {
	CurrentSettled     primitives.Satoshis
	PendingIncoming    primitives.Satoshis
	PendingOutgoing    primitives.Satoshis
	PendingFees        primitives.Satoshis
	EncumberedFees     primitives.Satoshis
	EncumberedOutgoing primitives.Satoshis
}

// GetBalance reads four of w's ledger accounts (onchain incoming, onchain
// at-rest, logical outgoing, fee) and folds them
// into a Balance, matching WalletLedgerAccountBalances -> WalletBalanceSummary
// in original_source: current_settled floors at zero (a wallet's at-rest
// account is never meant to go negative, but a floor guards a transient
// inconsistency from ever being reported as a negative custodial balance).
func (r *Repo) GetBalance(ctx context.Context, e *ledger.Engine, w *Wallet) (Balance, error) {
	incoming, err := e.GetBalance(ctx, e.DB(), w.Ledger.OnchainIncoming)
	if err != nil {
		return Balance{}, fmt.Errorf("%w: incoming: %v", config.ErrCouldNotRetrieveWalletBalance, err)
	}
	atRest, err := e.GetBalance(ctx, e.DB(), w.Ledger.OnchainAtRest)
	if err != nil {
		return Balance{}, fmt.Errorf("%w: at_rest: %v", config.ErrCouldNotRetrieveWalletBalance, err)
	}
	// pending_outgoing/encumbered_outgoing read logical_outgoing, not
	// onchain_outgoing: QUEUED_PAYOUT and CREATE_BATCH post the outgoing
	// encumbrance/pending legs against logical_outgoing (templates.go) —
	// onchain_outgoing only ever receives CREATE_BATCH's on-chain-pending
	// contra leg, which would report total_in-fees instead of the
	// per-wallet outgoing amount spec.md §8 scenario 4 expects.
	outgoing, err := e.GetBalance(ctx, e.DB(), w.Ledger.LogicalOutgoing)
	if err != nil {
		return Balance{}, fmt.Errorf("%w: outgoing: %v", config.ErrCouldNotRetrieveWalletBalance, err)
	}
	fee, err := e.GetBalance(ctx, e.DB(), w.Ledger.Fee)
	if err != nil {
		return Balance{}, fmt.Errorf("%w: fee: %v", config.ErrCouldNotRetrieveWalletBalance, err)
	}

	settled := atRest.Settled
	if settled < 0 {
		settled = 0
	}

	return Balance{
		CurrentSettled:     settled,
		PendingIncoming:    incoming.Pending,
		PendingOutgoing:    outgoing.Pending,
		PendingFees:        fee.Pending,
		EncumberedFees:     fee.Encumbered,
		EncumberedOutgoing: outgoing.Encumbered,
	}, nil
}
