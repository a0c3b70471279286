package handlers

import (
	"net/http"

	"github.com/Rsync25/bria/internal/api/middleware"
	"github.com/Rsync25/bria/internal/app"
	"github.com/Rsync25/bria/internal/batch"
	"github.com/Rsync25/bria/internal/primitives"
)

func accountIDOrUnauthorized(w http.ResponseWriter, r *http.Request) (primitives.AccountID, bool) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return primitives.AccountID{}, false
	}
	return accountID, true
}

type xpubImportRequest struct {
	Name string `json:"name"`
	XPub string `json:"xpub"`
}

// XPubImport returns a handler for POST /xpubs, mounted behind AccountAuth.
func XPubImport(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := accountIDOrUnauthorized(w, r)
		if !ok {
			return
		}
		var req xpubImportRequest
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		id, err := a.ImportXPub(r.Context(), accountID, req.Name, req.XPub)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"xpub_id": id.String()})
	}
}

type walletCreateRequest struct {
	Name    string `json:"name"`
	XPubRef string `json:"xpub_ref"`
}

// WalletCreate returns a handler for POST /wallets, mounted behind
// AccountAuth.
func WalletCreate(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := accountIDOrUnauthorized(w, r)
		if !ok {
			return
		}
		var req walletCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		id, err := a.CreateWallet(r.Context(), accountID, req.Name, req.XPubRef)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"wallet_id": id.String()})
	}
}

type batchGroupCreateRequest struct {
	Name         string `json:"name"`
	Trigger      string `json:"trigger"`
	FeerateSatVB uint32 `json:"feerate_sat_vb"`
}

// BatchGroupCreate returns a handler for POST /batch-groups, mounted behind
// AccountAuth.
func BatchGroupCreate(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := accountIDOrUnauthorized(w, r)
		if !ok {
			return
		}
		var req batchGroupCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		id, err := a.CreateBatchGroup(r.Context(), accountID, req.Name, batch.TriggerKind(req.Trigger), req.FeerateSatVB)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"batch_group_id": id.String()})
	}
}

type payoutQueueRequest struct {
	WalletID           string `json:"wallet_id"`
	BatchGroup         string `json:"batch_group"`
	DestinationAddress string `json:"destination_address"`
	ValueSats          int64  `json:"value_sats"`
	ReservedFeeSats    int64  `json:"reserved_fee_sats"`
	ExternalID         string `json:"external_id"`
	Priority           int    `json:"priority"`
}

// PayoutQueue returns a handler for POST /payouts, mounted behind
// AccountAuth.
func PayoutQueue(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := accountIDOrUnauthorized(w, r)
		if !ok {
			return
		}
		var req payoutQueueRequest
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		walletID, err := primitives.ParseWalletID(req.WalletID)
		if err != nil {
			http.Error(w, "invalid wallet_id", http.StatusBadRequest)
			return
		}

		id, err := a.QueuePayout(r.Context(), accountID, walletID, req.BatchGroup, req.DestinationAddress,
			primitives.Satoshis(req.ValueSats), primitives.Satoshis(req.ReservedFeeSats), req.ExternalID, req.Priority)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"payout_id": id.String()})
	}
}

type batchTriggerRequest struct {
	BatchGroup string `json:"batch_group"`
}

// BatchTrigger returns a handler for POST /batch-groups/trigger, mounted
// behind AccountAuth: the operator-initiated flush for Manual/Scheduled
// groups.
func BatchTrigger(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := accountIDOrUnauthorized(w, r)
		if !ok {
			return
		}
		var req batchTriggerRequest
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		jobID, err := a.TriggerBatchGroup(r.Context(), accountID, req.BatchGroup)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID.String()})
	}
}
