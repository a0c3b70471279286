package handlers

import (
	"net/http"

	"github.com/Rsync25/bria/internal/admin"
)

type accountCreateRequest struct {
	Name string `json:"name"`
}

type accountCreateResponse struct {
	AccountID  string `json:"account_id"`
	AccountKey string `json:"account_key"`
}

// AdminBootstrap returns a handler for POST /admin/bootstrap: mints a fresh
// admin API key. Mounted unauthenticated at first deploy per SPEC_FULL's
// admin-bootstrap command; re-bootstrapping is harmless, admin.App.Bootstrap
// never errors on an existing key.
func AdminBootstrap(a *admin.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := a.Bootstrap(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"admin_key": key})
	}
}

// AccountCreate returns a handler for POST /admin/accounts, mounted behind
// AdminAuth: mints a new tenant account and its first account API key.
func AccountCreate(a *admin.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req accountCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		accountID, key, err := a.AccountCreate(r.Context(), req.Name)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, accountCreateResponse{
			AccountID:  accountID.String(),
			AccountKey: key,
		})
	}
}
