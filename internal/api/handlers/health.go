package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Rsync25/bria/internal/config"
)

// Health returns a handler for GET /health, adapted from the teacher's
// HealthHandler — same shape, reporting this service's own config instead
// of a wallet-balance dashboard's.
func Health(cfg *config.Config, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("health check requested", "remoteAddr", r.RemoteAddr)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": version,
			"network": cfg.Network,
		})
	}
}
