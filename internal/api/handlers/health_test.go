package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Rsync25/bria/internal/config"
)

func TestHealth_ReportsNetworkAndVersion(t *testing.T) {
	cfg := &config.Config{Network: "testnet"}
	handler := Health(cfg, "1.2.3")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
	if body["version"] != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %q", body["version"])
	}
	if body["network"] != "testnet" {
		t.Errorf("expected network testnet, got %q", body["network"])
	}
}
