package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/primitives"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

type fakeAccountAuth struct {
	accountID primitives.AccountID
	err       error
}

func (f fakeAccountAuth) Authenticate(ctx context.Context, key string) (primitives.AccountID, error) {
	return f.accountID, f.err
}

type fakeAdminAuth struct {
	err error
}

func (f fakeAdminAuth) Authenticate(ctx context.Context, key string) error {
	return f.err
}

func TestAccountAuth_ValidKeyStoresAccountID(t *testing.T) {
	want := primitives.NewAccountID()
	var gotID primitives.AccountID
	var gotOK bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, gotOK = AccountIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	handler := AccountAuth(fakeAccountAuth{accountID: want})(inner)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer sometoken")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !gotOK {
		t.Fatal("expected AccountIDFromContext to find a value")
	}
	if gotID != want {
		t.Errorf("expected accountID %v, got %v", want, gotID)
	}
}

func TestAccountAuth_MissingHeaderRejected(t *testing.T) {
	handler := AccountAuth(fakeAccountAuth{})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for missing Authorization header, got %d", rec.Code)
	}
}

func TestAccountAuth_InvalidKeyRejected(t *testing.T) {
	handler := AccountAuth(fakeAccountAuth{err: config.ErrAuthKeyInvalid})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer wrongtoken")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for invalid key, got %d", rec.Code)
	}
}

func TestAccountAuth_LookupErrorIs500(t *testing.T) {
	handler := AccountAuth(fakeAccountAuth{err: errors.New("boom")})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer sometoken")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 for non-sentinel error, got %d", rec.Code)
	}
}

func TestAdminAuth_ValidKeyPassesThrough(t *testing.T) {
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	handler := AdminAuth(fakeAdminAuth{})(inner)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer admintoken")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !called {
		t.Error("expected inner handler to be called")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAdminAuth_InvalidKeyRejected(t *testing.T) {
	handler := AdminAuth(fakeAdminAuth{err: config.ErrAuthKeyInvalid})(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer wrongtoken")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for invalid admin key, got %d", rec.Code)
	}
}

func TestAdminAuth_MissingHeaderRejected(t *testing.T) {
	handler := AdminAuth(fakeAdminAuth{})(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for missing Authorization header, got %d", rec.Code)
	}
}
