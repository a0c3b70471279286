package account

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/primitives"
)

// apiKeyTokenBytes is how many random bytes back a minted key, hex-encoded
// before hashing — the same token-generation shape as the teacher's
// internal/poller/api/middleware.SessionStore.Login, swapped from a
// short-lived session token to a durable, hashed-at-rest API key.
const apiKeyTokenBytes = 32

// Key is one account-scoped API credential. Only KeyHash is ever persisted;
// the plaintext token is returned to the caller once, at mint time, and
// never again.
type Key struct {
	ID        primitives.AccountKeyID
	AccountID primitives.AccountID
	KeyHash   string
}

// KeyRepo persists and verifies account API keys.
type KeyRepo struct {
	db *sql.DB
}

// NewKeyRepo constructs a KeyRepo bound to the shared *sql.DB.
func NewKeyRepo(db *sql.DB) *KeyRepo {
	return &KeyRepo{db: db}
}

// Create mints a fresh random token, bcrypt-hashes it, persists the hash
// within the caller's transaction, and returns the plaintext token — the
// only time it is ever available in cleartext.
func (r *KeyRepo) Create(ctx context.Context, tx *sql.Tx, accountID primitives.AccountID) (plaintext string, err error) {
	tokenBytes := make([]byte, apiKeyTokenBytes)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("%w: generate api key token: %v", config.ErrDatabase, err)
	}
	token := hex.EncodeToString(tokenBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("%w: hash api key: %v", config.ErrDatabase, err)
	}

	id := primitives.NewAccountKeyID()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bria_account_keys (id, account_id, key_hash, created_at) VALUES (?, ?, ?, ?)
	`, id.String(), accountID.String(), string(hash), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("%w: persist api key: %v", config.ErrDatabase, err)
	}
	return token, nil
}

// FindByKey scans every stored account-key hash for one that verifies
// against the supplied plaintext token, returning the owning account id.
// Bcrypt comparisons are constant-time per-hash but the scan itself is
// O(n) in key count — acceptable at this service's expected account-key
// cardinality, per original_source's own find_by_key which does the same
// linear scan rather than a lookup table keyed by a derivable hash.
func (r *KeyRepo) FindByKey(ctx context.Context, q QueryerAll, token string) (primitives.AccountID, error) {
	rows, err := q.QueryContext(ctx, `SELECT account_id, key_hash FROM bria_account_keys`)
	if err != nil {
		return primitives.AccountID{}, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	defer rows.Close()

	for rows.Next() {
		var accountStr, hash string
		if err := rows.Scan(&accountStr, &hash); err != nil {
			return primitives.AccountID{}, fmt.Errorf("%w: %v", config.ErrDatabase, err)
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			return primitives.ParseAccountID(accountStr)
		}
	}
	if err := rows.Err(); err != nil {
		return primitives.AccountID{}, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	return primitives.AccountID{}, config.ErrAuthKeyInvalid
}

// DB returns the underlying *sql.DB.
func (r *KeyRepo) DB() *sql.DB { return r.db }
