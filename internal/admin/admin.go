// Package admin implements the bootstrap-then-create-account surface: a
// single admin API key authenticates calls that mint new tenant accounts.
// Grounded on original_source's src/admin/app.rs (AdminApp::bootstrap,
// authenticate, account_create) and src/admin/keys.rs (AdminApiKeys), with
// the same bcrypt-hashed-credential shape as internal/account/keys.go.
package admin

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Rsync25/bria/internal/account"
	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/ledger"
	"github.com/Rsync25/bria/internal/primitives"
)

// KeyRepo persists and verifies admin API keys, against bria_admin_keys.
// bria_admin_keys carries no label column — every key authenticates every
// admin call equally, so unlike original_source's AdminApiKeys::create
// there is no bootstrap-key name to persist, only the hash.
type KeyRepo struct {
	db *sql.DB
}

// NewKeyRepo constructs a KeyRepo bound to the shared *sql.DB.
func NewKeyRepo(db *sql.DB) *KeyRepo {
	return &KeyRepo{db: db}
}

// Create mints a fresh random token, bcrypt-hashes it, persists the hash,
// and returns the plaintext token.
func (r *KeyRepo) Create(ctx context.Context, tx *sql.Tx) (plaintext string, err error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("%w: generate admin key token: %v", config.ErrDatabase, err)
	}
	token := hex.EncodeToString(tokenBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("%w: hash admin key: %v", config.ErrDatabase, err)
	}

	id := primitives.NewAdminKeyID()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bria_admin_keys (id, key_hash, created_at) VALUES (?, ?, ?)
	`, id.String(), string(hash), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("%w: persist admin key: %v", config.ErrDatabase, err)
	}
	return token, nil
}

// FindByKey reports whether token verifies against some stored admin key
// hash. There is no per-key identity to return — admin keys are
// undifferentiated, any valid one authenticates any admin call.
func (r *KeyRepo) FindByKey(ctx context.Context, token string) error {
	rows, err := r.db.QueryContext(ctx, `SELECT key_hash FROM bria_admin_keys`)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return fmt.Errorf("%w: %v", config.ErrDatabase, err)
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	return config.ErrAuthKeyInvalid
}

// App is the admin-surface entry point: bootstrap the first admin key,
// authenticate subsequent admin calls, and create new tenant accounts.
// Mirrors original_source's AdminApp exactly in shape.
type App struct {
	db          *sql.DB
	keys        *KeyRepo
	accounts    *account.Repo
	accountKeys *account.KeyRepo
	ledger      *ledger.Engine
}

// New constructs an admin App over the shared *sql.DB and ledger engine.
func New(db *sql.DB, e *ledger.Engine) *App {
	return &App{
		db:          db,
		keys:        NewKeyRepo(db),
		accounts:    account.NewRepo(db),
		accountKeys: account.NewKeyRepo(db),
		ledger:      e,
	}
}

// Bootstrap mints a fresh admin API key. Called once at first deploy, and
// again any time an operator needs a replacement — re-bootstrapping never
// errors, it simply mints another valid key alongside any existing ones.
func (a *App) Bootstrap(ctx context.Context) (plaintextKey string, err error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	defer tx.Rollback()

	key, err := a.keys.Create(ctx, tx)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	return key, nil
}

// Authenticate verifies an admin API key, returning config.ErrAuthKeyInvalid
// if it does not match any stored admin key.
func (a *App) Authenticate(ctx context.Context, key string) error {
	return a.keys.FindByKey(ctx, key)
}

// AccountCreate creates a new tenant account (and its ledger journal), mints
// its first account API key, and returns both. Mirrors
// original_source's AdminApp::account_create: account row first, key second,
// both within one transaction so a failure mid-mint leaves neither behind.
func (a *App) AccountCreate(ctx context.Context, name string) (accountID primitives.AccountID, plaintextAccountKey string, err error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return primitives.AccountID{}, "", fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	defer tx.Rollback()

	acc, err := a.accounts.Create(ctx, tx, a.ledger, name)
	if err != nil {
		return primitives.AccountID{}, "", err
	}

	key, err := a.accountKeys.Create(ctx, tx, acc.ID)
	if err != nil {
		return primitives.AccountID{}, "", err
	}

	if err := tx.Commit(); err != nil {
		return primitives.AccountID{}, "", fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	return acc.ID, key, nil
}
