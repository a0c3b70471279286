// Package account implements the tenant registry (Account) and its two API
// key kinds. Grounded on original_source's src/account module as referenced
// by src/admin/app.rs and src/app/mod.rs: Accounts::create mints a fresh
// ledger journal alongside the account row, and AccountApiKeys (keys.go)
// mints the bearer credential AdminApp.account_create hands back to the
// caller exactly once. Admin bootstrap keys live in internal/admin.
package account

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/ledger"
	"github.com/Rsync25/bria/internal/primitives"
)

// Account is one tenant: a name, and the ledger journal its wallets' and
// system accounts' balances are posted under.
type Account struct {
	ID        primitives.AccountID
	Name      string
	JournalID primitives.JournalID
}

// Queryer is satisfied by both *sql.DB and *sql.Tx for single-row reads.
type Queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// QueryerAll is Queryer plus multi-row reads, needed by KeyRepo.FindByKey's
// scan over every stored key hash.
type QueryerAll interface {
	Queryer
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Repo persists accounts.
type Repo struct {
	db *sql.DB
}

// NewRepo constructs a Repo bound to the shared *sql.DB.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// Create mints a fresh account id, creates the account's ledger journal under
// that same id, and inserts the account row within the caller's
// transaction, unique by name — mirroring original_source's Accounts::create
// called from AdminApp::account_create.
func (r *Repo) Create(ctx context.Context, tx *sql.Tx, e *ledger.Engine, name string) (*Account, error) {
	id := primitives.NewAccountID()
	journalID, err := primitives.ParseJournalID(id.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	if err := e.CreateJournal(ctx, tx, journalID); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bria_accounts (id, name, journal_id, created_at) VALUES (?, ?, ?, ?)
	`, id.String(), name, journalID.String(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, config.ErrAccountNameTaken
		}
		return nil, fmt.Errorf("%w: create account: %v", config.ErrDatabase, err)
	}
	return &Account{ID: id, Name: name, JournalID: journalID}, nil
}

// FindByID loads an account by id.
func (r *Repo) FindByID(ctx context.Context, q Queryer, id primitives.AccountID) (*Account, error) {
	return r.find(ctx, q, "id = ?", id.String())
}

// FindByName loads an account by its unique name.
func (r *Repo) FindByName(ctx context.Context, q Queryer, name string) (*Account, error) {
	return r.find(ctx, q, "name = ?", name)
}

func (r *Repo) find(ctx context.Context, q Queryer, predicate, arg string) (*Account, error) {
	row := q.QueryRowContext(ctx, `SELECT id, name, journal_id FROM bria_accounts WHERE `+predicate, arg)
	var idStr, name, journalStr string
	if err := row.Scan(&idStr, &name, &journalStr); err == sql.ErrNoRows {
		return nil, config.ErrAccountNotFound
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	id, err := primitives.ParseAccountID(idStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	journalID, err := primitives.ParseJournalID(journalStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	return &Account{ID: id, Name: name, JournalID: journalID}, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces a UNIQUE constraint failure in the error
	// string rather than a typed sentinel, so this is a plain substring check.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// DB returns the underlying *sql.DB.
func (r *Repo) DB() *sql.DB { return r.db }
