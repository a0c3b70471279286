package utxo

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Rsync25/bria/internal/db"
	"github.com/Rsync25/bria/internal/primitives"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "utxo_test.sqlite")
	database, err := db.New(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.RunMigrations(); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return database
}

func seedKeychain(t *testing.T, database *db.DB) primitives.KeychainID {
	t.Helper()
	accountID := primitives.NewAccountID()
	walletID := primitives.NewWalletID()
	keychainID := primitives.NewKeychainID()
	ctx := context.Background()

	if _, err := database.Conn().ExecContext(ctx, `INSERT INTO bria_ledger_journals (id, created_at) VALUES (?, datetime('now'))`, accountID.String()); err != nil {
		t.Fatalf("seed journal: %v", err)
	}
	if _, err := database.Conn().ExecContext(ctx, `INSERT INTO bria_accounts (id, name, journal_id, created_at) VALUES (?, 'acme', ?, datetime('now'))`, accountID.String(), accountID.String()); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	xpubID := primitives.NewXPubID()
	if _, err := database.Conn().ExecContext(ctx, `INSERT INTO bria_xpubs (id, account_id, key_name, fingerprint) VALUES (?, ?, 'hot-1', 'eeff0011')`, xpubID.String(), accountID.String()); err != nil {
		t.Fatalf("seed xpub: %v", err)
	}
	accounts := make([]string, 7)
	for i := range accounts {
		id := primitives.NewLedgerAccountID()
		if _, err := database.Conn().ExecContext(ctx, `INSERT INTO bria_ledger_accounts (id, journal_id, name, currency, created_at) VALUES (?, ?, ?, 'BTC', datetime('now'))`, id.String(), accountID.String(), "acct"+string(rune('a'+i))); err != nil {
			t.Fatalf("seed ledger account: %v", err)
		}
		accounts[i] = id.String()
	}
	if _, err := database.Conn().ExecContext(ctx, `
		INSERT INTO bria_wallets (
			id, account_id, name, xpub_id,
			onchain_incoming_id, onchain_at_rest_id, onchain_outgoing_id, fee_id, dust_id,
			logical_outgoing_id, logical_at_rest_id, created_at
		) VALUES (?, ?, 'primary', ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
	`, walletID.String(), accountID.String(), xpubID.String(),
		accounts[0], accounts[1], accounts[2], accounts[3], accounts[4], accounts[5], accounts[6]); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	if _, err := database.Conn().ExecContext(ctx, `
		INSERT INTO bria_keychains (id, wallet_id, external, next_address_index) VALUES (?, ?, 1, 0)
	`, keychainID.String(), walletID.String()); err != nil {
		t.Fatalf("seed keychain: %v", err)
	}
	return keychainID
}

func TestPersist_IdempotentOnConflict(t *testing.T) {
	database := openTestDB(t)
	repo := NewRepo(database.Conn())
	keychainID := seedKeychain(t, database)
	ctx := context.Background()

	u := New{
		KeychainID:              keychainID,
		Outpoint:                Outpoint{Txid: "deadbeef", Vout: 0},
		Value:                   50_000,
		Address:                 "bc1qexampleaddress",
		ScriptHex:               "0014deadbeef",
		AddressIndex:            0,
		SatsPerVByteWhenCreated: 5,
		IncomePendingLedgerTxID: primitives.NewLedgerTransactionID(),
	}

	tx, err := database.Conn().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	id, err := repo.Persist(ctx, tx, u)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if id == nil || *id != u.IncomePendingLedgerTxID {
		t.Fatalf("expected pending ledger tx id returned on first insert")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, _ = database.Conn().BeginTx(ctx, nil)
	id, err = repo.Persist(ctx, tx, u)
	if err != nil {
		t.Fatalf("persist again: %v", err)
	}
	if id != nil {
		t.Fatal("expected nil on duplicate insert")
	}
	tx.Commit()
}

func TestMarkConfirmed_AllocatesNewLedgerTxID(t *testing.T) {
	database := openTestDB(t)
	repo := NewRepo(database.Conn())
	keychainID := seedKeychain(t, database)
	ctx := context.Background()

	outpoint := Outpoint{Txid: "cafef00d", Vout: 1}
	pendingTxID := primitives.NewLedgerTransactionID()
	u := New{
		KeychainID:              keychainID,
		Outpoint:                outpoint,
		Value:                   75_000,
		Address:                 "bc1qanotheraddress",
		ScriptHex:               "0014cafef00d",
		AddressIndex:            1,
		SatsPerVByteWhenCreated: 8,
		IncomePendingLedgerTxID: pendingTxID,
	}
	tx, _ := database.Conn().BeginTx(ctx, nil)
	if _, err := repo.Persist(ctx, tx, u); err != nil {
		t.Fatalf("persist: %v", err)
	}
	tx.Commit()

	tx, _ = database.Conn().BeginTx(ctx, nil)
	confirmed, err := repo.MarkConfirmed(ctx, tx, keychainID, outpoint, false, 800_000)
	if err != nil {
		t.Fatalf("mark confirmed: %v", err)
	}
	tx.Commit()

	if confirmed.Value != u.Value {
		t.Fatalf("value = %d, want %d", confirmed.Value, u.Value)
	}
	if confirmed.PendingLedgerTxID != pendingTxID {
		t.Fatal("expected pending ledger tx id to round-trip")
	}
	if confirmed.ConfirmedLedgerTxID == (primitives.LedgerTransactionID{}) {
		t.Fatal("expected a freshly allocated confirmed ledger tx id")
	}
	if confirmed.SpendingBatchID != nil {
		t.Fatal("expected no spending batch yet")
	}
}

func TestFindReservableAndReserveInBatch(t *testing.T) {
	database := openTestDB(t)
	repo := NewRepo(database.Conn())
	keychainID := seedKeychain(t, database)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		u := New{
			KeychainID:              keychainID,
			Outpoint:                Outpoint{Txid: "tx", Vout: uint32(i)},
			Value:                   10_000,
			Address:                 "bc1qaddr",
			ScriptHex:               "0014aa",
			AddressIndex:            uint32(i),
			SatsPerVByteWhenCreated: 4,
			IncomePendingLedgerTxID: primitives.NewLedgerTransactionID(),
		}
		tx, _ := database.Conn().BeginTx(ctx, nil)
		if _, err := repo.Persist(ctx, tx, u); err != nil {
			t.Fatalf("persist %d: %v", i, err)
		}
		tx.Commit()
	}

	tx, _ := database.Conn().BeginTx(ctx, nil)
	reservable, err := repo.FindReservable(ctx, tx, []primitives.KeychainID{keychainID})
	if err != nil {
		t.Fatalf("find reservable: %v", err)
	}
	if len(reservable) != 3 {
		t.Fatalf("len(reservable) = %d, want 3", len(reservable))
	}

	batchID := primitives.NewBatchID()
	toReserve := make([]struct {
		KeychainID primitives.KeychainID
		Outpoint   Outpoint
	}, len(reservable))
	for i, r := range reservable {
		toReserve[i] = struct {
			KeychainID primitives.KeychainID
			Outpoint   Outpoint
		}{KeychainID: r.KeychainID, Outpoint: r.Outpoint}
	}
	if err := repo.ReserveInBatch(ctx, tx, batchID, toReserve); err != nil {
		t.Fatalf("reserve in batch: %v", err)
	}
	tx.Commit()

	tx, _ = database.Conn().BeginTx(ctx, nil)
	confirmed, err := repo.MarkConfirmed(ctx, tx, keychainID, Outpoint{Txid: "tx", Vout: 0}, true, 900_000)
	if err != nil {
		t.Fatalf("mark confirmed: %v", err)
	}
	tx.Commit()
	if confirmed.SpendingBatchID == nil || *confirmed.SpendingBatchID != batchID {
		t.Fatalf("expected spending_batch_id = %s, got %v", batchID, confirmed.SpendingBatchID)
	}
}
