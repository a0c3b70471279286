package batch

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/db"
	"github.com/Rsync25/bria/internal/ledger"
	"github.com/Rsync25/bria/internal/payout"
	"github.com/Rsync25/bria/internal/primitives"
	"github.com/Rsync25/bria/internal/utxo"
)

func TestBranchAndBoundThenLargestFirst_ExactMatchPreferredOverChange(t *testing.T) {
	candidates := []Candidate{
		{Value: 60_000},
		{Value: 40_000},
		{Value: 25_000},
	}
	sel, err := (BranchAndBoundThenLargestFirst{}).Select(candidates, 100_000)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Change != 0 {
		t.Fatalf("expected an exact match with zero change, got change=%d", sel.Change)
	}
	var total primitives.Satoshis
	for _, c := range sel.Inputs {
		total += c.Value
	}
	if total != 100_000 {
		t.Fatalf("selected total = %d, want 100000", total)
	}
}

func TestBranchAndBoundThenLargestFirst_FallsBackToLargestFirst(t *testing.T) {
	candidates := []Candidate{
		{Value: 70_000},
		{Value: 33_000},
		{Value: 12_000},
	}
	sel, err := (BranchAndBoundThenLargestFirst{}).Select(candidates, 100_000)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(sel.Inputs) != 2 {
		t.Fatalf("len(inputs) = %d, want 2 (70000+33000 largest-first)", len(sel.Inputs))
	}
	if sel.Change != 3_000 {
		t.Fatalf("change = %d, want 3000", sel.Change)
	}
}

func TestBranchAndBoundThenLargestFirst_InsufficientFunds(t *testing.T) {
	candidates := []Candidate{{Value: 1_000}}
	_, err := (BranchAndBoundThenLargestFirst{}).Select(candidates, 100_000)
	if err != config.ErrInsufficientUTXO {
		t.Fatalf("err = %v, want ErrInsufficientUTXO", err)
	}
}

type batchFixture struct {
	database       *db.DB
	engine         *ledger.Engine
	accountID      primitives.AccountID
	journalID      primitives.JournalID
	walletID       primitives.WalletID
	keychainID     primitives.KeychainID
	group          *Group
	ledgerAccounts WalletLedgerAccounts
	payoutRepo     *payout.Repo
	utxoRepo       *utxo.Repo
}

func setupBatch(t *testing.T) batchFixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch_test.sqlite")
	database, err := db.New(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.RunMigrations(); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	ctx := context.Background()
	e := ledger.NewEngine(database.Conn())
	if _, err := ledger.Init(ctx, database.Conn(), e); err != nil {
		t.Fatalf("ledger init: %v", err)
	}

	accountID := primitives.NewAccountID()
	journalID, _ := primitives.ParseJournalID(accountID.String())
	walletID := primitives.NewWalletID()
	keychainID := primitives.NewKeychainID()
	xpubID := primitives.NewXPubID()

	conn := database.Conn()
	if _, err := conn.ExecContext(ctx, `INSERT INTO bria_ledger_journals (id, created_at) VALUES (?, datetime('now'))`, accountID.String()); err != nil {
		t.Fatalf("seed journal: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO bria_accounts (id, name, journal_id, created_at) VALUES (?, 'acme', ?, datetime('now'))`, accountID.String(), accountID.String()); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO bria_xpubs (id, account_id, key_name, fingerprint) VALUES (?, ?, 'hot-1', 'eeff0011')`, xpubID.String(), accountID.String()); err != nil {
		t.Fatalf("seed xpub: %v", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	names := []string{"onchain_incoming", "onchain_at_rest", "onchain_outgoing", "fee", "dust", "logical_outgoing", "logical_at_rest"}
	accounts := make([]primitives.LedgerAccountID, len(names))
	for i, name := range names {
		normal := ledger.DebitNormal
		if name == "onchain_outgoing" {
			normal = ledger.CreditNormal
		}
		id, err := e.CreateAccount(ctx, tx, journalID, "primary:"+name, normal)
		if err != nil {
			t.Fatalf("create ledger account %s: %v", name, err)
		}
		accounts[i] = id
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := conn.ExecContext(ctx, `
		INSERT INTO bria_wallets (
			id, account_id, name, xpub_id,
			onchain_incoming_id, onchain_at_rest_id, onchain_outgoing_id, fee_id, dust_id,
			logical_outgoing_id, logical_at_rest_id, created_at
		) VALUES (?, ?, 'primary', ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
	`, walletID.String(), accountID.String(), xpubID.String(),
		accounts[0].String(), accounts[1].String(), accounts[2].String(), accounts[3].String(), accounts[4].String(), accounts[5].String(), accounts[6].String()); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO bria_keychains (id, wallet_id, external, next_address_index) VALUES (?, ?, 1, 0)
	`, keychainID.String(), walletID.String()); err != nil {
		t.Fatalf("seed keychain: %v", err)
	}

	groupRepo := NewGroupRepo(database.Conn())
	group, err := groupRepo.Create(ctx, conn, accountID, "hourly", TriggerScheduled, 10)
	if err != nil {
		t.Fatalf("create batch group: %v", err)
	}

	return batchFixture{
		database:   database,
		engine:     e,
		accountID:  accountID,
		journalID:  journalID,
		walletID:   walletID,
		keychainID: keychainID,
		group:      group,
		ledgerAccounts: WalletLedgerAccounts{
			OnchainIncoming: accounts[0],
			OnchainAtRest:   accounts[1],
			OnchainOutgoing: accounts[2],
			Fee:             accounts[3],
			LogicalOutgoing: accounts[5],
			LogicalAtRest:   accounts[6],
		},
		payoutRepo: payout.NewRepo(database.Conn()),
		utxoRepo:   utxo.NewRepo(database.Conn()),
	}
}

// testnetAddr is BIP173's canonical P2WPKH test vector, used so
// btcutil.DecodeAddress/txscript.PayToAddrScript run against a real
// encoding rather than a fabricated string. p2wpkhScriptHex is an
// arbitrary P2WPKH witness program for the funding UTXO.
const (
	testnetAddr     = "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"
	p2wpkhScriptHex = "0014751e76e8199196d454941c45d1b3a323f1433bd6"
)

func TestConstruct_SingleWalletTwoPayouts(t *testing.T) {
	f := setupBatch(t)
	ctx := context.Background()

	tx, err := f.database.Conn().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	lowID, err := f.payoutRepo.CreateInTx(ctx, tx, f.engine, f.journalID, payout.New{
		WalletID: f.walletID, BatchGroupID: f.group.ID,
		DestinationAddress: testnetAddr, Value: 20_000_000, ReservedFee: 500,
		LogicalOutgoing: f.ledgerAccounts.LogicalOutgoing, OnchainFee: f.ledgerAccounts.Fee,
	})
	if err != nil {
		t.Fatalf("create payout 1: %v", err)
	}
	highID, err := f.payoutRepo.CreateInTx(ctx, tx, f.engine, f.journalID, payout.New{
		WalletID: f.walletID, BatchGroupID: f.group.ID,
		DestinationAddress: testnetAddr, Value: 30_000_000, ReservedFee: 500,
		LogicalOutgoing: f.ledgerAccounts.LogicalOutgoing, OnchainFee: f.ledgerAccounts.Fee,
	})
	if err != nil {
		t.Fatalf("create payout 2: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit payouts: %v", err)
	}

	txid := strings.Repeat("11", 32)
	tx, _ = f.database.Conn().BeginTx(ctx, nil)
	pendingTxID := primitives.NewLedgerTransactionID()
	if _, err := f.utxoRepo.Persist(ctx, tx, utxo.New{
		KeychainID:              f.keychainID,
		Outpoint:                utxo.Outpoint{Txid: txid, Vout: 0},
		Value:                   100_000_000,
		Address:                 "tb1qexampleutxo",
		ScriptHex:               p2wpkhScriptHex,
		AddressIndex:            0,
		SatsPerVByteWhenCreated: 5,
		IncomePendingLedgerTxID: pendingTxID,
	}); err != nil {
		t.Fatalf("persist utxo: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit utxo: %v", err)
	}

	tx, _ = f.database.Conn().BeginTx(ctx, nil)
	if err := AcquireLock(ctx, tx, f.group.Name); err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	payouts, err := f.payoutRepo.ListUnbatched(ctx, tx, f.group.ID)
	if err != nil {
		t.Fatalf("list unbatched: %v", err)
	}
	if len(payouts) != 2 {
		t.Fatalf("len(payouts) = %d, want 2", len(payouts))
	}

	reservable, err := f.utxoRepo.FindReservable(ctx, tx, []primitives.KeychainID{f.keychainID})
	if err != nil {
		t.Fatalf("find reservable: %v", err)
	}
	if len(reservable) != 1 {
		t.Fatalf("len(reservable) = %d, want 1", len(reservable))
	}
	candidates := make([]Candidate, len(reservable))
	for i, r := range reservable {
		candidates[i] = Candidate{Reservable: r, Value: r.Value}
	}

	wallets := map[primitives.WalletID]WalletInput{
		f.walletID: {
			WalletID:      f.walletID,
			Ledger:        f.ledgerAccounts,
			Candidates:    candidates,
			ChangeAddress: testnetAddr,
			Network:       "testnet",
		},
	}

	b, err := Construct(ctx, tx, f.engine, f.journalID, f.accountID, f.group, payouts, f.payoutRepo, f.utxoRepo, wallets, nil)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit construct: %v", err)
	}

	wantFee := primitives.Satoshis(estimatedVByteOverhead+estimatedVBytePerInput+2*estimatedVBytePerOutput+estimatedVBytePerOutput) * primitives.Satoshis(f.group.FeerateSatVB)
	if b.FeeSats != wantFee {
		t.Fatalf("fee = %d, want %d", b.FeeSats, wantFee)
	}
	if b.TotalInSats != 100_000_000 {
		t.Fatalf("total_in = %d, want 100000000", b.TotalInSats)
	}
	if b.TotalSpentSats != 50_000_000 {
		t.Fatalf("total_spent = %d, want 50000000", b.TotalSpentSats)
	}
	wantChange := b.TotalInSats - b.TotalSpentSats - b.FeeSats
	if b.ChangeSats != wantChange {
		t.Fatalf("change = %d, want %d", b.ChangeSats, wantChange)
	}
	if len(b.UnsignedPSBT) == 0 {
		t.Fatal("expected a non-empty serialized PSBT")
	}

	tx, _ = f.database.Conn().BeginTx(ctx, nil)
	reservedAfter, err := f.utxoRepo.FindReservable(ctx, tx, []primitives.KeychainID{f.keychainID})
	tx.Commit()
	if err != nil {
		t.Fatalf("find reservable after construct: %v", err)
	}
	if len(reservedAfter) != 1 || reservedAfter[0].SpendingBatchID == nil || *reservedAfter[0].SpendingBatchID != b.ID {
		t.Fatalf("expected the spent utxo to carry spending_batch_id = %s", b.ID)
	}

	tx, _ = f.database.Conn().BeginTx(ctx, nil)
	stillUnbatched, err := f.payoutRepo.ListUnbatched(ctx, tx, f.group.ID)
	tx.Commit()
	if err != nil {
		t.Fatalf("list unbatched after construct: %v", err)
	}
	if len(stillUnbatched) != 0 {
		t.Fatalf("expected 0 unbatched payouts after construct, got %d", len(stillUnbatched))
	}
	_ = lowID
	_ = highID
}
