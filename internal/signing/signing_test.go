package signing

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"

	"github.com/Rsync25/bria/internal/batch"
	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/db"
	"github.com/Rsync25/bria/internal/ledger"
	"github.com/Rsync25/bria/internal/payout"
	"github.com/Rsync25/bria/internal/primitives"
	"github.com/Rsync25/bria/internal/utxo"
	"github.com/Rsync25/bria/internal/wallet"
	"github.com/Rsync25/bria/internal/xpub"
)

// testnetAddr is BIP173's canonical P2WPKH test vector, reused here for the
// same reason internal/batch's tests use it: DecodeAddress/PayToAddrScript
// run against a real encoding instead of a fabricated string.
const (
	testnetAddr     = "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"
	p2wpkhScriptHex = "0014751e76e8199196d454941c45d1b3a323f1433bd6"
)

type fixture struct {
	database   *db.DB
	engine     *ledger.Engine
	accountID  primitives.AccountID
	journalID  primitives.JournalID
	walletID   primitives.WalletID
	keychainID primitives.KeychainID
	xpubID     primitives.XPubID
	group      *batch.Group
	ledgerAccs batch.WalletLedgerAccounts
	payoutRepo *payout.Repo
	utxoRepo   *utxo.Repo
	batchRepo  *batch.Repo
	walletRepo *wallet.Repo
	xpubRepo   *xpub.Repo
	signRepo   *Repo
}

// setup mirrors internal/batch's own test fixture (same seed data, same raw
// SQL idiom for rows no package-level constructor covers yet), extended
// with the xpub/wallet/signing repos this package's engine needs.
func setup(t *testing.T) fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signing_test.sqlite")
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
	mustExec(t, ctx, conn, `INSERT INTO bria_ledger_journals (id, created_at) VALUES (?, datetime('now'))`, accountID.String())
	mustExec(t, ctx, conn, `INSERT INTO bria_accounts (id, name, journal_id, created_at) VALUES (?, 'acme', ?, datetime('now'))`, accountID.String(), accountID.String())
	mustExec(t, ctx, conn, `INSERT INTO bria_xpubs (id, account_id, key_name, fingerprint) VALUES (?, ?, 'hot-1', 'eeff0011')`, xpubID.String(), accountID.String())
	mustExec(t, ctx, conn, `
		INSERT INTO bria_xpub_events (xpub_id, sequence, event_type, payload_json, recorded_at)
		VALUES (?, 1, 'initialized', ?, datetime('now'))
	`, xpubID.String(), `{"account_id":"`+accountID.String()+`","key_name":"hot-1","fingerprint":"eeff0011","parent_fingerprint":"00000000","original":"tpubfake","derivation_depth":1}`)

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

	mustExec(t, ctx, conn, `
		INSERT INTO bria_wallets (
			id, account_id, name, xpub_id,
			onchain_incoming_id, onchain_at_rest_id, onchain_outgoing_id, fee_id, dust_id,
			logical_outgoing_id, logical_at_rest_id, created_at
		) VALUES (?, ?, 'primary', ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
	`, walletID.String(), accountID.String(), xpubID.String(),
		accounts[0].String(), accounts[1].String(), accounts[2].String(), accounts[3].String(), accounts[4].String(), accounts[5].String(), accounts[6].String())
	mustExec(t, ctx, conn, `
		INSERT INTO bria_keychains (id, wallet_id, external, next_address_index) VALUES (?, ?, 1, 0)
	`, keychainID.String(), walletID.String())

	groupRepo := batch.NewGroupRepo(conn)
	group, err := groupRepo.Create(ctx, conn, accountID, "hourly", batch.TriggerScheduled, 10)
	if err != nil {
		t.Fatalf("create batch group: %v", err)
	}

	return fixture{
		database:  database,
		engine:    e,
		accountID: accountID, journalID: journalID,
		walletID: walletID, keychainID: keychainID, xpubID: xpubID,
		group: group,
		ledgerAccs: batch.WalletLedgerAccounts{
			OnchainIncoming: accounts[0], OnchainAtRest: accounts[1], OnchainOutgoing: accounts[2],
			Fee: accounts[3], LogicalOutgoing: accounts[5], LogicalAtRest: accounts[6],
		},
		payoutRepo: payout.NewRepo(conn),
		utxoRepo:   utxo.NewRepo(conn),
		batchRepo:  batch.NewRepo(conn),
		walletRepo: wallet.NewRepo(conn),
		xpubRepo:   xpub.NewRepo(conn),
		signRepo:   NewRepo(conn),
	}
}

func mustExec(t *testing.T, ctx context.Context, conn *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// buildBatch runs a real internal/batch.Construct over one funding UTXO and
// one payout so the signing engine under test exercises a genuine unsigned
// PSBT rather than a hand-rolled one.
func (f fixture) buildBatch(t *testing.T) *batch.Batch {
	t.Helper()
	ctx := context.Background()
	conn := f.database.Conn()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, err = f.payoutRepo.CreateInTx(ctx, tx, f.engine, f.journalID, payout.New{
		WalletID: f.walletID, BatchGroupID: f.group.ID,
		DestinationAddress: testnetAddr, Value: 20_000_000, ReservedFee: 500,
		LogicalOutgoing: f.ledgerAccs.LogicalOutgoing, OnchainFee: f.ledgerAccs.Fee,
	})
	if err != nil {
		t.Fatalf("create payout: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit payout: %v", err)
	}

	txid := strings.Repeat("22", 32)
	tx, _ = conn.BeginTx(ctx, nil)
	if _, err := f.utxoRepo.Persist(ctx, tx, utxo.New{
		KeychainID: f.keychainID, Outpoint: utxo.Outpoint{Txid: txid, Vout: 0},
		Value: 50_000_000, Address: "tb1qexampleutxo", ScriptHex: p2wpkhScriptHex,
		AddressIndex: 0, SatsPerVByteWhenCreated: 5,
		IncomePendingLedgerTxID: primitives.NewLedgerTransactionID(),
	}); err != nil {
		t.Fatalf("persist utxo: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit utxo: %v", err)
	}

	tx, _ = conn.BeginTx(ctx, nil)
	if err := batch.AcquireLock(ctx, tx, f.group.Name); err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	payouts, err := f.payoutRepo.ListUnbatched(ctx, tx, f.group.ID)
	if err != nil {
		t.Fatalf("list unbatched: %v", err)
	}
	reservable, err := f.utxoRepo.FindReservable(ctx, tx, []primitives.KeychainID{f.keychainID})
	if err != nil {
		t.Fatalf("find reservable: %v", err)
	}
	candidates := make([]batch.Candidate, len(reservable))
	for i, r := range reservable {
		candidates[i] = batch.Candidate{Reservable: r, Value: r.Value}
	}
	wallets := map[primitives.WalletID]batch.WalletInput{
		f.walletID: {WalletID: f.walletID, Ledger: f.ledgerAccs, Candidates: candidates, ChangeAddress: testnetAddr, Network: "testnet"},
	}
	b, err := batch.Construct(ctx, tx, f.engine, f.journalID, f.accountID, f.group, payouts, f.payoutRepo, f.utxoRepo, wallets, nil)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit construct: %v", err)
	}
	return b
}

func (f fixture) setSigner(t *testing.T, cfg xpub.SignerConfig) {
	t.Helper()
	ctx := context.Background()
	conn := f.database.Conn()
	xp, err := f.xpubRepo.Find(ctx, conn, f.accountID, f.xpubID)
	if err != nil {
		t.Fatalf("find xpub: %v", err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := f.xpubRepo.SetSignerConfig(ctx, tx, xp, cfg); err != nil {
		t.Fatalf("set signer config: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit signer config: %v", err)
	}
}

type fakeClient struct {
	sign func(ctx context.Context, p []byte) ([]byte, error)
}

func (c fakeClient) SignPSBT(ctx context.Context, p []byte) ([]byte, error) { return c.sign(ctx, p) }

type fakeDialer struct {
	client xpub.RemoteSigningClient
	err    error
}

func (d fakeDialer) Dial(ctx context.Context, cfg xpub.SignerConfig) (xpub.RemoteSigningClient, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.client, nil
}

// finalizeAllInputs returns p with an (invalid but structurally complete)
// witness attached to every input, standing in for a real remote signer's
// signature — engine.combine only checks structural completeness
// (psbt.Packet.IsComplete), never signature validity, which belongs to the
// broadcaster/network, an external collaborator out of scope here.
func finalizeAllInputs(t *testing.T, raw []byte) []byte {
	t.Helper()
	p, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		t.Fatalf("parse unsigned psbt: %v", err)
	}
	for i := range p.Inputs {
		var witnessBytes bytes.Buffer
		if err := psbt.WriteTxWitness(&witnessBytes, [][]byte{{0xAA, 0xBB}, {0xCC, 0xDD}}); err != nil {
			t.Fatalf("serialize fake witness: %v", err)
		}
		p.Inputs[i].FinalScriptWitness = witnessBytes.Bytes()
	}
	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func TestEnsureSessions_SpawnsOnePerWallet(t *testing.T) {
	f := setup(t)
	b := f.buildBatch(t)
	eng := NewEngine(f.signRepo, f.batchRepo, f.walletRepo, f.xpubRepo, f.utxoRepo, fakeDialer{})

	bss, err := eng.EnsureSessions(context.Background(), f.database.Conn(), f.accountID, b.ID)
	if err != nil {
		t.Fatalf("ensure sessions: %v", err)
	}
	if len(bss.XPubSessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(bss.XPubSessions))
	}
	sess, ok := bss.XPubSessions[f.xpubID]
	if !ok {
		t.Fatalf("no session for xpub %s", f.xpubID.String())
	}
	if sess.State != StatePending {
		t.Fatalf("state = %s, want pending", sess.State)
	}
	if !bytes.Equal(sess.UnsignedPSBT, b.UnsignedPSBT) {
		t.Fatalf("session psbt does not match batch's unsigned psbt")
	}
}

func TestEnsureSessions_IsIdempotentAcrossRuns(t *testing.T) {
	f := setup(t)
	b := f.buildBatch(t)
	eng := NewEngine(f.signRepo, f.batchRepo, f.walletRepo, f.xpubRepo, f.utxoRepo, fakeDialer{})
	ctx := context.Background()

	first, err := eng.EnsureSessions(ctx, f.database.Conn(), f.accountID, b.ID)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	second, err := eng.EnsureSessions(ctx, f.database.Conn(), f.accountID, b.ID)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if first.XPubSessions[f.xpubID].ID != second.XPubSessions[f.xpubID].ID {
		t.Fatalf("re-running EnsureSessions spawned a new session instead of reloading the existing one")
	}
}

func TestAttempt_SignerConfigMissing_SessionFailsTerminal(t *testing.T) {
	f := setup(t)
	b := f.buildBatch(t)
	eng := NewEngine(f.signRepo, f.batchRepo, f.walletRepo, f.xpubRepo, f.utxoRepo, fakeDialer{})
	ctx := context.Background()

	bss, err := eng.EnsureSessions(ctx, f.database.Conn(), f.accountID, b.ID)
	if err != nil {
		t.Fatalf("ensure sessions: %v", err)
	}
	bss, _, err = eng.Attempt(ctx, f.database.Conn(), bss)
	if err == nil {
		t.Fatalf("expected stalled/failure error, got nil")
	}

	reloaded, err := f.signRepo.FindForBatch(ctx, f.database.Conn(), f.accountID, b.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	sess := reloaded.XPubSessions[f.xpubID]
	if sess.State != StateFailed {
		t.Fatalf("state = %s, want failed", sess.State)
	}
	if sess.LastFailure == nil || sess.LastFailure.Kind != FailureSignerConfigMissing {
		t.Fatalf("last failure = %+v, want FailureSignerConfigMissing", sess.LastFailure)
	}
	if !sess.LastFailure.Kind.Terminal() {
		t.Fatalf("FailureSignerConfigMissing must be terminal")
	}
}

func TestAttempt_SignerRejects_RecordsRejection(t *testing.T) {
	f := setup(t)
	b := f.buildBatch(t)
	f.setSigner(t, xpub.LndSignerConfig{Endpoint: "lnd.internal:10009"})

	client := fakeClient{sign: func(ctx context.Context, p []byte) ([]byte, error) {
		return nil, config.ErrSignerRejected
	}}
	eng := NewEngine(f.signRepo, f.batchRepo, f.walletRepo, f.xpubRepo, f.utxoRepo, fakeDialer{client: client})
	ctx := context.Background()

	bss, err := eng.EnsureSessions(ctx, f.database.Conn(), f.accountID, b.ID)
	if err != nil {
		t.Fatalf("ensure sessions: %v", err)
	}
	if _, _, err := eng.Attempt(ctx, f.database.Conn(), bss); err == nil {
		t.Fatalf("expected an error surfaced for the non-completed batch")
	}

	reloaded, err := f.signRepo.FindForBatch(ctx, f.database.Conn(), f.accountID, b.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	sess := reloaded.XPubSessions[f.xpubID]
	if sess.State != StateFailed || sess.LastFailure.Kind != FailureSignerRejected {
		t.Fatalf("session = %+v, want Failed{SignerRejected}", sess)
	}
}

func TestAttempt_Success_CombinesIntoFinalizedPSBT(t *testing.T) {
	f := setup(t)
	b := f.buildBatch(t)
	f.setSigner(t, xpub.LndSignerConfig{Endpoint: "lnd.internal:10009"})

	client := fakeClient{sign: func(ctx context.Context, p []byte) ([]byte, error) {
		return finalizeAllInputs(t, p), nil
	}}
	eng := NewEngine(f.signRepo, f.batchRepo, f.walletRepo, f.xpubRepo, f.utxoRepo, fakeDialer{client: client})
	ctx := context.Background()

	bss, err := eng.EnsureSessions(ctx, f.database.Conn(), f.accountID, b.ID)
	if err != nil {
		t.Fatalf("ensure sessions: %v", err)
	}
	bss, signed, err := eng.Attempt(ctx, f.database.Conn(), bss)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if !bss.AllCompleted() {
		t.Fatalf("expected all sessions completed")
	}
	if len(signed) == 0 {
		t.Fatalf("expected a non-empty combined psbt")
	}

	p, err := psbt.NewFromRawBytes(bytes.NewReader(signed), false)
	if err != nil {
		t.Fatalf("parse combined psbt: %v", err)
	}
	if !p.IsComplete() {
		t.Fatalf("combined psbt is not complete")
	}
}

// TestAttempt_UnreachableAcrossRetries_SurfacesStalled mirrors spec.md §8
// scenario 6's shape: a signer that never comes back reachable keeps the
// session Failed{SignerUnreachable} attempt after attempt, and every
// scheduler invocation surfaces SigningSessionStalled so the batch gets
// flagged for an operator rather than looping silently forever.
func TestAttempt_UnreachableAcrossRetries_SurfacesStalled(t *testing.T) {
	f := setup(t)
	b := f.buildBatch(t)
	f.setSigner(t, xpub.LndSignerConfig{Endpoint: "lnd.internal:10009"})

	attempts := 0
	client := fakeClient{sign: func(ctx context.Context, p []byte) ([]byte, error) {
		attempts++
		return nil, config.ErrSignerUnreachable
	}}
	eng := NewEngine(f.signRepo, f.batchRepo, f.walletRepo, f.xpubRepo, f.utxoRepo, fakeDialer{client: client})
	ctx := context.Background()

	bss, err := eng.EnsureSessions(ctx, f.database.Conn(), f.accountID, b.ID)
	if err != nil {
		t.Fatalf("ensure sessions: %v", err)
	}
	for i := 0; i < 3; i++ {
		bss, err = f.signRepo.FindForBatch(ctx, f.database.Conn(), f.accountID, b.ID)
		if err != nil {
			t.Fatalf("reload round %d: %v", i, err)
		}
		if _, _, err := eng.Attempt(ctx, f.database.Conn(), bss); err == nil {
			t.Fatalf("round %d: expected a stalled/failure error, got nil", i)
		}
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (one remote-sign call per scheduler invocation)", attempts)
	}

	reloaded, err := f.signRepo.FindForBatch(ctx, f.database.Conn(), f.accountID, b.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	sess := reloaded.XPubSessions[f.xpubID]
	if sess.State != StateFailed || sess.LastFailure.Kind != FailureSignerUnreachable {
		t.Fatalf("session = %+v, want Failed{SignerUnreachable}", sess)
	}
	if sess.Attempts != 3 {
		t.Fatalf("sess.Attempts = %d, want 3", sess.Attempts)
	}
}
