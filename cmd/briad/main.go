// Command briad is the custody/treasury ledger daemon: it serves the
// account/admin HTTP API and drives the background job scheduler (wallet
// sync, UTXO processing, batch construction, signing, broadcast) out of the
// same process, against one shared SQLite database. Adapted from the
// teacher's cmd/server/main.go, which wired a scanner+SSE+send pipeline
// behind an embedded SPA; this daemon has no browser-facing dashboard, so
// the SPA/SSE/price-service wiring is dropped and replaced with the job
// scheduler's Run loop.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Rsync25/bria/internal/account"
	"github.com/Rsync25/bria/internal/admin"
	"github.com/Rsync25/bria/internal/api"
	"github.com/Rsync25/bria/internal/app"
	"github.com/Rsync25/bria/internal/batch"
	"github.com/Rsync25/bria/internal/chain"
	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/db"
	"github.com/Rsync25/bria/internal/job"
	"github.com/Rsync25/bria/internal/ledger"
	"github.com/Rsync25/bria/internal/logging"
	"github.com/Rsync25/bria/internal/payout"
	"github.com/Rsync25/bria/internal/signing"
	"github.com/Rsync25/bria/internal/utxo"
	"github.com/Rsync25/bria/internal/wallet"
	"github.com/Rsync25/bria/internal/xpub"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe()
	case "migrate":
		err = runMigrate()
	case "version":
		fmt.Printf("briad %s\n", version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		slog.Error("briad exited with error", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: briad <command>

Commands:
  serve     Run migrations, start the HTTP API, and run the job scheduler
  migrate   Apply pending database migrations and exit
  version   Print version information
`)
}

func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logCloser.Close()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if err := database.RunMigrations(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("migrations applied", "dbPath", cfg.DBPath)
	return nil
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logCloser.Close()

	slog.Info("starting briad",
		"version", version,
		"network", cfg.Network,
		"port", cfg.Port,
		"dbPath", cfg.DBPath,
	)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if err := database.RunMigrations(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	conn := database.Conn()
	ledgerEngine := ledger.NewEngine(conn)
	if _, err := ledger.Init(context.Background(), conn, ledgerEngine); err != nil {
		return fmt.Errorf("initialize ledger: %w", err)
	}
	slog.Info("ledger system accounts and templates initialized")

	jobQueue := job.NewQueue(conn)

	adminApp := admin.New(conn, ledgerEngine)
	accountApp := app.New(conn, ledgerEngine, jobQueue, cfg.Network)

	handlers := newJobHandlers(conn, jobQueue, ledgerEngine, cfg)
	scheduler := job.NewScheduler(jobQueue, handlers).WithPollInterval(cfg.JobPollInterval)

	schedulerCtx, schedulerCancel := context.WithCancel(context.Background())
	defer schedulerCancel()
	go scheduler.Run(schedulerCtx)
	slog.Info("job scheduler started", "pollInterval", cfg.JobPollInterval)

	router := api.NewRouter(cfg, adminApp, accountApp)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(config.ServerReadTimeout) * time.Millisecond,
		WriteTimeout: time.Duration(config.ServerWriteTimeout) * time.Millisecond,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("initiating graceful shutdown")

	schedulerCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newJobHandlers wires every repository and external collaborator the job
// handlers need. The remote-signer dialer has no concrete wire
// implementation in this repo (SPEC_FULL's Open Question on remote signer
// transport: LND/bitcoind protocols are external collaborators reduced to
// the xpub.Dialer seam) — unreachableDialer below always fails with
// ErrSignerUnreachable, so a batch with no signer actually wired records
// Failed{SignerUnreachable} on its signing session and its batch_signing job
// fails with SigningSessionStalled (a Signing error, not retried), rather
// than wiring a fake signer that would silently succeed.
func newJobHandlers(conn *sql.DB, jobQueue *job.Queue, e *ledger.Engine, cfg *config.Config) *job.Handlers {
	accounts := account.NewRepo(conn)
	wallets := wallet.NewRepo(conn)
	xpubs := xpub.NewRepo(conn)
	utxos := utxo.NewRepo(conn)
	payouts := payout.NewRepo(conn)
	groups := batch.NewGroupRepo(conn)
	batches := batch.NewRepo(conn)
	signingRepo := signing.NewRepo(conn)
	signingEngine := signing.NewEngine(signingRepo, batches, wallets, xpubs, utxos, unreachableDialer{}).WithStallTimeout(cfg.SigningStallTimeout)

	httpClient := &http.Client{Timeout: 15 * time.Second}
	rateLimiter := job.NewRateLimiter("esplora", 4)
	chainClient := chain.NewEsploraClient(httpClient, rateLimiter, cfg.Network)

	return job.NewHandlers(conn, jobQueue, chainClient, chainClient, accounts, wallets, xpubs, utxos, payouts, groups, batches, e, signingEngine, cfg.Network)
}

// unreachableDialer is the production stand-in for xpub.Dialer until a real
// LND/bitcoind wire client is wired in: every dial fails as if the
// configured signer were unreachable.
type unreachableDialer struct{}

func (unreachableDialer) Dial(ctx context.Context, cfg xpub.SignerConfig) (xpub.RemoteSigningClient, error) {
	return nil, config.ErrSignerUnreachable
}
