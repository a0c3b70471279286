package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Rsync25/bria/internal/admin"
	"github.com/Rsync25/bria/internal/api/handlers"
	apimw "github.com/Rsync25/bria/internal/api/middleware"
	"github.com/Rsync25/bria/internal/app"
	"github.com/Rsync25/bria/internal/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

// NewRouter builds the full HTTP surface: an unauthenticated health check
// and bootstrap endpoint, an admin group guarded by AdminAuth, and a tenant
// group guarded by AccountAuth. Replaces the teacher's dashboard/SPA/send/
// scan router, which served a browser-facing wallet dashboard behind
// HostCheck/CORS/CSRF — this surface is a server-to-server bearer-token API
// with no static assets and no session cookies, so those three are dropped
// in favor of AccountAuth/AdminAuth.
func NewRouter(cfg *config.Config, adminApp *admin.App, accountApp *app.App) chi.Router {
	r := chi.NewRouter()

	r.Use(apimw.RequestLogging)
	r.Use(chimw.Recoverer)

	slog.Info("router initialized", "middleware", []string{"requestLogging", "recoverer"})

	r.Get("/health", handlers.Health(cfg, Version))

	r.Route("/admin", func(r chi.Router) {
		r.Post("/bootstrap", handlers.AdminBootstrap(adminApp))

		r.Group(func(r chi.Router) {
			r.Use(apimw.AdminAuth(adminApp))
			r.Post("/accounts", handlers.AccountCreate(adminApp))
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(apimw.AccountAuth(accountApp))

		r.Post("/xpubs", handlers.XPubImport(accountApp))
		r.Post("/wallets", handlers.WalletCreate(accountApp))
		r.Post("/batch-groups", handlers.BatchGroupCreate(accountApp))
		r.Post("/batch-groups/trigger", handlers.BatchTrigger(accountApp))
		r.Post("/payouts", handlers.PayoutQueue(accountApp))
	})

	return r
}
