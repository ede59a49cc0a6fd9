// Command controlplane runs the HTTP API Gateway: the tenant-scoped
// REST surface every operator and PEP talks to. Subsystem construction
// and graceful shutdown follow the teacher's own
// apps/ReleaseParty/backend/cmd/releaseparty-api/main.go.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"

	"github.com/controlcoreio/control-core/internal/audit"
	"github.com/controlcoreio/control-core/internal/bundle"
	"github.com/controlcoreio/control-core/internal/config"
	"github.com/controlcoreio/control-core/internal/decision"
	"github.com/controlcoreio/control-core/internal/gitsync"
	"github.com/controlcoreio/control-core/internal/httpapi"
	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/notify"
	"github.com/controlcoreio/control-core/internal/pepcoord"
	"github.com/controlcoreio/control-core/internal/pip"
	"github.com/controlcoreio/control-core/internal/policy"
	"github.com/controlcoreio/control-core/internal/store"
	"github.com/controlcoreio/control-core/internal/vault"
)

func main() {
	logger := log.New(os.Stdout, "control-core ", log.LstdFlags|log.LUTC)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatalf("store: %v", err)
	}
	defer st.Close()

	if err := policy.SeedBuiltinTemplates(context.Background(), st); err != nil {
		logger.Fatalf("seed templates: %v", err)
	}

	v, err := vault.New(st, cfg.VaultMasterKey)
	if err != nil {
		logger.Fatalf("vault: %v", err)
	}

	auditSink := audit.New(st, logger)
	defer auditSink.Close()

	builder := bundle.New()
	pipCache := pip.New(pip.HTTPFetcher(v, cfg.PipFetchTimeout), cfg.Deployment.PipCacheMaxEntries)
	engine := decision.New(st, pipCache, auditSink, cfg.DecisionCacheTTL)
	coordinator := pepcoord.New(st, builder).
		WithStorageDir(cfg.Deployment.BundleStorageDir).
		WithEngine(engine)

	// The gateway's own promote() call rebuilds synchronously per
	// affected PEP (handlePromotePolicy still replies 202+Location
	// since a rebuild touches every bundle that PEP serves). The
	// worker's Temporal PromoteWorkflow is registered for
	// retry-bounded promotion outside the request path; nothing in
	// this repository starts it, and it isn't invoked from here, since
	// calling it would promote the same policy twice.
	policies := policy.New(st, func(ctx context.Context, pep model.Pep) {
		if err := coordinator.RebuildBundle(ctx, pep); err != nil {
			logger.Printf("rebuild hook: rebuild bundle for pep %s: %v", pep.ID, err)
		}
	})

	temporalClient, err := client.Dial(client.Options{
		HostPort: cfg.TemporalAddress,
	})
	if err != nil {
		logger.Fatalf("temporal client: %v", err)
	}
	defer temporalClient.Close()

	syncer := gitsync.New(st, v)
	notifier := notify.New(st, v, &http.Client{Timeout: cfg.NotifyHTTPTimeout})

	srv := httpapi.New(httpapi.Deps{
		Store:       st,
		Vault:       v,
		AuditSink:   auditSink,
		Policies:    policies,
		Coordinator: coordinator,
		Builder:     builder,
		Engine:      engine,
		PipCache:    pipCache,
		Syncer:      syncer,
		Notifier:    notifier,
		Logger:      logger,
		AuthTokens:  cfg.AuthTokens,
		Temporal:    temporalClient,
		TaskQueue:   cfg.TemporalTaskQueue,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Printf("control plane listening on %s", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Printf("shutting down...")
	_ = httpSrv.Close()
}
