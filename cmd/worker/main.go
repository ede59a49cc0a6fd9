// Command worker runs the Temporal worker that drives the control
// plane's durable workflows: environment promotion (policy promote
// plus its PEP bundle-rebuild fan-out) and Git sync push/pull, each
// retried per Temporal's policy rather than an ad hoc in-process loop.
// Structure follows the teacher's own agents/manager/cmd/worker/main.go.
package main

import (
	"log"
	"os"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/controlcoreio/control-core/internal/bundle"
	"github.com/controlcoreio/control-core/internal/config"
	"github.com/controlcoreio/control-core/internal/gitsync"
	"github.com/controlcoreio/control-core/internal/notify"
	"github.com/controlcoreio/control-core/internal/pepcoord"
	"github.com/controlcoreio/control-core/internal/policy"
	"github.com/controlcoreio/control-core/internal/store"
	"github.com/controlcoreio/control-core/internal/vault"
	"github.com/controlcoreio/control-core/internal/workflow"
)

func main() {
	logger := log.New(os.Stdout, "control-core-worker ", log.LstdFlags|log.LUTC)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	c, err := client.Dial(client.Options{
		HostPort: cfg.TemporalAddress,
	})
	if err != nil {
		logger.Fatalf("temporal client: %v", err)
	}
	defer c.Close()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatalf("store: %v", err)
	}
	defer st.Close()

	v, err := vault.New(st, cfg.VaultMasterKey)
	if err != nil {
		logger.Fatalf("vault: %v", err)
	}

	builder := bundle.New()
	coordinator := pepcoord.New(st, builder).WithStorageDir(cfg.Deployment.BundleStorageDir)
	// PromoteWorkflow already fans out an explicit RebuildBundle
	// activity per affected PEP after the ActivityPromote step, so
	// this hook stays nil (policy.New defaults it to a no-op):
	// Promote's own inline rebuild call would otherwise race the
	// workflow's retry-bounded rebuild loop.
	policies := policy.New(st, nil)
	syncer := gitsync.New(st, v)
	notifier := notify.New(st, v, nil)

	w := worker.New(c, cfg.TemporalTaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: cfg.Deployment.WorkerPoolSize,
	})
	w.RegisterWorkflow(workflow.PromoteWorkflow)
	w.RegisterWorkflow(workflow.GitSyncWorkflow)

	activities := &workflow.Activities{
		Store:       st,
		Policies:    policies,
		Coordinator: coordinator,
		Syncer:      syncer,
		Notifier:    notifier,
	}
	w.RegisterActivity(activities)

	logger.Printf("worker started (task queue: %s)", cfg.TemporalTaskQueue)
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Fatalf("worker error: %v", err)
	}
}
