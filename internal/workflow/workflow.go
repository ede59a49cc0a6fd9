// Package workflow holds the control plane's Temporal workflow and
// activity definitions, following the teacher's own
// agents/manager/internal/beam structure: named activities registered
// onto one task queue, workflows composed from
// workflow.ExecuteActivity calls with bounded retry policies. Two
// durable workflows live here: environment promotion (so a promotion
// that triggers bundle rebuilds for many PEPs survives a worker
// restart partway through) and Git sync (so the bounded-ceiling
// push/pull retry in §4.6 is driven by Temporal's retry policy rather
// than an ad hoc in-process loop).
package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const TaskQueue = "control-core-tasks"

const (
	ActivityPromote      = "PromotePolicy"
	ActivityRebuildBundle = "RebuildBundle"
	ActivityGitPush      = "GitPush"
	ActivityGitPull      = "GitPull"
	ActivityNotify       = "DispatchNotification"
)

// PromoteRequest is the input to PromoteWorkflow.
type PromoteRequest struct {
	TenantID  string
	PolicyID  string
	Actor     string
}

// PromoteResult names the new production policy ID the workflow produced.
type PromoteResult struct {
	ProductionPolicyID string
	RebuiltPepIDs       []string
}

// PromoteWorkflow runs the promote() transaction as an activity (so
// its own database transaction stays short-lived and off the
// workflow's deterministic replay path), then fans out one
// RebuildBundle activity per affected PEP, then dispatches a
// "promotion" notification. A worker crash mid-fan-out resumes
// exactly where it left off on replay.
func PromoteWorkflow(ctx workflow.Context, req PromoteRequest) (PromoteResult, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var promoted struct {
		ProductionPolicyID string
		AffectedPepIDs      []string
	}
	if err := workflow.ExecuteActivity(ctx, ActivityPromote, req).Get(ctx, &promoted); err != nil {
		return PromoteResult{}, err
	}

	rebuilt := make([]string, 0, len(promoted.AffectedPepIDs))
	for _, pepID := range promoted.AffectedPepIDs {
		if err := workflow.ExecuteActivity(ctx, ActivityRebuildBundle, req.TenantID, pepID).Get(ctx, nil); err != nil {
			workflow.GetLogger(ctx).Error("bundle rebuild failed", "pep_id", pepID, "error", err)
			continue
		}
		rebuilt = append(rebuilt, pepID)
	}

	notifyOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	_ = workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, notifyOpts), ActivityNotify, req.TenantID, "production", "promotion",
		"policy "+req.PolicyID+" promoted to production by "+req.Actor).Get(ctx, nil)

	return PromoteResult{ProductionPolicyID: promoted.ProductionPolicyID, RebuiltPepIDs: rebuilt}, nil
}

// GitSyncRequest drives both push and pull workflows.
type GitSyncRequest struct {
	TenantID    string
	Environment string
	Direction   string // "push" or "pull"
	Actor       string
}

// GitSyncWorkflow wraps one push or pull in Temporal's retry policy,
// giving the synchronizer the bounded-ceiling exponential backoff
// §4.6 requires for a failed push without hand-rolling a retry loop
// in the HTTP request path.
func GitSyncWorkflow(ctx workflow.Context, req GitSyncRequest) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    2 * time.Minute,
			MaximumAttempts:    6,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	activity := ActivityGitPull
	if req.Direction == "push" {
		activity = ActivityGitPush
	}
	return workflow.ExecuteActivity(ctx, activity, req).Get(ctx, nil)
}
