// Package gitsync implements the Git Synchronizer (spec §4.6): keeping
// a tenant's external Git repository in sync with the policy store,
// segregated by environment into policies/sandbox/ and
// policies/production/ folders. Two transports are supported,
// following the teacher's own two paths for reaching GitHub
// (internal/githubapp + internal/githubops for App-authenticated
// access; plain go-git for a tenant-supplied deploy key or token) —
// generalized here so either can back one tenant's configured remote.
package gitsync

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/store"
	"github.com/controlcoreio/control-core/internal/vault"
)

// PolicySource is the minimal view of a policy the synchronizer reads
// and writes; kept separate from model.Policy so callers can supply
// exactly what is needed without pulling in the whole row.
type PolicySource struct {
	ID     string
	Name   string
	Source string
}

// Syncer drives push/pull for a single tenant's configured remote.
type Syncer struct {
	store *store.Store
	vault *vault.Vault
}

func New(s *store.Store, v *vault.Vault) *Syncer {
	return &Syncer{store: s, vault: v}
}

func envFolder(env model.Environment) string {
	return path.Join("policies", string(env))
}

// Push writes one file per policy under its environment's folder and
// commits with the given actor's attribution. Retries with
// exponential backoff are the caller's responsibility (the Temporal
// workflow wrapping this call supplies that, per §4.6's bounded-ceiling
// retry requirement).
func (sy *Syncer) Push(ctx context.Context, tenantID string, env model.Environment, policies []PolicySource, actor string) error {
	cfg, err := sy.store.GetGitConfig(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("gitsync: no git config for tenant %s: %w", tenantID, err)
	}

	workDir, err := os.MkdirTemp("", "gitsync-"+tenantID+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	auth, err := sy.resolveAuth(ctx, tenantID, cfg)
	if err != nil {
		return err
	}

	repo, err := git.PlainCloneContext(ctx, workDir, false, &git.CloneOptions{
		URL:  cfg.RemoteURL,
		Auth: auth,
		Depth: 1,
	})
	if err != nil {
		return fmt.Errorf("gitsync: clone: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}

	folder := envFolder(env)
	if err := os.MkdirAll(path.Join(workDir, folder), 0o755); err != nil {
		return err
	}
	for _, p := range policies {
		file := path.Join(folder, p.ID+".rego")
		if err := os.WriteFile(path.Join(workDir, file), []byte(p.Source), 0o644); err != nil {
			return err
		}
		if _, err := wt.Add(file); err != nil {
			return fmt.Errorf("gitsync: stage %s: %w", file, err)
		}
		if err := sy.store.RecordSyncState(ctx, model.SyncStateEntry{
			TenantID:    tenantID,
			Environment: env,
			Direction:   "push",
			PolicyID:    p.ID,
			Status:      "ok",
			Detail:      "staged " + file,
		}); err != nil {
			return err
		}
	}

	status, err := wt.Status()
	if err != nil {
		return err
	}
	if status.IsClean() {
		return nil
	}

	_, err = wt.Commit(fmt.Sprintf("control plane: sync %s policies (%d)", env, len(policies)), &git.CommitOptions{
		Author: &object.Signature{Name: actor, Email: actor + "@control-plane.local", When: time.Now()},
	})
	if err != nil {
		return fmt.Errorf("gitsync: commit: %w", err)
	}
	if err := repo.PushContext(ctx, &git.PushOptions{Auth: auth}); err != nil {
		return fmt.Errorf("gitsync: push: %w", err)
	}
	return nil
}

// PullResult is one file's outcome from a pull.
type PullResult struct {
	PolicyID string
	Status   string // "added", "modified", "unchanged", "error"
	Detail   string
}

// Pull fetches the tenant's remote and returns one result per file
// under the environment's folder: added, modified or unchanged as
// compared with known (policy ID to source), or error when the file is
// unreadable or fails validate (the same schema/syntax check used by
// an HTTP PUT, applied uniformly per §4.6).
func (sy *Syncer) Pull(ctx context.Context, tenantID string, env model.Environment, known map[string]string, validate func(source string) error) ([]PullResult, error) {
	cfg, err := sy.store.GetGitConfig(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("gitsync: no git config for tenant %s: %w", tenantID, err)
	}
	workDir, err := os.MkdirTemp("", "gitsync-pull-"+tenantID+"-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	auth, err := sy.resolveAuth(ctx, tenantID, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := git.PlainCloneContext(ctx, workDir, false, &git.CloneOptions{URL: cfg.RemoteURL, Auth: auth, Depth: 1}); err != nil {
		return nil, fmt.Errorf("gitsync: clone: %w", err)
	}

	folder := path.Join(workDir, envFolder(env))
	entries, err := os.ReadDir(folder)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var results []PullResult
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id := trimExt(e.Name())
		content, err := os.ReadFile(path.Join(folder, e.Name()))
		if err != nil {
			results = append(results, PullResult{PolicyID: id, Status: "error", Detail: err.Error()})
			continue
		}
		source := string(content)
		if err := validate(source); err != nil {
			results = append(results, PullResult{PolicyID: id, Status: "error", Detail: err.Error()})
			_ = sy.store.RecordSyncState(ctx, model.SyncStateEntry{
				TenantID: tenantID, Environment: env, Direction: "pull", PolicyID: id, Status: "error", Detail: err.Error(),
			})
			continue
		}
		status := "added"
		if existing, ok := known[id]; ok {
			if existing == source {
				status = "unchanged"
			} else {
				status = "modified"
			}
		}
		results = append(results, PullResult{PolicyID: id, Status: status})
		_ = sy.store.RecordSyncState(ctx, model.SyncStateEntry{
			TenantID: tenantID, Environment: env, Direction: "pull", PolicyID: id, Status: status,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].PolicyID < results[j].PolicyID })
	return results, nil
}

// resolveAuth never retains the plaintext credential beyond building
// the transport.AuthMethod; the vault is consulted fresh on every
// call (§4.6: "the synchronizer never sees raw tokens" outside this
// narrow, per-call resolution).
func (sy *Syncer) resolveAuth(ctx context.Context, tenantID string, cfg model.GitConfig) (*http.BasicAuth, error) {
	token, err := sy.vault.Get(ctx, tenantID, cfg.CredentialVaultID)
	if err != nil {
		return nil, fmt.Errorf("gitsync: resolve credential: %w", err)
	}
	switch cfg.AuthKind {
	case model.GitAuthGitHubApp:
		installToken, err := installationToken(ctx, cfg, token)
		if err != nil {
			return nil, err
		}
		return &http.BasicAuth{Username: "x-access-token", Password: installToken}, nil
	case model.GitAuthToken, model.GitAuthDeployKey:
		return &http.BasicAuth{Username: "git", Password: token}, nil
	default:
		return nil, fmt.Errorf("gitsync: unsupported auth kind %q", cfg.AuthKind)
	}
}

// TestConnection verifies that the tenant's configured remote and
// credential can actually authenticate, without touching the working
// tree: it lists the remote's refs the same way `git ls-remote` does,
// backing the git-config:test endpoint's "verify before you save"
// check.
func (sy *Syncer) TestConnection(ctx context.Context, tenantID string, cfg model.GitConfig) error {
	auth, err := sy.resolveAuth(ctx, tenantID, cfg)
	if err != nil {
		return err
	}
	remote := git.NewRemote(nil, &gitconfig.RemoteConfig{Name: "origin", URLs: []string{cfg.RemoteURL}})
	if _, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth}); err != nil {
		return fmt.Errorf("gitsync: test connection: %w", err)
	}
	return nil
}

func trimExt(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i]
		}
	}
	return name
}
