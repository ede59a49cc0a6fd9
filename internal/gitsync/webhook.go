package gitsync

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v66/github"

	"github.com/controlcoreio/control-core/internal/model"
)

// PushNotification is what VerifyPushWebhook extracts from a validated
// GitHub delivery: enough to decide whether a pull should fire.
type PushNotification struct {
	Ref       string
	HeadSHA   string
	IsDefault bool
}

// VerifyPushWebhook validates r's HMAC signature against the tenant's
// configured webhook secret (sealed at cfg.WebhookSecretVaultID) using
// go-github's own ValidatePayload, then parses it as a push event. Any
// other event kind is returned as an error naming the event type. This
// backs spec §4.6's webhook-driven pull
// trigger: a push to GitHub causes the control plane to pull rather
// than waiting for the next poll interval.
func (sy *Syncer) VerifyPushWebhook(ctx context.Context, tenantID string, cfg model.GitConfig, r *http.Request) (PushNotification, error) {
	if cfg.WebhookSecretVaultID == "" {
		return PushNotification{}, fmt.Errorf("gitsync: tenant %s has no webhook secret configured", tenantID)
	}
	secret, err := sy.vault.Get(ctx, tenantID, cfg.WebhookSecretVaultID)
	if err != nil {
		return PushNotification{}, fmt.Errorf("gitsync: resolve webhook secret: %w", err)
	}
	body, err := github.ValidatePayload(r, []byte(secret))
	if err != nil {
		return PushNotification{}, fmt.Errorf("gitsync: invalid webhook signature: %w", err)
	}
	event, err := github.ParseWebHook(github.WebHookType(r), body)
	if err != nil {
		return PushNotification{}, fmt.Errorf("gitsync: parse webhook payload: %w", err)
	}
	push, ok := event.(*github.PushEvent)
	if !ok {
		return PushNotification{}, fmt.Errorf("gitsync: ignoring non-push event %T", event)
	}

	isDefault := false
	if cfg.AuthKind == model.GitAuthGitHubApp {
		token, err := sy.vault.Get(ctx, tenantID, cfg.CredentialVaultID)
		if err == nil {
			if client, err := installationClient(cfg, token); err == nil {
				if repo, _, err := client.Repositories.Get(ctx, push.GetRepo().GetOwner().GetLogin(), push.GetRepo().GetName()); err == nil {
					isDefault = "refs/heads/"+repo.GetDefaultBranch() == push.GetRef()
				}
			}
		}
	}

	return PushNotification{
		Ref:       push.GetRef(),
		HeadSHA:   push.GetHeadCommit().GetID(),
		IsDefault: isDefault,
	}, nil
}
