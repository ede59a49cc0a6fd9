package gitsync

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v66/github"

	"github.com/controlcoreio/control-core/internal/model"
)

// installationToken mints a short-lived GitHub App installation token
// for cfg's configured app/installation pair, using the PEM private
// key sealed in the vault under cfg.CredentialVaultID. Adapted from
// the teacher's githubapp.App.InstallationClient: a ghinstallation
// transport wraps http.DefaultTransport and handles token refresh
// internally, so the control plane never schedules its own refresh
// loop — the transport's Token call here does it per sync.
func installationToken(ctx context.Context, cfg model.GitConfig, privateKeyPEM string) (string, error) {
	itr, err := ghinstallation.New(http.DefaultTransport, cfg.GitHubAppID, cfg.GitHubInstallationID, []byte(privateKeyPEM))
	if err != nil {
		return "", fmt.Errorf("gitsync: github app transport: %w", err)
	}
	token, err := itr.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("gitsync: mint installation token: %w", err)
	}
	return token, nil
}

// installationClient returns a go-github client authenticated as the
// installation, used by the webhook-driven pull trigger to confirm a
// push landed on the branch the tenant syncs from before kicking off
// a pull (spec §4.6's webhook-driven pull trigger).
func installationClient(cfg model.GitConfig, privateKeyPEM string) (*github.Client, error) {
	itr, err := ghinstallation.New(http.DefaultTransport, cfg.GitHubAppID, cfg.GitHubInstallationID, []byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("gitsync: github app transport: %w", err)
	}
	return github.NewClient(&http.Client{Transport: itr}), nil
}
