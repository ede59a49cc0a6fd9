package pip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/netutil"
	"github.com/controlcoreio/control-core/internal/vault"
)

// HTTPFetcher builds a Fetcher for PipHTTPAPI connections: it resolves
// the connection's credential fresh from the vault on every call (the
// same never-retain discipline gitsync.resolveAuth follows) and issues
// a bearer-authenticated GET against EndpointURL/path, decoding the
// response body as JSON. Non-HTTP connection kinds (database,
// identity-provider, hris, crm, git) are out of scope for this
// fetcher and return an error naming the unsupported kind; a tenant
// configuring one of those needs a dedicated fetcher wired in front of
// this one.
func HTTPFetcher(v *vault.Vault, timeout time.Duration) Fetcher {
	client := netutil.SharedClient(timeout)
	return func(ctx context.Context, conn model.PipConnection, path string) (any, error) {
		if conn.Kind != model.PipHTTPAPI {
			return nil, fmt.Errorf("pip: fetcher does not support connection kind %q", conn.Kind)
		}
		token, err := v.Get(ctx, conn.TenantID, conn.CredentialVaultID)
		if err != nil {
			return nil, fmt.Errorf("pip: resolve credential: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, conn.EndpointURL+"/"+path, nil)
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("pip: fetch %s: %w", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("pip: fetch %s: upstream status %d", path, resp.StatusCode)
		}
		var out any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("pip: decode %s response: %w", path, err)
		}
		return out, nil
	}
}
