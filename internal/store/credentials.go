package store

import (
	"context"
	"database/sql"

	"github.com/controlcoreio/control-core/internal/model"
)

// PutCredential upserts the ciphertext envelope for vaultID. The vault
// package is the only caller; it never hands this layer plaintext.
func (s *Store) PutCredential(ctx context.Context, c model.Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (vault_id, tenant_id, ciphertext, nonce, created_at, rotated_at)
		VALUES (?, ?, ?, ?, ?, NULL)
		ON CONFLICT(tenant_id, vault_id) DO UPDATE SET
			ciphertext=excluded.ciphertext, nonce=excluded.nonce, rotated_at=?
	`, c.VaultID, c.TenantID, c.Ciphertext, c.Nonce, nowRFC3339(), nowRFC3339())
	return err
}

func (s *Store) GetCredential(ctx context.Context, tenantID, vaultID string) (model.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT vault_id, tenant_id, ciphertext, nonce, created_at, rotated_at
		FROM credentials WHERE tenant_id=? AND vault_id=?
	`, tenantID, vaultID)
	var c model.Credential
	var rotatedAt sql.NullString
	if err := row.Scan(&c.VaultID, &c.TenantID, &c.Ciphertext, &c.Nonce, &c.CreatedAt, &rotatedAt); err != nil {
		return model.Credential{}, err
	}
	c.RotatedAt = parseTime(rotatedAt.String)
	return c, nil
}

func (s *Store) DeleteCredential(ctx context.Context, tenantID, vaultID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE tenant_id=? AND vault_id=?`, tenantID, vaultID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}
