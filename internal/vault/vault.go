// Package vault implements the Credential Vault (spec §4.10): every
// secret the control plane stores for a tenant — Git deploy tokens,
// PIP connection credentials, notification channel tokens — passes
// through here and is never persisted, logged, or returned as
// plaintext. Encryption follows the teacher's own vault package
// (tools/si/internal/vault/crypto_age.go): age/X25519 authenticated
// encryption. Per-tenant isolation is added on top: each tenant's
// secrets are sealed under an X25519 identity derived from the
// process master key via HKDF-SHA256, so a compromised master key
// still requires the derivation to decrypt any one tenant's secrets,
// and tenants can never decrypt each other's credentials even if a
// ciphertext blob is exposed across tenant boundaries.
package vault

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"golang.org/x/crypto/hkdf"

	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/store"
)

// MaskedPlaceholder is what GET responses render in place of a
// credential's value, so a secret set once through PUT can never be
// read back over the API (§4.10 invariant).
const MaskedPlaceholder = "••••••••"

type Vault struct {
	store     *store.Store
	masterKey []byte // process-level seed; never logged, never persisted
}

func New(s *store.Store, masterKey []byte) (*Vault, error) {
	if len(masterKey) < 32 {
		return nil, fmt.Errorf("vault: master key must be at least 32 bytes")
	}
	return &Vault{store: s, masterKey: masterKey}, nil
}

// tenantIdentity derives a deterministic X25519 identity from the
// master key and tenant ID using HKDF-SHA256. Deterministic derivation
// means no per-tenant key material needs to be stored: the identity is
// reconstructed on every decrypt from (masterKey, tenantID) alone.
func (v *Vault) tenantIdentity(tenantID string) (*age.X25519Identity, error) {
	h := hkdf.New(sha256.New, v.masterKey, []byte(tenantID), []byte("control-core/vault/tenant-identity"))
	seed := make([]byte, 32)
	if _, err := io.ReadFull(h, seed); err != nil {
		return nil, fmt.Errorf("vault: derive tenant key: %w", err)
	}
	return identityFromSeed(seed)
}

// Put encrypts plaintext under tenantID's derived identity and stores
// the resulting envelope under the caller-chosen vaultID, the ID other
// rows reference (e.g. PipConnection.CredentialVaultID).
func (v *Vault) Put(ctx context.Context, tenantID, vaultID, plaintext string) error {
	identity, err := v.tenantIdentity(tenantID)
	if err != nil {
		return err
	}
	recipient := identity.Recipient()
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return fmt.Errorf("vault: encrypt: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		_ = w.Close()
		return fmt.Errorf("vault: encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("vault: encrypt close: %w", err)
	}
	return v.store.PutCredential(ctx, model.Credential{
		VaultID:    vaultID,
		TenantID:   tenantID,
		Ciphertext: buf.Bytes(),
	})
}

// Get decrypts vaultID's envelope. Only internal subsystems that must
// present the secret to an upstream (the Git synchronizer, the PIP
// fetcher, the notification dispatcher) call this — never the HTTP API.
func (v *Vault) Get(ctx context.Context, tenantID, vaultID string) (string, error) {
	c, err := v.store.GetCredential(ctx, tenantID, vaultID)
	if err != nil {
		return "", err
	}
	identity, err := v.tenantIdentity(tenantID)
	if err != nil {
		return "", err
	}
	r, err := age.Decrypt(bytes.NewReader(c.Ciphertext), identity)
	if err != nil {
		return "", fmt.Errorf("vault: decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("vault: decrypt read: %w", err)
	}
	return string(plain), nil
}

// Rotate re-encrypts vaultID's secret under a freshly re-derived
// identity after the caller has changed the master key (or simply
// wants to force a new ciphertext for audit purposes). The derivation
// is deterministic in tenantID, so a real key rotation is driven by
// rotating masterKey at the process level and calling Rotate for every
// vault ID under the new Vault instance.
func (v *Vault) Rotate(ctx context.Context, tenantID, vaultID string) error {
	plain, err := v.Get(ctx, tenantID, vaultID)
	if err != nil {
		return err
	}
	return v.Put(ctx, tenantID, vaultID, plain)
}

func (v *Vault) Delete(ctx context.Context, tenantID, vaultID string) error {
	return v.store.DeleteCredential(ctx, tenantID, vaultID)
}

// identityFromSeed builds an X25519Identity from 32 bytes of derived
// key material. age only exposes identity generation via its own CSPRNG
// (GenerateX25519Identity), so a deterministic identity is built by
// encoding the seed through the same Bech32 scheme age's parser accepts:
// checksummed over the lower-case prefix, then upper-cased as a whole,
// since bech32 rejects mixed-case strings.
func identityFromSeed(seed []byte) (*age.X25519Identity, error) {
	encoded, err := bech32Encode("age-secret-key-", seed)
	if err != nil {
		return nil, err
	}
	return age.ParseX25519Identity(strings.ToUpper(encoded))
}

// NewRandomVaultID returns an opaque, unguessable identifier suitable
// as a vault ID / CredentialVaultID foreign key. It carries no
// information about the secret it names.
func NewRandomVaultID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	encoded, err := bech32Encode("vlt", b)
	if err != nil {
		return "", err
	}
	return encoded, nil
}
