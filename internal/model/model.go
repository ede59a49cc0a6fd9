// Package model holds the typed row structs for every entity in the
// control plane's data model (spec.md §3). These replace the
// dynamic-typed ORM rows the source used; validation lives in the
// subsystem packages that own each entity, not here.
package model

import "time"

// Environment is the per-tenant isolation boundary. It is enumerated,
// never free-form.
type Environment string

const (
	EnvSandbox    Environment = "sandbox"
	EnvProduction Environment = "production"
)

func (e Environment) Valid() bool {
	return e == EnvSandbox || e == EnvProduction
}

// Tenant is the root isolation unit. Every other entity carries TenantID.
type Tenant struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// PromotionStatus is the state of a policy within one environment's
// promotion lifecycle.
type PromotionStatus string

const (
	StatusNotPromoted PromotionStatus = "not-promoted"
	StatusPending     PromotionStatus = "pending"
	StatusActive      PromotionStatus = "active"
	StatusRetired     PromotionStatus = "retired"
)

// Effect is the enforcement effect a policy produces when matched.
type Effect string

const (
	EffectPermit Effect = "permit"
	EffectDeny   Effect = "deny"
	EffectAdvice Effect = "advice"
)

// Folder is the authoring lifecycle bucket a policy lives in.
type Folder string

const (
	FolderEnabled  Folder = "enabled"
	FolderDisabled Folder = "disabled"
	FolderDrafts   Folder = "drafts"
)

// Policy is identified by (TenantID, ID).
type Policy struct {
	ID          string
	TenantID    string
	Name        string
	Description string
	Source      string // policy-language source text (e.g. Rego)
	TargetResources []string
	Effect      Effect
	Folder      Folder
	Environment Environment

	SandboxStatus    PromotionStatus
	ProductionStatus PromotionStatus

	PromotedFromSandbox bool
	PromotedAt          time.Time
	PromotedBy          string
	SandboxAncestorID   string // immutable backward pointer once promoted

	TemplateID string // set if instantiated from a template

	CreatedAt time.Time
	UpdatedAt time.Time
	Retired   bool
}

// PolicyTemplate is public, read-mostly, and carries no tenant scope.
type PolicyTemplate struct {
	ID                string
	Name              string
	Description       string
	Category          string
	RiskLevel         string
	ComplianceTags    []string
	Source            string
	DefaultEffect     Effect
	Parameters        []TemplateParameter
}

// TemplateParameter describes one substitution point in a template's
// source, rendered with {{name}} placeholders.
type TemplateParameter struct {
	Name    string
	Type    string // "string", "int", "bool", "list"
	Default string
}

// FingerprintRule tags incoming traffic to a logical resource.
type FingerprintRule struct {
	Kind  string // "path-prefix", "host", "header"
	Key   string // header name, when Kind == "header"
	Value string
}

// Resource is identified by (TenantID, ID, Environment); the same
// logical resource may exist as two rows, one per environment.
type Resource struct {
	ID               string
	TenantID         string
	Environment      Environment
	Name             string
	OriginalHost     string
	ProductionHost   string
	FingerprintRules []FingerprintRule
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DeploymentMode is how a PEP is deployed.
type DeploymentMode string

const (
	ModeReverseProxy DeploymentMode = "reverse-proxy"
	ModeSidecar      DeploymentMode = "sidecar"
	ModeMCP          DeploymentMode = "mcp"
)

// Pep is identified by (TenantID, ID); Environment is immutable after
// first registration.
type Pep struct {
	ID                string
	TenantID          string
	Environment       Environment
	Mode              DeploymentMode
	ExternalID        string // operator-provided identifier used for idempotent registration
	RegistrationToken string
	AssignedPolicies  []string // policy IDs assigned to this PEP's bundle
	LastSeen          time.Time
	Unhealthy         bool
	CreatedAt         time.Time
}

// FailPolicy is the PEP's behaviour when upstream is unreachable.
type FailPolicy string

const (
	FailClosed FailPolicy = "fail-closed"
	FailOpen   FailPolicy = "fail-open"
)

// GlobalPepConfig holds one row per tenant of default PEP behaviour.
type GlobalPepConfig struct {
	TenantID string

	PolicyPollIntervalSeconds int // 10-300
	DecisionLogBatchSize      int
	FailPolicy                FailPolicy
	DefaultSecurityPosture    Effect // default when no policy matches ("deny" in spec examples)
	TLSMinVersion             string

	// sidecar defaults
	SidecarPort         int
	SidecarTrafficMode  string
	SidecarCPULimit     string
	SidecarMemoryLimit  string

	// reverse-proxy defaults
	DefaultProxyDomain string
	DefaultProxyTimeoutSeconds int

	UpdatedAt time.Time
}

// IndividualPepConfig is the single per-PEP override row. Nullable
// fields use pointers so "unset" is distinguishable from the zero value.
type IndividualPepConfig struct {
	PepID    string
	TenantID string

	PolicyPollIntervalSeconds *int
	DecisionLogBatchSize      *int
	FailPolicy                *FailPolicy
	DefaultSecurityPosture    *Effect

	// reverse-proxy and mcp only
	UpstreamURL          *string
	ProxyTimeoutSeconds  *int
	PublicURL            *string

	// sidecar only
	SidecarPort        *int
	SidecarTrafficMode *string
	SidecarCPULimit    *string
	SidecarMemoryLimit *string

	UpdatedAt time.Time
}

// PipConnectionKind enumerates the external attribute provider kinds.
type PipConnectionKind string

const (
	PipHTTPAPI  PipConnectionKind = "http-api"
	PipDatabase PipConnectionKind = "database"
	PipGit      PipConnectionKind = "git"
	PipIdP      PipConnectionKind = "identity-provider"
	PipHRIS     PipConnectionKind = "hris"
	PipCRM      PipConnectionKind = "crm"
)

// AttributeMapping rewrites a provider's native attribute path onto the
// path the evaluator sees, e.g. "groups[].name" -> "user.groups".
type AttributeMapping struct {
	SourcePath string
	TargetPath string
}

// PipConnection is identified by (TenantID, ID, Environment).
type PipConnection struct {
	ID                string
	TenantID          string
	Environment       Environment
	Kind              PipConnectionKind
	EndpointURL       string
	CredentialVaultID string
	AttributeMappings []AttributeMapping
	SyncFrequency     time.Duration
	LastSyncAt        time.Time
	Status            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DataManifestEntry names one PIP collection a bundle's policies consume.
type DataManifestEntry struct {
	ConnectionID string
	Collection   string
	TTL          time.Duration
}

// Bundle is a derived, immutable artifact identified by
// (TenantID, PepID, Version).
type Bundle struct {
	TenantID    string
	PepID       string
	Version     string // content hash of sorted modules and data manifest
	Modules     []BundleModule
	DataManifest []DataManifestEntry
	Checksum    string
	BuiltAt     time.Time
	SourcePolicyIDs []string
}

// BundleModule is one policy module carried in a bundle.
type BundleModule struct {
	PolicyID string
	Name     string
	Source   string
}

// AuditEntryType distinguishes the two kinds of append-only entries.
type AuditEntryType string

const (
	AuditDecision     AuditEntryType = "decision"
	AuditConfigChange AuditEntryType = "config-change"
)

// AuditEntry is identified by (TenantID, EntryID); append-only.
type AuditEntry struct {
	EntryID     string
	TenantID    string
	Environment Environment
	Actor       string
	Type        AuditEntryType
	Payload     map[string]any
	CreatedAt   time.Time
}

// Credential never stores plaintext; Ciphertext+Nonce form an
// authenticated-encryption envelope decrypted only by the vault.
type Credential struct {
	VaultID    string
	TenantID   string
	Ciphertext []byte
	Nonce      []byte
	CreatedAt  time.Time
	RotatedAt  time.Time
}

// SyncStateEntry records one file's outcome from the last Git
// synchronizer run, so an operator can page through history.
type SyncStateEntry struct {
	ID          int64
	TenantID    string
	Environment Environment
	Direction   string // "push" or "pull"
	PolicyID    string
	Status      string // "ok" (push); "added", "modified", "unchanged", "error" (pull)
	Detail      string
	OccurredAt  time.Time
}

// GitAuthKind is how the synchronizer authenticates against the
// tenant's remote.
type GitAuthKind string

const (
	GitAuthGitHubApp  GitAuthKind = "github-app"
	GitAuthDeployKey  GitAuthKind = "deploy-key"
	GitAuthToken      GitAuthKind = "token"
)

// ConflictPolicy is how the synchronizer resolves a push/pull
// collision on the same folder-per-environment path.
type ConflictPolicy string

const (
	ConflictPreferStore ConflictPolicy = "prefer-store"
	ConflictPreferGit   ConflictPolicy = "prefer-git"
	ConflictManual      ConflictPolicy = "manual"
)

// GitConfig is the one-per-tenant connection to an external policy repo.
// When AuthKind is GitAuthGitHubApp, CredentialVaultID seals the App's
// PEM private key and GitHubAppID/GitHubInstallationID select which
// installation token to mint; for GitAuthToken/GitAuthDeployKey the
// other two fields are unused.
type GitConfig struct {
	TenantID                string
	RemoteURL               string
	AuthKind                GitAuthKind
	CredentialVaultID       string
	AutoSyncIntervalSeconds int
	ConflictPolicy          ConflictPolicy
	GitHubAppID             int64
	GitHubInstallationID    int64
	WebhookSecretVaultID    string // set only when the tenant wants push-triggered pulls
	UpdatedAt               time.Time
}

// NotificationChannelKind enumerates the outbound channels a rule can target.
type NotificationChannelKind string

const (
	ChannelTelegram NotificationChannelKind = "telegram"
	ChannelSlack    NotificationChannelKind = "slack"
)

// NotificationRule is identified by (TenantID, ID, Environment).
type NotificationRule struct {
	ID          string
	TenantID    string
	Environment Environment
	ChannelKind NotificationChannelKind
	EventKind   string // e.g. "promotion", "pep_unhealthy", "sync_conflict"
	Target      string // chat id, channel name, etc.
	Enabled     bool
}

// NotificationCredential is the one shared, tenant-wide credential a
// rule's channel draws on (spec: notification credentials are shared
// across environments, unlike PEP config).
type NotificationCredential struct {
	TenantID          string
	ChannelKind       NotificationChannelKind
	CredentialVaultID string
	UpdatedAt         time.Time
}
