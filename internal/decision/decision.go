// Package decision implements the Decision Engine (spec §4.8): the
// single decide(request) call every PEP drives traffic through. Policy
// modules are evaluated with OPA's rego package, the same evaluator
// the wider policy-as-code ecosystem in the example pack standardizes
// on. Effect combination, caching, and the system-administrator
// bypass all live here; the audit write itself is delegated to the
// audit sink so a slow disk never adds to decision latency.
package decision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/open-policy-agent/opa/rego"

	"github.com/controlcoreio/control-core/internal/audit"
	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/pip"
	"github.com/controlcoreio/control-core/internal/store"
	"github.com/controlcoreio/control-core/internal/tenant"
)

// SystemAdminPolicyID is the reserved policy identifier recorded on
// the audit entry when a system-administrator principal's decision
// bypasses the evaluator entirely.
const SystemAdminPolicyID = "system-administrator-bypass"

// pipUnavailableReason is recorded on the outcome and the audit entry
// when a required attribute's lookup returns pip.ErrMissing and the
// fail_policy fallback fires instead of evaluation (§4.7, §8 scenario 5).
const pipUnavailableReason = "pip_unavailable"

// Request is the input to one decide() call. SubjectIsSysAdmin,
// FailPolicy, and DefaultSecurityPosture must all be resolved by the
// caller from authenticated/server-side state (identity capabilities,
// the PEP's merged effective config) — never from client-supplied
// request fields, since every one of them changes the evaluator's
// outcome.
type Request struct {
	TenantID          string
	Environment       model.Environment
	PepID             string
	Subject           map[string]any
	SubjectIsSysAdmin bool
	ResourceID        string
	Action            string
	Context           map[string]any

	FailPolicy             model.FailPolicy
	DefaultSecurityPosture model.Effect
}

// Outcome is the result returned to the PEP and recorded on the audit
// entry.
type Outcome struct {
	Effect           model.Effect
	MatchedPolicyIDs []string
	Cached           bool
	BundleVersion    string
	// Reason carries a machine-readable explanation for an outcome
	// reached without a normal evaluation pass, e.g. "pip_unavailable".
	// Empty for an ordinary evaluated or cached decision.
	Reason string
}

type cacheKey string

func makeCacheKey(bundleVersion, subjectHash, resourceID, action, contextHash string) cacheKey {
	return cacheKey(fmt.Sprintf("%s|%s|%s|%s|%s", bundleVersion, subjectHash, resourceID, action, contextHash))
}

type cacheEntry struct {
	outcome   Outcome
	expiresAt time.Time
}

// Engine evaluates decisions against the currently loaded bundle for
// each PEP. Bundles live in a map guarded by a sync.RWMutex: LoadBundle
// replaces a PEP's entry, and drops the previous version's cached
// decisions, synchronously under the write lock.
type Engine struct {
	store     *store.Store
	pipCache  *pip.Cache
	auditSink *audit.Sink
	cacheTTL  time.Duration

	mu      sync.RWMutex
	bundles map[string]model.Bundle // keyed by tenantID+"/"+pepID
	cache   map[cacheKey]cacheEntry
}

// New builds an Engine. st is used to resolve the full PipConnection
// row named by each of a matched bundle's DataManifest entries —
// pipCache only knows how to fetch once handed a connection, never how
// to look one up.
func New(st *store.Store, pipCache *pip.Cache, auditSink *audit.Sink, cacheTTL time.Duration) *Engine {
	return &Engine{
		store:     st,
		pipCache:  pipCache,
		auditSink: auditSink,
		cacheTTL:  cacheTTL,
		bundles:   make(map[string]model.Bundle),
		cache:     make(map[cacheKey]cacheEntry),
	}
}

func bundleKey(tenantID, pepID string) string { return tenantID + "/" + pepID }

// LoadBundle installs b as the active bundle for its PEP and
// invalidates every cached decision tied to the previous version in
// bulk, per §4.8's cache-invalidation rule. Called by the PEP
// Coordinator whenever a bundle is rebuilt or (re-)fetched, so the
// engine's in-memory map never falls behind the store's bundle
// records.
func (e *Engine) LoadBundle(b model.Bundle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := bundleKey(b.TenantID, b.PepID)
	old, hadOld := e.bundles[key]
	e.bundles[key] = b
	if !hadOld || old.Version == b.Version {
		return
	}
	oldPrefix := old.Version + "|"
	for k := range e.cache {
		if len(string(k)) >= len(oldPrefix) && string(k)[:len(oldPrefix)] == oldPrefix {
			delete(e.cache, k)
		}
	}
}

// Decide answers req against the PEP's currently loaded bundle.
func (e *Engine) Decide(ctx context.Context, req Request) (Outcome, error) {
	if req.SubjectIsSysAdmin {
		out := Outcome{Effect: model.EffectPermit, MatchedPolicyIDs: []string{SystemAdminPolicyID}}
		e.recordAudit(req, out, nil)
		return out, nil
	}

	e.mu.RLock()
	b, ok := e.bundles[bundleKey(req.TenantID, req.PepID)]
	e.mu.RUnlock()
	if !ok {
		return Outcome{}, fmt.Errorf("decision: no bundle loaded for pep %s", req.PepID)
	}

	subjectHash := hashValue(req.Subject)
	contextHash := hashValue(req.Context)
	key := makeCacheKey(b.Version, subjectHash, req.ResourceID, req.Action, contextHash)

	e.mu.RLock()
	if entry, ok := e.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		e.mu.RUnlock()
		cached := entry.outcome
		cached.Cached = true
		e.recordAudit(req, cached, nil)
		return cached, nil
	}
	e.mu.RUnlock()

	attrs, err := e.resolveAttributes(ctx, b, req)
	if err != nil {
		if errors.Is(err, pip.ErrMissing) {
			outcome := e.failPolicyOutcome(req, b)
			e.recordAudit(req, outcome, err)
			return outcome, nil
		}
		return Outcome{}, err
	}

	outcome, err := e.evaluate(ctx, b, req, attrs)
	if err != nil {
		return Outcome{}, err
	}
	outcome.BundleVersion = b.Version

	e.mu.Lock()
	e.cache[key] = cacheEntry{outcome: outcome, expiresAt: time.Now().Add(e.cacheTTL)}
	e.mu.Unlock()

	e.recordAudit(req, outcome, nil)
	return outcome, nil
}

// resolveAttributes looks up every attribute the matched bundle's
// DataManifest names as required for evaluation (§4.5), resolving each
// entry's full PipConnection row from the store before handing it to
// the PIP cache. A lookup that returns pip.ErrMissing is propagated
// unwrapped so Decide can apply the PEP's fail_policy fallback instead
// of a hard failure (§4.7 contract).
func (e *Engine) resolveAttributes(ctx context.Context, b model.Bundle, req Request) (map[string]any, error) {
	if len(b.DataManifest) == 0 {
		return nil, nil
	}
	scope := tenant.Scope{TenantID: req.TenantID, Environment: req.Environment}
	attrs := make(map[string]any, len(b.DataManifest))
	for _, entry := range b.DataManifest {
		conn, err := e.store.GetPipConnection(ctx, scope, entry.ConnectionID)
		if err != nil {
			return nil, fmt.Errorf("decision: resolve pip connection %s: %w", entry.ConnectionID, err)
		}
		key := pip.Key{TenantID: req.TenantID, Environment: req.Environment, ConnectionID: entry.ConnectionID, Path: entry.Collection}
		value, err := e.pipCache.Lookup(ctx, key, conn, entry.TTL)
		if err != nil {
			if errors.Is(err, pip.ErrMissing) {
				return nil, err
			}
			return nil, fmt.Errorf("decision: required attribute %s unavailable: %w", entry.Collection, err)
		}
		attrs[entry.Collection] = value
	}
	return attrs, nil
}

// failPolicyOutcome builds the outcome a missing required attribute
// forces: deny under fail-closed, permit under fail-open (§7), with
// the attempted policy set carried over from the bundle so the audit
// trail shows what would have been evaluated.
func (e *Engine) failPolicyOutcome(req Request, b model.Bundle) Outcome {
	effect := model.EffectDeny
	if req.FailPolicy == model.FailOpen {
		effect = model.EffectPermit
	}
	return Outcome{
		Effect:           effect,
		MatchedPolicyIDs: b.SourcePolicyIDs,
		BundleVersion:    b.Version,
		Reason:           pipUnavailableReason,
	}
}

// evaluate submits the bundle's modules plus input to rego and
// combines every matching policy's effect: deny wins outright; absent
// a deny, any permit wins; absent both, fall back to the tenant's
// default security posture, resolved by the caller from the PEP's
// merged configuration (§4.8 step 4).
func (e *Engine) evaluate(ctx context.Context, b model.Bundle, req Request, attrs map[string]any) (Outcome, error) {
	input := map[string]any{
		"subject":  req.Subject,
		"resource": req.ResourceID,
		"action":   req.Action,
		"context":  req.Context,
		"attrs":    attrs,
	}

	var matched []string
	effect := model.Effect("")
	defaultPosture := req.DefaultSecurityPosture
	if defaultPosture == "" {
		defaultPosture = model.EffectDeny
	}

	for _, m := range b.Modules {
		r := rego.New(
			rego.Query("data.policy.effect"),
			rego.Module(m.Name+".rego", m.Source),
			rego.Input(input),
		)
		rs, err := r.Eval(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("decision: evaluate module %s: %w", m.PolicyID, err)
		}
		if len(rs) == 0 || len(rs[0].Expressions) == 0 {
			continue
		}
		val, ok := rs[0].Expressions[0].Value.(string)
		if !ok {
			continue
		}
		moduleEffect := model.Effect(val)
		switch moduleEffect {
		case model.EffectDeny, model.EffectPermit, model.EffectAdvice:
			matched = append(matched, m.PolicyID)
			if moduleEffect == model.EffectDeny {
				effect = model.EffectDeny
			} else if moduleEffect == model.EffectPermit && effect != model.EffectDeny {
				effect = model.EffectPermit
			}
		}
	}
	if effect == "" {
		effect = defaultPosture
	}
	return Outcome{Effect: effect, MatchedPolicyIDs: matched}, nil
}

func (e *Engine) recordAudit(req Request, out Outcome, cause error) {
	if e.auditSink == nil {
		return
	}
	payload := map[string]any{
		"pep_id":         req.PepID,
		"resource_id":    req.ResourceID,
		"action":         req.Action,
		"effect":         out.Effect,
		"policy_ids":     out.MatchedPolicyIDs,
		"cached":         out.Cached,
		"bundle_version": out.BundleVersion,
	}
	if out.Reason != "" {
		payload["reason"] = out.Reason
	}
	if cause != nil {
		payload["pip_error"] = cause.Error()
	}
	e.auditSink.Append(model.AuditEntry{
		EntryID:     uuid.NewString(),
		TenantID:    req.TenantID,
		Environment: req.Environment,
		Actor:       actorOf(req),
		Type:        model.AuditDecision,
		Payload:     payload,
	})
}

func actorOf(req Request) string {
	if id, ok := req.Subject["id"].(string); ok && id != "" {
		return id
	}
	return "unknown"
}

func hashValue(v map[string]any) string {
	h := sha256.New()
	for _, k := range sortedKeys(v) {
		_, _ = h.Write([]byte(k))
		_, _ = fmt.Fprintf(h, "=%v;", v[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
