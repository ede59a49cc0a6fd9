package store

import (
	"context"
	"database/sql"

	"github.com/controlcoreio/control-core/internal/model"
)

func (s *Store) UpsertGlobalConfig(ctx context.Context, tenantID string, c model.GlobalPepConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO global_pep_config (
			tenant_id, policy_poll_interval_seconds, decision_log_batch_size, fail_policy,
			default_security_posture, tls_min_version, sidecar_port, sidecar_traffic_mode,
			sidecar_cpu_limit, sidecar_memory_limit, default_proxy_domain, default_proxy_timeout_seconds, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			policy_poll_interval_seconds=excluded.policy_poll_interval_seconds,
			decision_log_batch_size=excluded.decision_log_batch_size,
			fail_policy=excluded.fail_policy,
			default_security_posture=excluded.default_security_posture,
			tls_min_version=excluded.tls_min_version,
			sidecar_port=excluded.sidecar_port,
			sidecar_traffic_mode=excluded.sidecar_traffic_mode,
			sidecar_cpu_limit=excluded.sidecar_cpu_limit,
			sidecar_memory_limit=excluded.sidecar_memory_limit,
			default_proxy_domain=excluded.default_proxy_domain,
			default_proxy_timeout_seconds=excluded.default_proxy_timeout_seconds,
			updated_at=excluded.updated_at
	`, tenantID, c.PolicyPollIntervalSeconds, c.DecisionLogBatchSize, c.FailPolicy, c.DefaultSecurityPosture,
		c.TLSMinVersion, c.SidecarPort, c.SidecarTrafficMode, c.SidecarCPULimit, c.SidecarMemoryLimit,
		c.DefaultProxyDomain, c.DefaultProxyTimeoutSeconds, nowRFC3339())
	return err
}

func DefaultGlobalConfig(tenantID string) model.GlobalPepConfig {
	return model.GlobalPepConfig{
		TenantID:                   tenantID,
		PolicyPollIntervalSeconds:  30,
		DecisionLogBatchSize:       100,
		FailPolicy:                 model.FailClosed,
		DefaultSecurityPosture:     model.EffectDeny,
		TLSMinVersion:              "1.2",
		SidecarPort:                15001,
		SidecarTrafficMode:         "transparent",
		SidecarCPULimit:            "500m",
		SidecarMemoryLimit:         "256Mi",
		DefaultProxyDomain:         "",
		DefaultProxyTimeoutSeconds: 30,
	}
}

func (s *Store) GetGlobalConfig(ctx context.Context, tenantID string) (model.GlobalPepConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, policy_poll_interval_seconds, decision_log_batch_size, fail_policy,
			default_security_posture, tls_min_version, sidecar_port, sidecar_traffic_mode,
			sidecar_cpu_limit, sidecar_memory_limit, default_proxy_domain, default_proxy_timeout_seconds, updated_at
		FROM global_pep_config WHERE tenant_id=?
	`, tenantID)
	var c model.GlobalPepConfig
	err := row.Scan(&c.TenantID, &c.PolicyPollIntervalSeconds, &c.DecisionLogBatchSize, &c.FailPolicy,
		&c.DefaultSecurityPosture, &c.TLSMinVersion, &c.SidecarPort, &c.SidecarTrafficMode,
		&c.SidecarCPULimit, &c.SidecarMemoryLimit, &c.DefaultProxyDomain, &c.DefaultProxyTimeoutSeconds, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return DefaultGlobalConfig(tenantID), nil
	}
	return c, err
}

func (s *Store) UpsertIndividualConfig(ctx context.Context, tenantID string, c model.IndividualPepConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO individual_pep_config (
			pep_id, tenant_id, policy_poll_interval_seconds, decision_log_batch_size, fail_policy,
			default_security_posture, upstream_url, proxy_timeout_seconds, public_url,
			sidecar_port, sidecar_traffic_mode, sidecar_cpu_limit, sidecar_memory_limit, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, pep_id) DO UPDATE SET
			policy_poll_interval_seconds=excluded.policy_poll_interval_seconds,
			decision_log_batch_size=excluded.decision_log_batch_size,
			fail_policy=excluded.fail_policy,
			default_security_posture=excluded.default_security_posture,
			upstream_url=excluded.upstream_url,
			proxy_timeout_seconds=excluded.proxy_timeout_seconds,
			public_url=excluded.public_url,
			sidecar_port=excluded.sidecar_port,
			sidecar_traffic_mode=excluded.sidecar_traffic_mode,
			sidecar_cpu_limit=excluded.sidecar_cpu_limit,
			sidecar_memory_limit=excluded.sidecar_memory_limit,
			updated_at=excluded.updated_at
	`, c.PepID, tenantID, c.PolicyPollIntervalSeconds, c.DecisionLogBatchSize, c.FailPolicy,
		c.DefaultSecurityPosture, c.UpstreamURL, c.ProxyTimeoutSeconds, c.PublicURL,
		c.SidecarPort, c.SidecarTrafficMode, c.SidecarCPULimit, c.SidecarMemoryLimit, nowRFC3339())
	return err
}

func (s *Store) GetIndividualConfig(ctx context.Context, tenantID, pepID string) (model.IndividualPepConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pep_id, tenant_id, policy_poll_interval_seconds, decision_log_batch_size, fail_policy,
			default_security_posture, upstream_url, proxy_timeout_seconds, public_url,
			sidecar_port, sidecar_traffic_mode, sidecar_cpu_limit, sidecar_memory_limit, updated_at
		FROM individual_pep_config WHERE tenant_id=? AND pep_id=?
	`, tenantID, pepID)
	var c model.IndividualPepConfig
	err := row.Scan(&c.PepID, &c.TenantID, &c.PolicyPollIntervalSeconds, &c.DecisionLogBatchSize, &c.FailPolicy,
		&c.DefaultSecurityPosture, &c.UpstreamURL, &c.ProxyTimeoutSeconds, &c.PublicURL,
		&c.SidecarPort, &c.SidecarTrafficMode, &c.SidecarCPULimit, &c.SidecarMemoryLimit, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return model.IndividualPepConfig{PepID: pepID, TenantID: tenantID}, nil
	}
	return c, err
}
