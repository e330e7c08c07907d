package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/llm-gateway/internal/route"
)

const sampleYAML = `
routes:
  - model: chat-default
    provider: openai_compatible
    endpoint: https://api.openai.com/v1
    credential_ref: OPENAI_API_KEY
    models: [gpt-4o-mini, gpt-4o]
    cost_per_1k_input: 0.5
    cost_per_1k_output: 1.5
  - model: chat-claude
    provider: anthropic
    endpoint: https://api.anthropic.com/v1
    credential_ref: ANTHROPIC_API_KEY
    models: [claude-sonnet-4]
    cost_per_1k_input: 3.0
    cost_per_1k_output: 15.0

tenants:
  acme:
    allow_models: [chat-default]
    max_request_usd: 5
    max_output_tokens: 2000
    budget_usd: 100
    api_keys: ["sha256:deadbeef"]
  trial:
    budget_usd: 1

default_tenant: trial
`

func TestParseGateway(t *testing.T) {
	routes, policies, err := ParseGateway([]byte(sampleYAML))
	require.NoError(t, err)

	all := routes.Routes()
	require.Len(t, all, 2)
	assert.Equal(t, route.ProviderAnthropic, all[1].Provider)

	m, ok := routes.Resolve("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, "chat-default", m.Route.Model)
	assert.Equal(t, "gpt-4o", m.UpstreamModel)

	pol, aerr := policies.Resolve("acme")
	require.Nil(t, aerr)
	assert.Equal(t, 2000, pol.MaxOutputTokens)
	assert.Equal(t, []string{"sha256:deadbeef"}, pol.APIKeys)

	// Unknown tenants fall back to the default.
	fallback, aerr := policies.Resolve("whoever")
	require.Nil(t, aerr)
	assert.Equal(t, "trial", fallback.TenantID)
}

func TestParseGateway_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "{{"},
		{"no routes", "tenants: {}"},
		{"unknown provider", `
routes:
  - model: x
    provider: carrier-pigeon
`},
		{"duplicate model", `
routes:
  - model: x
    provider: anthropic
  - model: x
    provider: anthropic
`},
		{"default tenant without policy", `
routes:
  - model: x
    provider: anthropic
default_tenant: ghost
`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseGateway([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.AuditDriver)
	assert.Equal(t, "stdout", cfg.OTELExporterType)
	assert.Equal(t, int64(100000), cfg.DefaultRateLimitTPM)
	assert.Equal(t, 60, cfg.UpstreamTimeoutSec)
}

func TestLoad_Validation(t *testing.T) {
	t.Setenv("AUDIT_DRIVER", "oracle")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("AUDIT_DRIVER", "postgres")
	t.Setenv("POSTGRES_DSN", "")
	_, err = Load()
	assert.Error(t, err)
}
