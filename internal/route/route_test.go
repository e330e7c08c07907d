package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRoutes() []Route {
	return []Route{
		{
			Model:           "chat-default",
			Provider:        ProviderOpenAICompatible,
			Endpoint:        "https://api.openai.com/v1",
			CredentialRef:   "OPENAI_API_KEY",
			Models:          []string{"gpt-4o-mini", "gpt-4o"},
			CostPer1kInput:  0.00015,
			CostPer1kOutput: 0.0006,
		},
		{
			Model:           "chat-claude",
			Provider:        ProviderAnthropic,
			Endpoint:        "https://api.anthropic.com/v1",
			Models:          []string{"claude-3-5-haiku-20241022"},
			CostPer1kInput:  0.001,
			CostPer1kOutput: 0.005,
		},
	}
}

func TestResolveExactKey(t *testing.T) {
	table, err := NewTable(testRoutes())
	require.NoError(t, err)

	m, ok := table.Resolve("chat-default")
	require.True(t, ok)
	assert.Equal(t, "chat-default", m.Route.Model)
	assert.Equal(t, "gpt-4o-mini", m.UpstreamModel, "exact key resolves to first alias")
}

func TestResolveAliasFallback(t *testing.T) {
	table, err := NewTable(testRoutes())
	require.NoError(t, err)

	m, ok := table.Resolve("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, "chat-default", m.Route.Model)
	assert.Equal(t, "gpt-4o", m.UpstreamModel, "alias match keeps the requested name")
}

func TestResolveUnknown(t *testing.T) {
	table, err := NewTable(testRoutes())
	require.NoError(t, err)

	_, ok := table.Resolve("invalid-model-name")
	assert.False(t, ok)
}

func TestResolveExactWinsOverAlias(t *testing.T) {
	routes := testRoutes()
	// Second route's key shadows an alias of the first.
	routes = append(routes, Route{
		Model:    "gpt-4o",
		Provider: ProviderOpenAICompatible,
		Endpoint: "http://localhost:8000/v1",
	})
	table, err := NewTable(routes)
	require.NoError(t, err)

	m, ok := table.Resolve("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:8000/v1", m.Route.Endpoint)
	assert.Equal(t, "gpt-4o", m.UpstreamModel)
}

func TestCost(t *testing.T) {
	r := Route{CostPer1kInput: 0.5, CostPer1kOutput: 1.5}
	assert.InDelta(t, 0.5*2+1.5*1, r.Cost(2000, 1000), 1e-9)
	assert.Zero(t, r.Cost(0, 0))
}

func TestNewTableRejectsBadConfig(t *testing.T) {
	_, err := NewTable([]Route{{Model: "a", Provider: "bedrock"}})
	assert.Error(t, err)

	_, err = NewTable([]Route{
		{Model: "a", Provider: ProviderOpenAICompatible},
		{Model: "a", Provider: ProviderOpenAICompatible},
	})
	assert.Error(t, err)

	_, err = NewTable([]Route{{Provider: ProviderOpenAICompatible}})
	assert.Error(t, err)
}
