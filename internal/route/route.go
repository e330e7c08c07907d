// Package route holds the static mapping from model names to upstream
// provider descriptors. The table is immutable after load.
package route

import "fmt"

type ProviderKind string

const (
	ProviderOpenAICompatible ProviderKind = "openai_compatible"
	ProviderAnthropic        ProviderKind = "anthropic"
)

// Route describes one upstream provider endpoint. CredentialRef is the
// name of the secret (an environment variable), never the secret itself.
type Route struct {
	Model           string
	Provider        ProviderKind
	Endpoint        string
	CredentialRef   string
	Models          []string // upstream model aliases
	CostPer1kInput  float64
	CostPer1kOutput float64
}

// Cost converts token usage into USD using the route's per-1k rates.
func (r *Route) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*r.CostPer1kInput +
		float64(completionTokens)/1000*r.CostPer1kOutput
}

// Match is the result of a table lookup. UpstreamModel is the model
// name sent to the provider: the first alias when the gateway-facing
// key was requested, or the matched alias itself.
type Match struct {
	Route         *Route
	UpstreamModel string
}

type Table struct {
	routes []*Route
}

func NewTable(routes []Route) (*Table, error) {
	t := &Table{routes: make([]*Route, 0, len(routes))}
	seen := make(map[string]struct{}, len(routes))
	for i := range routes {
		r := routes[i]
		if r.Model == "" {
			return nil, fmt.Errorf("route %d: model key is required", i)
		}
		if _, dup := seen[r.Model]; dup {
			return nil, fmt.Errorf("duplicate route for model %q", r.Model)
		}
		seen[r.Model] = struct{}{}
		switch r.Provider {
		case ProviderOpenAICompatible, ProviderAnthropic:
		default:
			return nil, fmt.Errorf("route %q: unknown provider %q", r.Model, r.Provider)
		}
		t.routes = append(t.routes, &r)
	}
	return t, nil
}

// Resolve looks up a model by exact key first, then falls back to the
// first route listing it as an alias.
func (t *Table) Resolve(model string) (Match, bool) {
	for _, r := range t.routes {
		if r.Model == model {
			upstream := model
			if len(r.Models) > 0 {
				upstream = r.Models[0]
			}
			return Match{Route: r, UpstreamModel: upstream}, true
		}
	}
	for _, r := range t.routes {
		for _, alias := range r.Models {
			if alias == model {
				return Match{Route: r, UpstreamModel: alias}, true
			}
		}
	}
	return Match{}, false
}

// Routes returns the table contents in load order.
func (t *Table) Routes() []*Route {
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}
