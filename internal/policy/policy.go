// Package policy holds per-tenant admission configuration. Policies are
// loaded once and read-only at request time.
package policy

import (
	"sort"

	"github.com/relaygate/llm-gateway/internal/apierr"
)

// TenantPolicy is the admission configuration for one tenant. A zero
// value for any limit disables that limit.
type TenantPolicy struct {
	TenantID        string
	AllowModels     []string // empty = all models allowed
	MaxRequestUsd   float64
	MaxOutputTokens int
	BudgetUsd       float64
	APIKeys         []string // sha256 hex digests of accepted API keys
}

// Allows reports whether the tenant may use the given gateway model.
func (p *TenantPolicy) Allows(model string) bool {
	if len(p.AllowModels) == 0 {
		return true
	}
	for _, m := range p.AllowModels {
		if m == model {
			return true
		}
	}
	return false
}

// defaultMaxTokens caps the pre-flight estimate when neither the
// request nor the policy bounds output length.
const defaultMaxTokens = 1024

// EffectiveMaxTokens clamps the requested max_tokens to the policy
// ceiling. Exceeding the ceiling clamps rather than rejects.
func (p *TenantPolicy) EffectiveMaxTokens(requested int) int {
	if requested <= 0 {
		if p.MaxOutputTokens > 0 {
			return p.MaxOutputTokens
		}
		return defaultMaxTokens
	}
	if p.MaxOutputTokens > 0 && requested > p.MaxOutputTokens {
		return p.MaxOutputTokens
	}
	return requested
}

type Store struct {
	policies      map[string]*TenantPolicy
	defaultTenant string
}

func NewStore(policies []TenantPolicy, defaultTenant string) (*Store, error) {
	s := &Store{
		policies:      make(map[string]*TenantPolicy, len(policies)),
		defaultTenant: defaultTenant,
	}
	for i := range policies {
		p := policies[i]
		if p.TenantID == "" {
			return nil, apierr.Validation("invalid_policy", "tenant policy without tenant id")
		}
		s.policies[p.TenantID] = &p
	}
	if defaultTenant != "" {
		if _, ok := s.policies[defaultTenant]; !ok {
			return nil, apierr.Validation("invalid_policy", "default tenant has no policy: "+defaultTenant)
		}
	}
	return s, nil
}

// Resolve maps a request tenant to its policy. Unknown or empty tenants
// fall back to the configured default tenant when one exists.
func (s *Store) Resolve(tenantID string) (*TenantPolicy, *apierr.Error) {
	if tenantID != "" {
		if p, ok := s.policies[tenantID]; ok {
			return p, nil
		}
	}
	if s.defaultTenant != "" {
		return s.policies[s.defaultTenant], nil
	}
	return nil, apierr.Validation("unknown_tenant", "tenant is not configured: "+tenantID)
}

func (s *Store) DefaultTenant() string {
	return s.defaultTenant
}

// Policies returns all tenant policies sorted by tenant id.
func (s *Store) Policies() []*TenantPolicy {
	out := make([]*TenantPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}
