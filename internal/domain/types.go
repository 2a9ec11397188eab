package domain

import (
	"strings"
	"time"
)

// ProviderType identifies the upstream API dialect a provider speaks.
type ProviderType string

const (
	ProviderClaude           ProviderType = "claude"
	ProviderClaudeAuth       ProviderType = "claude-auth"
	ProviderCodex            ProviderType = "codex"
	ProviderGeminiCLI        ProviderType = "gemini-cli"
	ProviderGemini           ProviderType = "gemini"
	ProviderOpenAICompatible ProviderType = "openai-compatible"
)

// IsClaude reports whether the type speaks the Claude dialect and may
// implicitly serve claude-prefixed model names.
func (t ProviderType) IsClaude() bool {
	return t == ProviderClaude || t == ProviderClaudeAuth
}

func (t ProviderType) Valid() bool {
	switch t {
	case ProviderClaude, ProviderClaudeAuth, ProviderCodex,
		ProviderGeminiCLI, ProviderGemini, ProviderOpenAICompatible:
		return true
	}
	return false
}

// IsClaudeModel reports whether a requested model name belongs to the
// Claude family. Matching is on the name prefix, case-insensitive.
func IsClaudeModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "claude")
}

// Provider is one routable upstream endpoint. Records are loaded as
// read-mostly snapshots; the resolver never mutates them.
type Provider struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	ProviderType ProviderType `json:"provider_type" yaml:"provider_type"`
	Enabled      bool         `json:"enabled" yaml:"enabled"`

	// Priority orders tiers: lower is preferred, 0 is highest. Weight is
	// relative within a tier. CostMultiplier only breaks ties, cheaper first.
	Priority       int     `json:"priority" yaml:"priority"`
	Weight         int     `json:"weight" yaml:"weight"`
	CostMultiplier float64 `json:"cost_multiplier" yaml:"cost_multiplier"`

	// GroupTags is the set of caller groups this provider serves.
	// Empty means available to all groups.
	GroupTags []string `json:"group_tags,omitempty" yaml:"group_tags,omitempty"`

	// AllowedModels lists explicitly served model names. Empty means all
	// models of the compatible family. ModelRedirects maps an inbound model
	// name to the upstream name actually sent; a key counts as an explicit
	// declaration.
	AllowedModels  []string          `json:"allowed_models,omitempty" yaml:"allowed_models,omitempty"`
	ModelRedirects map[string]string `json:"model_redirects,omitempty" yaml:"model_redirects,omitempty"`

	// Deprecated: legacy pool-join policy. Matching is by explicit
	// declaration; the field is retained because the management layer
	// still writes it.
	JoinClaudePool bool `json:"join_claude_pool,omitempty" yaml:"join_claude_pool,omitempty"`

	// Spend and concurrency ceilings. Zero means unconstrained.
	Limit5hUSD              float64 `json:"limit_5h_usd,omitempty" yaml:"limit_5h_usd,omitempty"`
	LimitWeeklyUSD          float64 `json:"limit_weekly_usd,omitempty" yaml:"limit_weekly_usd,omitempty"`
	LimitMonthlyUSD         float64 `json:"limit_monthly_usd,omitempty" yaml:"limit_monthly_usd,omitempty"`
	LimitConcurrentSessions int     `json:"limit_concurrent_sessions,omitempty" yaml:"limit_concurrent_sessions,omitempty"`

	// Circuit tuning. Zero values fall back to the breaker defaults.
	FailureThreshold         int   `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	OpenDurationMs           int64 `json:"open_duration_ms,omitempty" yaml:"open_duration_ms,omitempty"`
	HalfOpenSuccessThreshold int   `json:"half_open_success_threshold,omitempty" yaml:"half_open_success_threshold,omitempty"`

	// Upstream connection details for the forwarding layer. APIKey is
	// stored encrypted and decrypted on snapshot load.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// GroupsIntersect reports whether the provider serves at least one of the
// caller's groups. A provider with no group tags serves every group.
func (p *Provider) GroupsIntersect(groups []string) bool {
	if len(p.GroupTags) == 0 {
		return true
	}
	for _, g := range groups {
		for _, tag := range p.GroupTags {
			if g == tag {
				return true
			}
		}
	}
	return false
}

// RedirectFor returns the upstream model name for an inbound model name.
func (p *Provider) RedirectFor(model string) string {
	if target, ok := p.ModelRedirects[model]; ok && target != "" {
		return target
	}
	return model
}

// DeclaresModel reports whether the model is explicitly declared, either in
// the allow list or as a redirect key.
func (p *Provider) DeclaresModel(model string) bool {
	for _, m := range p.AllowedModels {
		if m == model {
			return true
		}
	}
	_, ok := p.ModelRedirects[model]
	return ok
}

// Redacted returns a copy safe to embed in audit output.
func (p *Provider) Redacted() *Provider {
	cp := *p
	if cp.APIKey != "" {
		cp.APIKey = "[redacted]"
	}
	return &cp
}
