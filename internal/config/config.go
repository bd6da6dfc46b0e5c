// Package config provides configuration types for mcpmux.
package config

import (
	"time"

	"github.com/mcpmux/mcpmux/internal/domain/policy"
)

// ProxyConfig is the top-level configuration: server-wide settings, the
// shared auth gate, the rate limiter, and the list of upstreams to spawn.
// See spec.md §3 (ProxyConfig/ServerConfig) and SPEC_FULL.md §4.6 for the
// per-upstream policy extension.
type ProxyConfig struct {
	Server    ServerSettings   `yaml:"server" mapstructure:"server"`
	Auth      AuthConfig       `yaml:"auth" mapstructure:"auth"`
	RateLimit RateLimitConfig  `yaml:"rate_limit" mapstructure:"rate_limit"`
	Upstreams []UpstreamConfig `yaml:"upstreams" mapstructure:"upstreams" validate:"dive"`
}

// ServerSettings carries the fields spec.md §3 assigns to ProxyConfig
// outside of auth, rate limit, and the upstream list.
type ServerSettings struct {
	LogLevel            string        `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR"`
	StructuredLogging   bool          `yaml:"structured_logging" mapstructure:"structured_logging"`
	ResponseTimeout     time.Duration `yaml:"response_timeout" mapstructure:"response_timeout"`
	HealthcheckInterval time.Duration `yaml:"healthcheck_interval" mapstructure:"healthcheck_interval"`
	HealthcheckTimeout  time.Duration `yaml:"healthcheck_timeout" mapstructure:"healthcheck_timeout"`
	// NamespaceSeparator resolves spec.md §9's open question: the token
	// placed between server_id and the original tool/prompt name. Some
	// clients forbid ":" in identifiers, hence the __ alternative.
	NamespaceSeparator string `yaml:"namespace_separator" mapstructure:"namespace_separator" validate:"omitempty,oneof=:: __"`
}

// AuthConfig configures the single shared-token gate (spec.md §4.4). At most
// one of Token or TokenHash should be set; TokenHash lets a deployment avoid
// keeping a plaintext secret in its config file.
type AuthConfig struct {
	Token     string `yaml:"token" mapstructure:"token"`
	TokenHash string `yaml:"token_hash" mapstructure:"token_hash"`
}

// RateLimitConfig configures the per-key token bucket (spec.md §4.5).
// PerMinute <= 0 disables rate limiting entirely.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute" mapstructure:"per_minute"`
}

// UpstreamConfig is spec.md §3's ServerConfig: one configured child MCP
// server, plus the CEL policies that gate its tools (SPEC_FULL.md §4.6).
type UpstreamConfig struct {
	ID             string            `yaml:"id" mapstructure:"id" validate:"required"`
	Command        []string          `yaml:"command" mapstructure:"command" validate:"required,min=1"`
	Env            map[string]string `yaml:"env" mapstructure:"env"`
	StartupTimeout time.Duration     `yaml:"startup_timeout" mapstructure:"startup_timeout"`
	ShutdownGrace  time.Duration     `yaml:"shutdown_grace" mapstructure:"shutdown_grace"`
	StdioMode      string            `yaml:"stdio_mode" mapstructure:"stdio_mode" validate:"omitempty,oneof=auto header newline"`
	Policies       []PolicyConfig    `yaml:"policies" mapstructure:"policies" validate:"omitempty,dive"`
}

// PolicyConfig mirrors policy.Policy so it can carry yaml/mapstructure/
// validate tags; ToDomain converts it once at load time.
type PolicyConfig struct {
	Name  string             `yaml:"name" mapstructure:"name" validate:"required"`
	Rules []PolicyRuleConfig `yaml:"rules" mapstructure:"rules" validate:"omitempty,dive"`
}

// PolicyRuleConfig mirrors policy.Rule.
type PolicyRuleConfig struct {
	Name      string `yaml:"name" mapstructure:"name" validate:"required"`
	Condition string `yaml:"condition" mapstructure:"condition" validate:"required"`
	Action    string `yaml:"action" mapstructure:"action" validate:"required,oneof=allow deny"`
}

// ToDomain converts one upstream's configured policies into the
// policy.Policy shape the engine compiles.
func (u UpstreamConfig) ToDomain() []policy.Policy {
	if len(u.Policies) == 0 {
		return nil
	}
	out := make([]policy.Policy, 0, len(u.Policies))
	for _, p := range u.Policies {
		rules := make([]policy.Rule, 0, len(p.Rules))
		for _, r := range p.Rules {
			action := policy.ActionAllow
			if r.Action == "deny" {
				action = policy.ActionDeny
			}
			rules = append(rules, policy.Rule{Name: r.Name, Condition: r.Condition, Action: action})
		}
		out = append(out, policy.Policy{Name: p.Name, Rules: rules})
	}
	return out
}

// SetDefaults fills in the defaults spec.md §6 requires when a key is
// absent from the config file or environment.
func (c *ProxyConfig) SetDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "INFO"
	}
	if c.Server.ResponseTimeout == 0 {
		c.Server.ResponseTimeout = 30 * time.Second
	}
	if c.Server.NamespaceSeparator == "" {
		c.Server.NamespaceSeparator = "::"
	}
	// HealthcheckInterval default of 0 means "disabled" per spec.md §6; no
	// substitution needed.
	if c.Server.HealthcheckTimeout == 0 && c.Server.HealthcheckInterval > 0 {
		c.Server.HealthcheckTimeout = c.Server.ResponseTimeout
	}

	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		if u.StartupTimeout == 0 {
			u.StartupTimeout = 20 * time.Second
		}
		if u.ShutdownGrace == 0 {
			u.ShutdownGrace = 3 * time.Second
		}
		if u.StdioMode == "" {
			u.StdioMode = "auto"
		}
	}
}
