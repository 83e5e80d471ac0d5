// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/llmgate/keygateway/internal/taxonomy"
)

// Config is the top-level shape of providers.yaml.
type Config struct {
	Gateway   GatewayConfig             `yaml:"gateway"`
	Worker    WorkerConfig              `yaml:"worker"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// GatewayConfig controls the Dispatch Engine's HTTP surface.
type GatewayConfig struct {
	Listen         string               `yaml:"listen"`
	AuthToken      string               `yaml:"auth_token"`
	StreamingMode  string               `yaml:"streaming_mode"` // auto, disabled
	DebugMode      string               `yaml:"debug_mode"`     // disabled, headers_only, full_body
	RetryPolicy    RetryPolicyConfig    `yaml:"retry_policy"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Database       DatabaseConfig       `yaml:"database"`
}

// RetryPolicyConfig bounds the Dispatch Engine's key-selection loop (§4.4).
type RetryPolicyConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`
}

// CircuitBreakerConfig is parsed but deliberately never consulted by the
// dispatch or probe engines — see the Open Question in the design notes.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold float64       `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	HalfOpenAfter    time.Duration `yaml:"half_open_after"`
}

// MetricsConfig controls the /metrics exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DatabaseConfig configures the Repository's Postgres connection. Fields are
// normally supplied via ${VAR} placeholders resolved from DB_HOST, DB_PORT,
// DB_USER, DB_PASSWORD, DB_NAME.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// WorkerConfig controls the Probe Engine (Keeper).
type WorkerConfig struct {
	IntervalSec          int                `yaml:"interval_sec"`
	Concurrency          int                `yaml:"concurrency"`
	VerificationAttempts int                `yaml:"verification_attempts"`
	VerificationDelaySec int                `yaml:"verification_delay_sec"`
	HealthPolicy         HealthPolicyConfig `yaml:"health_policy"`
}

// HealthPolicyConfig is the penalty-duration table consulted on both fast-fail
// (FATAL reasons) and post-verification-loop (RETRYABLE reasons) paths.
type HealthPolicyConfig struct {
	OnInvalidKeyDays float64 `yaml:"on_invalid_key_days"`
	OnNoAccessDays   float64 `yaml:"on_no_access_days"`
	OnNoQuotaHr      float64 `yaml:"on_no_quota_hr"`
	OnRateLimitHr    float64 `yaml:"on_rate_limit_hr"`
	OnServerErrorMin float64 `yaml:"on_server_error_min"`
	OnOverloadMin    float64 `yaml:"on_overload_min"`
	OnOtherErrorHr   float64 `yaml:"on_other_error_hr"`
}

// ProviderConfig is one entry of the providers map.
type ProviderConfig struct {
	Kind             string                `yaml:"kind"` // openai_like, gemini
	BaseURL          string                `yaml:"base_url"`
	Models           []string              `yaml:"models"`
	SharedKeyStatus  bool                  `yaml:"shared_key_status"`
	OutboundProxyURL string                `yaml:"outbound_proxy_url,omitempty"`
	GatewayPolicy    ProviderGatewayPolicy `yaml:"gateway_policy"`
	WorkerHealthPolicy *HealthPolicyConfig `yaml:"worker_health_policy,omitempty"`
}

// ProviderGatewayPolicy overrides the gateway-wide streaming/debug mode and
// carries the provider's error-classification ruleset.
type ProviderGatewayPolicy struct {
	StreamingMode string             `yaml:"streaming_mode,omitempty"`
	DebugMode     string             `yaml:"debug_mode,omitempty"`
	ErrorParsing  ErrorParsingConfig `yaml:"error_parsing"`
}

// ErrorParsingConfig is the config-sourced form of the C2 ruleset.
type ErrorParsingConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Rules   []taxonomy.RuleSpec   `yaml:"rules"`
}

// AllModelsSentinel is the resolved-model marker used for shared-key
// providers, matching every request into a single account-wide pool.
const AllModelsSentinel = "__ALL_MODELS__"

// DefaultHealthPolicy mirrors the durations named in §4.5.
func DefaultHealthPolicy() HealthPolicyConfig {
	return HealthPolicyConfig{
		OnInvalidKeyDays: 10,
		OnNoAccessDays:   10,
		OnNoQuotaHr:      4,
		OnRateLimitHr:    1,
		OnServerErrorMin: 30,
		OnOverloadMin:    60,
		OnOtherErrorHr:   1,
	}
}

// DefaultConfig returns a configuration with the defaults named in the spec.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Listen:        ":8080",
			StreamingMode: "auto",
			DebugMode:     "disabled",
			RetryPolicy: RetryPolicyConfig{
				MaxAttempts:       3,
				ConnectTimeout:    5 * time.Second,
				RequestTimeout:    60 * time.Second,
				StreamIdleTimeout: 60 * time.Second,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
			Database: DatabaseConfig{
				Port:            5432,
				SSLMode:         "disable",
				MaxOpenConns:    20,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
			},
		},
		Worker: WorkerConfig{
			IntervalSec:          30,
			Concurrency:          8,
			VerificationAttempts: 3,
			VerificationDelaySec: 65,
			HealthPolicy:         DefaultHealthPolicy(),
		},
		Providers: map[string]ProviderConfig{},
	}
}

// LoadFromFile reads and parses a YAML configuration file. ${VAR_NAME}
// placeholders are expanded from the process environment before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.Expand(string(data), envLookup)

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envLookup backs ${VAR} expansion with a plain process-environment lookup.
// DB_* variables are not read unless providers.yaml references them through
// ${VAR} placeholders; an unset variable expands to "".
func envLookup(key string) string {
	return os.Getenv(key)
}

// ValidationErrors accumulates every configuration problem found so callers
// receive one report instead of failing on the first mistake.
type ValidationErrors struct {
	Problems []string
}

func (v *ValidationErrors) add(format string, args ...any) {
	v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
}

func (v *ValidationErrors) Error() string {
	return fmt.Sprintf("%d configuration error(s):\n  - %s", len(v.Problems), strings.Join(v.Problems, "\n  - "))
}

func (v *ValidationErrors) errOrNil() error {
	if len(v.Problems) == 0 {
		return nil
	}
	return v
}

// Validate checks the configuration for errors, accumulating every problem
// found rather than stopping at the first.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Gateway.Listen == "" {
		errs.add("gateway.listen is required")
	}
	if c.Gateway.RetryPolicy.MaxAttempts <= 0 {
		errs.add("gateway.retry_policy.max_attempts must be positive")
	}
	if len(c.Providers) == 0 {
		errs.add("at least one provider must be configured")
	}

	for name, p := range c.Providers {
		if p.Kind != "openai_like" && p.Kind != "gemini" {
			errs.add("provider %q: kind must be openai_like or gemini, got %q", name, p.Kind)
		}
		if p.BaseURL == "" {
			errs.add("provider %q: base_url is required", name)
		}
		if len(p.Models) == 0 {
			errs.add("provider %q: at least one model must be configured", name)
		}
		if p.GatewayPolicy.ErrorParsing.Enabled {
			if _, err := taxonomy.CompileRules(p.GatewayPolicy.ErrorParsing.Rules); err != nil {
				errs.add("provider %q: %v", name, err)
			}
		}
	}

	if c.Worker.VerificationAttempts < 0 {
		errs.add("worker.verification_attempts cannot be negative")
	}
	if c.Worker.Concurrency <= 0 {
		errs.add("worker.concurrency must be positive")
	}

	return errs.errOrNil()
}

// ResolvedModel returns the pool key a request for (provider, model) resolves
// to: the literal model, or the virtual-all-models sentinel when the
// provider's key validity is account-wide.
func (p ProviderConfig) ResolvedModel(model string) string {
	if p.SharedKeyStatus {
		return AllModelsSentinel
	}
	return model
}

// HealthPolicy returns the provider's health policy override, falling back
// to the worker-wide default.
func (p ProviderConfig) HealthPolicy(fallback HealthPolicyConfig) HealthPolicyConfig {
	if p.WorkerHealthPolicy != nil {
		return *p.WorkerHealthPolicy
	}
	return fallback
}

// BuildClassifiers compiles every provider's error-parsing ruleset once,
// returning a classifier keyed by provider name. A compile failure here is
// a configuration error; Validate already surfaces it earlier, but callers
// that skip Validate still get a hard error rather than silent misbehavior.
func (c *Config) BuildClassifiers() (map[string]*taxonomy.Classifier, error) {
	out := make(map[string]*taxonomy.Classifier, len(c.Providers))
	for name, p := range c.Providers {
		rules, err := taxonomy.CompileRules(p.GatewayPolicy.ErrorParsing.Rules)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		out[name] = taxonomy.NewClassifier(rules, p.GatewayPolicy.ErrorParsing.Enabled)
	}
	return out, nil
}

// EffectiveStreamingMode returns the provider's streaming mode, falling back
// to the gateway-wide default when unset.
func (p ProviderConfig) EffectiveStreamingMode(gatewayDefault string) string {
	if p.GatewayPolicy.StreamingMode != "" {
		return p.GatewayPolicy.StreamingMode
	}
	return gatewayDefault
}

// EffectiveDebugMode returns the provider's debug mode, falling back to the
// gateway-wide default when unset.
func (p ProviderConfig) EffectiveDebugMode(gatewayDefault string) string {
	if p.GatewayPolicy.DebugMode != "" {
		return p.GatewayPolicy.DebugMode
	}
	return gatewayDefault
}

// DurationFor returns the penalty duration §4.5 assigns to reason, following
// the original's _calculate_next_check_time: explicit mappings for
// INVALID_KEY/NO_ACCESS, NO_QUOTA, RATE_LIMITED, OVERLOADED, and
// SERVER_ERROR/NETWORK_ERROR/TIMEOUT; everything else — including
// SERVICE_UNAVAILABLE, which the original never names in a branch of its
// own — falls into the same generic "other error" bucket as BAD_REQUEST and
// UNKNOWN.
func (h HealthPolicyConfig) DurationFor(reason taxonomy.ErrorReason) time.Duration {
	switch reason {
	case taxonomy.InvalidKey:
		return time.Duration(h.OnInvalidKeyDays * float64(24*time.Hour))
	case taxonomy.NoAccess:
		return time.Duration(h.OnNoAccessDays * float64(24*time.Hour))
	case taxonomy.NoQuota:
		return time.Duration(h.OnNoQuotaHr * float64(time.Hour))
	case taxonomy.RateLimited:
		return time.Duration(h.OnRateLimitHr * float64(time.Hour))
	case taxonomy.ServerError, taxonomy.Timeout, taxonomy.NetworkError:
		return time.Duration(h.OnServerErrorMin * float64(time.Minute))
	case taxonomy.Overloaded:
		return time.Duration(h.OnOverloadMin * float64(time.Minute))
	default: // BAD_REQUEST, SERVICE_UNAVAILABLE, UNKNOWN: soft-bad per the canonical Open Question decision
		return time.Duration(h.OnOtherErrorHr * float64(time.Hour))
	}
}
