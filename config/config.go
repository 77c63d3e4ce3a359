package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig controls the Prometheus metrics endpoint.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// StatusConfig controls the JSON status endpoint of the gateway.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// RuleConfig customises how bearer capability reports are classified.
//
// Both fields hold expressions evaluated against the capability snapshot of a
// reported bearer. Empty strings select the built-in defaults.
type RuleConfig struct {
	Suitable  string `yaml:"suitable,omitempty"`
	Preferred string `yaml:"preferred,omitempty"`
}

// OwnerConfig describes one subscriber identity the gateway leases bearers for.
type OwnerConfig struct {
	ID           string     `yaml:"id"`
	Slot         string     `yaml:"slot"`
	Capability   string     `yaml:"capability,omitempty"`
	ReleaseDelay *Duration  `yaml:"release_delay,omitempty"`
	CostPerMiB   string     `yaml:"cost_per_mib,omitempty"`
	Rules        RuleConfig `yaml:"rules,omitempty"`
}

// ProviderConfig tunes the built-in local bearer provider.
type ProviderConfig struct {
	GrantDelay Duration `yaml:"grant_delay,omitempty"`
	Deny       bool     `yaml:"deny,omitempty"`
	Name       string   `yaml:"name,omitempty"`
	Transports []string `yaml:"transports,omitempty"`
	Metered    bool     `yaml:"metered,omitempty"`
}

// Config is the root configuration structure for the gateway.
type Config struct {
	RequestTimeout      Duration        `yaml:"request_timeout,omitempty"`
	ReleaseDelay        Duration        `yaml:"release_delay,omitempty"`
	AlternatePreference *bool           `yaml:"alternate_preference,omitempty"`
	Logging             LoggingConfig   `yaml:"logging"`
	Telemetry           TelemetryConfig `yaml:"telemetry"`
	Status              StatusConfig    `yaml:"status"`
	Provider            ProviderConfig  `yaml:"provider"`
	Owners              []OwnerConfig   `yaml:"owners"`
	Profiles            []string        `yaml:"profiles,omitempty"`
	HotReload           bool            `yaml:"hot_reload,omitempty"`

	baseDir string
}

// Load reads and decodes the configuration file from disk, then applies any
// referenced carrier profile overlays.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.baseDir = filepath.Dir(path)
	if err := cfg.applyProfiles(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural invariants that cannot be expressed in YAML tags.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	seen := make(map[string]struct{}, len(c.Owners))
	for _, owner := range c.Owners {
		if owner.ID == "" {
			return fmt.Errorf("owner entry missing id")
		}
		if owner.Slot == "" {
			return fmt.Errorf("owner %s: missing slot", owner.ID)
		}
		if _, dup := seen[owner.ID]; dup {
			return fmt.Errorf("owner %s: duplicate id", owner.ID)
		}
		seen[owner.ID] = struct{}{}
	}
	return nil
}

// RequestTimeoutOrDefault returns the provider request timeout. The default is
// deliberately generous because the provider layer retries on transient
// failures before reporting unavailability.
func (c *Config) RequestTimeoutOrDefault() time.Duration {
	if c == nil || c.RequestTimeout.Duration <= 0 {
		return 30 * time.Minute
	}
	return c.RequestTimeout.Duration
}

// ReleaseDelayFor returns the delayed-release timeout for the given owner,
// falling back to the global default.
func (c *Config) ReleaseDelayFor(ownerID string) time.Duration {
	if c == nil {
		return 5 * time.Second
	}
	for _, owner := range c.Owners {
		if owner.ID == ownerID && owner.ReleaseDelay != nil {
			return owner.ReleaseDelay.Duration
		}
	}
	if c.ReleaseDelay.Duration > 0 {
		return c.ReleaseDelay.Duration
	}
	return 5 * time.Second
}

// AlternatePreferenceEnabled reports whether a newly available bearer of the
// preferred class may replace a held one. Enabled unless configured off.
func (c *Config) AlternatePreferenceEnabled() bool {
	if c == nil || c.AlternatePreference == nil {
		return true
	}
	return *c.AlternatePreference
}

// Owner returns the configuration entry for the given owner id.
func (c *Config) Owner(ownerID string) (OwnerConfig, bool) {
	if c == nil {
		return OwnerConfig{}, false
	}
	for _, owner := range c.Owners {
		if owner.ID == ownerID {
			return owner, true
		}
	}
	return OwnerConfig{}, false
}

// SourceFiles lists every file the configuration was assembled from. The
// reload watcher tracks these for hot reload.
func (c *Config) SourceFiles() []string {
	if c == nil {
		return nil
	}
	files := make([]string, 0, len(c.Profiles))
	for _, profile := range c.Profiles {
		files = append(files, c.profilePath(profile))
	}
	return files
}

func (c *Config) profilePath(path string) string {
	if filepath.IsAbs(path) || c.baseDir == "" {
		return path
	}
	return filepath.Join(c.baseDir, path)
}
