// Package config provides configuration file support for orgflow.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/fsutil"
	"github.com/orgflow/orgflow/pkg/template"
)

// FileName is the config file name inside the state directory.
const FileName = "config.yaml"

// EnvPrefix prefixes environment overrides, e.g. ORGFLOW_BRANCHES_CANONICAL.
const EnvPrefix = "ORGFLOW_"

// Config represents the orgflow configuration.
type Config struct {
	Branches      BranchesConfig      `koanf:"branches" yaml:"branches"`
	VCS           VCSConfig           `koanf:"vcs" yaml:"vcs"`
	Profile       ProfileConfig       `koanf:"profile" yaml:"profile"`
	Cache         CacheConfig         `koanf:"cache" yaml:"cache"`
	Lock          LockConfig          `koanf:"lock" yaml:"lock"`
	Review        ReviewConfig        `koanf:"review" yaml:"review"`
	Drift         DriftConfig         `koanf:"drift" yaml:"drift"`
	Retention     RetentionConfig     `koanf:"retention" yaml:"retention"`
	Logging       LoggingConfig       `koanf:"logging" yaml:"logging"`
	Notifications NotificationsConfig `koanf:"notifications" yaml:"notifications"`
}

// BranchesConfig names the canonical branches and the work branch grammar.
type BranchesConfig struct {
	// Canonical is the organizational branch work branches start from and
	// merge into.
	Canonical   string `koanf:"canonical" yaml:"canonical"`
	User        string `koanf:"user" yaml:"user"`
	Prefix      string `koanf:"prefix" yaml:"prefix"`
	MaxLength   int    `koanf:"max_length" yaml:"max_length"`
	MaxAttempts int    `koanf:"max_attempts" yaml:"max_attempts"`
}

// VCSConfig configures external VCS command execution.
type VCSConfig struct {
	Timeout string `koanf:"timeout" yaml:"timeout"`
	Remote  string `koanf:"remote" yaml:"remote"`
}

// ProfileConfig configures repository profiling.
type ProfileConfig struct {
	TTL          string `koanf:"ttl" yaml:"ttl"`
	ProbeTimeout string `koanf:"probe_timeout" yaml:"probe_timeout"`
}

// CacheConfig configures the coordination cache.
type CacheConfig struct {
	Capacity   int    `koanf:"capacity" yaml:"capacity"`
	DefaultTTL string `koanf:"default_ttl" yaml:"default_ttl"`
}

// LockConfig configures the per-repository advisory lock.
type LockConfig struct {
	LeaseTTL       string `koanf:"lease_ttl" yaml:"lease_ttl"`
	AcquireTimeout string `koanf:"acquire_timeout" yaml:"acquire_timeout"`
	PollInterval   string `koanf:"poll_interval" yaml:"poll_interval"`
}

// ReviewConfig configures the review-request merge strategy.
type ReviewConfig struct {
	Enabled  bool   `koanf:"enabled" yaml:"enabled"`
	Provider string `koanf:"provider" yaml:"provider"` // gh, github-api
	Draft    bool   `koanf:"draft" yaml:"draft"`
	// TitleTemplate supports {branch}, {purpose} and {owner}.
	TitleTemplate string   `koanf:"title_template" yaml:"title_template"`
	Labels        []string `koanf:"labels" yaml:"labels,omitempty"`
	Reviewers     []string `koanf:"reviewers" yaml:"reviewers,omitempty"`
	TokenEnv      string   `koanf:"token_env" yaml:"token_env"`
}

// DriftConfig configures drift classification.
type DriftConfig struct {
	// Categories maps a registered category to its explicit file membership.
	Categories   map[string][]string `koanf:"categories" yaml:"categories,omitempty"`
	PrefixRules  []RuleConfig        `koanf:"prefix_rules" yaml:"prefix_rules,omitempty"`
	KeywordRules []RuleConfig        `koanf:"keyword_rules" yaml:"keyword_rules,omitempty"`
}

// RuleConfig maps a match string to a category.
type RuleConfig struct {
	Match    string `koanf:"match" yaml:"match"`
	Category string `koanf:"category" yaml:"category"`
}

// RetentionConfig configures pruning. A zero age disables pruning.
type RetentionConfig struct {
	AuditMaxAge        string `koanf:"audit_max_age" yaml:"audit_max_age"`
	CheckpointMaxAge   string `koanf:"checkpoint_max_age" yaml:"checkpoint_max_age"`
	KeepMinCheckpoints int    `koanf:"keep_min_checkpoints" yaml:"keep_min_checkpoints"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"` // json, console
}

// NotificationsConfig lists webhooks that receive audit events.
type NotificationsConfig struct {
	Hooks []HookConfig `koanf:"hooks" yaml:"hooks,omitempty"`
}

// HookConfig is one webhook endpoint.
type HookConfig struct {
	URL     string   `koanf:"url" yaml:"url"`
	Secret  string   `koanf:"secret" yaml:"secret,omitempty"`
	Events  []string `koanf:"events" yaml:"events,omitempty"`
	Timeout string   `koanf:"timeout" yaml:"timeout,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Branches: BranchesConfig{
			Canonical:   "orgflow",
			User:        "main",
			Prefix:      "wip",
			MaxLength:   63,
			MaxAttempts: 100,
		},
		VCS: VCSConfig{
			Timeout: "30s",
			Remote:  "origin",
		},
		Profile: ProfileConfig{
			TTL:          "24h",
			ProbeTimeout: "5s",
		},
		Cache: CacheConfig{
			Capacity:   256,
			DefaultTTL: "5m",
		},
		Lock: LockConfig{
			LeaseTTL:       "2m",
			AcquireTimeout: "30s",
			PollInterval:   "100ms",
		},
		Review: ReviewConfig{
			Enabled:       true,
			Provider:      "gh",
			TitleTemplate: "{purpose}: merge {branch}",
			TokenEnv:      "GITHUB_TOKEN",
		},
		Retention: RetentionConfig{
			AuditMaxAge:        "0",
			CheckpointMaxAge:   "168h",
			KeepMinCheckpoints: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Path returns the config file path inside stateDir.
func Path(stateDir string) string {
	return filepath.Join(stateDir, FileName)
}

// Load reads <stateDir>/config.yaml over the defaults, then applies ORGFLOW_*
// environment overrides. A missing file yields defaults.
func Load(stateDir string) (*Config, error) {
	k, err := loadFile(stateDir)
	if err != nil {
		return nil, err
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg, err := unmarshal(k)
	if err != nil {
		return nil, errclass.ErrConfigInvalid.WithMessage("unmarshal config").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Set changes one dotted key in the config file and saves it. Environment
// overrides are not persisted.
func Set(stateDir, key, value string) (*Config, error) {
	k, err := loadFile(stateDir)
	if err != nil {
		return nil, err
	}
	if err := k.Set(key, value); err != nil {
		return nil, fmt.Errorf("set %s: %w", key, err)
	}

	cfg, err := unmarshal(k)
	if err != nil {
		return nil, errclass.ErrConfigInvalid.WithMessagef("set %s", key).Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := Save(stateDir, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// unmarshal decodes k over the defaults. Values from the environment and
// from Set arrive as strings; "a,b" decodes into a list.
func unmarshal(k *koanf.Koanf) (*Config, error) {
	cfg := Default()
	err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			WeaklyTypedInput: true,
			Result:           cfg,
		},
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(stateDir string) (*koanf.Koanf, error) {
	k := koanf.New(".")
	data, err := os.ReadFile(Path(stateDir))
	if errors.Is(err, os.ErrNotExist) {
		return k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, errclass.ErrConfigInvalid.WithMessage("parse config").Wrap(err)
	}
	return k, nil
}

// envKey maps ORGFLOW_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// Save writes configuration to <stateDir>/config.yaml.
func Save(stateDir string, cfg *Config) error {
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := fsutil.AtomicWrite(Path(stateDir), data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// MinMaxLength is the smallest branches.max_length that still fits the
// prefix, a one-character purpose and a -YYYYMMDD date suffix.
func MinMaxLength(prefix string) int {
	return len(prefix) + len("-x") + len("-20060102")
}

// Validate checks value ranges and duration syntax.
func (c *Config) Validate() error {
	var reasons []string

	if c.Branches.Canonical == "" {
		reasons = append(reasons, "branches.canonical must be set")
	}
	if c.Branches.User == "" {
		reasons = append(reasons, "branches.user must be set")
	}
	if c.Branches.Canonical != "" && c.Branches.Canonical == c.Branches.User {
		reasons = append(reasons, "branches.canonical and branches.user must differ")
	}
	if c.Branches.Prefix == "" || strings.ContainsAny(c.Branches.Prefix, "-/ ") {
		reasons = append(reasons, "branches.prefix must be a single token")
	}
	if c.Branches.MaxLength < MinMaxLength(c.Branches.Prefix) {
		reasons = append(reasons, "branches.max_length too small for prefix")
	}
	if c.Branches.MaxAttempts < 1 {
		reasons = append(reasons, "branches.max_attempts must be positive")
	}
	if c.Cache.Capacity < 1 {
		reasons = append(reasons, "cache.capacity must be positive")
	}
	switch c.Review.Provider {
	case "gh", "github-api":
	default:
		reasons = append(reasons, "review.provider must be gh or github-api")
	}
	if unknown := template.Unknown(c.Review.TitleTemplate, "branch", "purpose", "owner"); len(unknown) > 0 {
		reasons = append(reasons, fmt.Sprintf("review.title_template has unknown placeholders: %s", strings.Join(unknown, ", ")))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		reasons = append(reasons, "logging.format must be json or console")
	}

	durations := map[string]string{
		"vcs.timeout":                  c.VCS.Timeout,
		"profile.ttl":                  c.Profile.TTL,
		"profile.probe_timeout":        c.Profile.ProbeTimeout,
		"cache.default_ttl":            c.Cache.DefaultTTL,
		"lock.lease_ttl":               c.Lock.LeaseTTL,
		"lock.acquire_timeout":         c.Lock.AcquireTimeout,
		"lock.poll_interval":           c.Lock.PollInterval,
		"retention.audit_max_age":      c.Retention.AuditMaxAge,
		"retention.checkpoint_max_age": c.Retention.CheckpointMaxAge,
	}
	for key, v := range durations {
		if _, err := time.ParseDuration(v); err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: invalid duration %q", key, v))
		}
	}

	if len(reasons) > 0 {
		return errclass.ErrConfigInvalid.WithReasons(reasons...)
	}
	return nil
}

// Duration parses a duration string already checked by Validate, returning
// fallback on error.
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
