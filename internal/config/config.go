package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/ctxwin/internal/contextwindow"
	"github.com/basket/ctxwin/internal/models"
	"github.com/basket/ctxwin/internal/oracle"
	otelPkg "github.com/basket/ctxwin/internal/otel"
)

// ContextWindowConfig holds the manager knobs.
type ContextWindowConfig struct {
	ReservedTokens               int     `yaml:"reserved_tokens"`
	MaxTokensBeforeSummarization int     `yaml:"max_tokens_before_summarization"`
	SummarizationRatio           float64 `yaml:"summarization_ratio"`
	SummarizationModel           string  `yaml:"summarization_model"`
	Debug                        bool    `yaml:"debug"`
	CountConcurrency             int     `yaml:"count_concurrency"`
}

// TokenCacheConfig sizes the token cache and its optional SQLite tier.
type TokenCacheConfig struct {
	// MaxEntries bounds the in-memory cache (LRU). 0 means unbounded.
	MaxEntries int `yaml:"max_entries"`
	// Persist enables the SQLite tier at Path.
	Persist bool   `yaml:"persist"`
	Path    string `yaml:"path"`
	// RetentionDays purges persisted counts not refreshed for this long. 0 keeps them.
	RetentionDays int `yaml:"retention_days"`
}

// TokenizerConfig selects the token estimator.
type TokenizerConfig struct {
	// Mode is "heuristic" or "tiktoken".
	Mode string `yaml:"mode"`
}

type Config struct {
	HomeDir  string `yaml:"-"`
	LogLevel string `yaml:"log_level"`

	ContextWindow ContextWindowConfig `yaml:"context_window"`

	// Models adds or replaces registry profiles.
	Models []models.Profile `yaml:"models"`
	// ContextWindows overrides the window of individual model ids.
	ContextWindows map[string]int `yaml:"context_windows"`

	Providers  map[string]oracle.ProviderConfig `yaml:"providers"`
	TokenCache TokenCacheConfig                 `yaml:"token_cache"`
	Tokenizer  TokenizerConfig                  `yaml:"tokenizer"`
	Telemetry  otelPkg.Config                   `yaml:"telemetry"`

	// NeedsInit is set when no config.yaml exists yet.
	NeedsInit bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// ManagerConfig converts the context_window section into manager settings.
// Wiring fields (cache, logger, tracer, metrics) are left to the caller.
func (c Config) ManagerConfig() contextwindow.Config {
	return contextwindow.Config{
		ReservedTokens:               c.ContextWindow.ReservedTokens,
		MaxTokensBeforeSummarization: c.ContextWindow.MaxTokensBeforeSummarization,
		SummarizationRatio:           c.ContextWindow.SummarizationRatio,
		SummarizationModel:           c.ContextWindow.SummarizationModel,
		Debug:                        c.ContextWindow.Debug,
		CountConcurrency:             c.ContextWindow.CountConcurrency,
	}
}

// Fingerprint returns a stable hash of the settings that change preparation
// results. Credentials are not included.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	cw := c.ContextWindow
	fmt.Fprintf(h, "reserved=%d|max=%d|ratio=%g|summary=%s|tokenizer=%s",
		cw.ReservedTokens, cw.MaxTokensBeforeSummarization, cw.SummarizationRatio, cw.SummarizationModel, c.Tokenizer.Mode)
	for _, p := range c.Models {
		fmt.Fprintf(h, "|model=%s:%s:%d:%s", p.ID, p.Provider, p.ContextWindowTokens, p.Encoding)
	}
	ids := make([]string, 0, len(c.ContextWindows))
	for id := range c.ContextWindows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(h, "|window=%s:%d", id, c.ContextWindows[id])
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		ContextWindow: ContextWindowConfig{
			ReservedTokens:               contextwindow.DefaultReservedTokens,
			MaxTokensBeforeSummarization: contextwindow.DefaultMaxTokensBeforeSummarization,
			SummarizationRatio:           contextwindow.DefaultSummarizationRatio,
			CountConcurrency:             1,
		},
		TokenCache: TokenCacheConfig{
			MaxEntries: 10_000,
		},
		Tokenizer: TokenizerConfig{Mode: oracle.TokenizerHeuristic},
		Telemetry: otelPkg.Config{Exporter: "none", ServiceName: "ctxwin"},
	}
}

func HomeDir() string {
	if override := os.Getenv("CTXWIN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ctxwin")
}

// Load reads config.yaml from HomeDir.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads homeDir/config.yaml over the defaults, then applies env
// overrides and normalizes. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create ctxwin home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cw := &cfg.ContextWindow
	if cw.ReservedTokens < 0 {
		cw.ReservedTokens = contextwindow.DefaultReservedTokens
	}
	if cw.MaxTokensBeforeSummarization <= 0 {
		cw.MaxTokensBeforeSummarization = contextwindow.DefaultMaxTokensBeforeSummarization
	}
	if cw.SummarizationRatio <= 0 || cw.SummarizationRatio > 1 {
		cw.SummarizationRatio = contextwindow.DefaultSummarizationRatio
	}
	if cw.CountConcurrency <= 0 {
		cw.CountConcurrency = 1
	}
	cw.SummarizationModel = strings.TrimSpace(cw.SummarizationModel)

	cfg.Tokenizer.Mode = strings.ToLower(strings.TrimSpace(cfg.Tokenizer.Mode))
	if cfg.Tokenizer.Mode == "" {
		cfg.Tokenizer.Mode = oracle.TokenizerHeuristic
	}
	if cfg.TokenCache.MaxEntries < 0 {
		cfg.TokenCache.MaxEntries = 0
	}
	if cfg.TokenCache.Persist && strings.TrimSpace(cfg.TokenCache.Path) == "" {
		cfg.TokenCache.Path = filepath.Join(cfg.HomeDir, "tokens.db")
	}

	// Normalize legacy provider name.
	if p, ok := cfg.Providers["gemini"]; ok {
		if _, exists := cfg.Providers["google"]; !exists {
			cfg.Providers["google"] = p
		}
		delete(cfg.Providers, "gemini")
	}
}

func validate(cfg Config) error {
	switch cfg.Tokenizer.Mode {
	case oracle.TokenizerHeuristic, oracle.TokenizerTiktoken:
	default:
		return fmt.Errorf("tokenizer.mode %q: want %q or %q", cfg.Tokenizer.Mode, oracle.TokenizerHeuristic, oracle.TokenizerTiktoken)
	}
	for i, p := range cfg.Models {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("models[%d]: id is required", i)
		}
		if p.ContextWindowTokens <= 0 {
			return fmt.Errorf("models[%d] (%s): context_window_tokens must be positive", i, p.ID)
		}
	}
	for id, n := range cfg.ContextWindows {
		if n <= 0 {
			return fmt.Errorf("context_windows[%s]: must be positive", id)
		}
	}
	return nil
}

// providerEnv maps providers to the env vars holding their API keys, in
// precedence order.
var providerEnv = map[string][]string{
	"google":     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"anthropic":  {"ANTHROPIC_API_KEY"},
	"openai":     {"OPENAI_API_KEY"},
	"openrouter": {"OPENROUTER_API_KEY"},
}

// ProviderAPIKey returns the API key for the given provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	for _, envVar := range providerEnv[provider] {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// ResolvedProviders returns provider settings with env API keys applied.
func (c Config) ResolvedProviders() map[string]oracle.ProviderConfig {
	out := make(map[string]oracle.ProviderConfig, len(c.Providers)+len(providerEnv))
	for name, p := range c.Providers {
		out[name] = p
	}
	for name := range providerEnv {
		if key := c.ProviderAPIKey(name); key != "" {
			p := out[name]
			p.APIKey = key
			out[name] = p
		}
	}
	return out
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CTXWIN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CTXWIN_RESERVED_TOKENS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ContextWindow.ReservedTokens = v
		}
	}
	if raw := os.Getenv("CTXWIN_MAX_TOKENS_BEFORE_SUMMARIZATION"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ContextWindow.MaxTokensBeforeSummarization = v
		}
	}
	if raw := os.Getenv("CTXWIN_SUMMARIZATION_RATIO"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.ContextWindow.SummarizationRatio = v
		}
	}
	if raw := os.Getenv("CTXWIN_SUMMARIZATION_MODEL"); raw != "" {
		cfg.ContextWindow.SummarizationModel = raw
	}
	if raw := os.Getenv("CTXWIN_DEBUG"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.ContextWindow.Debug = v
		}
	}
	if raw := os.Getenv("CTXWIN_TOKENIZER"); raw != "" {
		cfg.Tokenizer.Mode = raw
	}
}
